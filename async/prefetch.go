// Package async builds training batches ahead of the trainer so that ray
// generation and error map sampling overlap with the optimisation step.
package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tsawler/go-nerftrain/errormap"
	"github.com/tsawler/go-nerftrain/training"
)

// Prefetcher wraps a training.Supply and fills a bounded queue from a
// background goroutine. It is itself a Supply and forwards the optional
// supply interfaces to the wrapped one.
type Prefetcher struct {
	inner         training.Supply
	prefetchDepth int

	// innerMu serialises every call into the wrapped supply
	innerMu sync.Mutex

	batchChannel chan *training.Batch
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	batchCounter atomic.Uint64
	generation   uint64
	isRunning    bool
	mutex        sync.RWMutex
}

// PrefetcherConfig holds configuration for the prefetcher
type PrefetcherConfig struct {
	PrefetchDepth int // batches built ahead of the consumer (default: 2)
}

// NewPrefetcher wraps inner. Nothing runs until the first Reset or Next.
func NewPrefetcher(inner training.Supply, config PrefetcherConfig) (*Prefetcher, error) {
	if inner == nil {
		return nil, fmt.Errorf("supply cannot be nil")
	}
	if config.PrefetchDepth < 0 {
		return nil, fmt.Errorf("prefetch depth must not be negative, got %d", config.PrefetchDepth)
	}
	if config.PrefetchDepth == 0 {
		config.PrefetchDepth = 2
	}
	return &Prefetcher{inner: inner, prefetchDepth: config.PrefetchDepth}, nil
}

// Start begins filling the queue from the wrapped supply's current position
func (p *Prefetcher) Start() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.isRunning {
		return fmt.Errorf("prefetcher is already running")
	}
	p.startLocked()
	return nil
}

func (p *Prefetcher) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan *training.Batch, p.prefetchDepth)
	p.batchChannel = ch
	p.cancel = cancel
	p.generation++
	p.isRunning = true

	p.wg.Add(1)
	go p.worker(ctx, ch)
}

// Stop halts the worker and discards any queued batches
func (p *Prefetcher) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.stopLocked()
}

func (p *Prefetcher) stopLocked() {
	if !p.isRunning {
		return
	}
	p.cancel()
	p.wg.Wait()
	for range p.batchChannel {
	}
	p.isRunning = false
}

// worker closes ch once the wrapped supply is exhausted or ctx is cancelled
func (p *Prefetcher) worker(ctx context.Context, ch chan<- *training.Batch) {
	defer p.wg.Done()
	defer close(ch)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p.innerMu.Lock()
		batch, ok := p.inner.Next()
		p.innerMu.Unlock()
		if !ok {
			return
		}
		p.batchCounter.Add(1)

		select {
		case ch <- batch:
		case <-ctx.Done():
			return
		}
	}
}

// Len forwards to the wrapped supply
func (p *Prefetcher) Len() int {
	p.innerMu.Lock()
	defer p.innerMu.Unlock()
	return p.inner.Len()
}

// BatchSize forwards to the wrapped supply
func (p *Prefetcher) BatchSize() int {
	p.innerMu.Lock()
	defer p.innerMu.Unlock()
	return p.inner.BatchSize()
}

// Next blocks until the worker has a batch, or reports false once the pass
// is exhausted
func (p *Prefetcher) Next() (*training.Batch, bool) {
	p.mutex.Lock()
	if !p.isRunning {
		p.startLocked()
	}
	ch := p.batchChannel
	p.mutex.Unlock()

	batch, ok := <-ch
	return batch, ok
}

// Reset discards the queue, rewinds the wrapped supply and starts a new pass
func (p *Prefetcher) Reset() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.stopLocked()

	p.innerMu.Lock()
	p.inner.Reset()
	p.innerMu.Unlock()

	p.startLocked()
}

// SetEpoch halts the current pass, then forwards to the wrapped supply when
// it reshuffles per epoch. No worker reads between the reseed and the next
// Reset.
func (p *Prefetcher) SetEpoch(epoch int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.stopLocked()

	p.innerMu.Lock()
	defer p.innerMu.Unlock()
	if setter, ok := p.inner.(training.EpochSetter); ok {
		setter.SetEpoch(epoch)
	}
}

// Collate builds a batch synchronously through the wrapped supply
func (p *Prefetcher) Collate(indices []int) (*training.Batch, error) {
	p.innerMu.Lock()
	defer p.innerMu.Unlock()
	collator, ok := p.inner.(training.Collator)
	if !ok {
		return nil, fmt.Errorf("supply %T cannot collate views", p.inner)
	}
	return collator.Collate(indices)
}

// Cameras returns the wrapped supply's cameras, or none
func (p *Prefetcher) Cameras() training.Cameras {
	p.innerMu.Lock()
	defer p.innerMu.Unlock()
	if src, ok := p.inner.(training.CameraSource); ok {
		return src.Cameras()
	}
	return training.Cameras{}
}

// ErrorMap returns the wrapped supply's error map, or nil
func (p *Prefetcher) ErrorMap() *errormap.Map {
	if src, ok := p.inner.(training.ErrorMapSource); ok {
		return src.ErrorMap()
	}
	return nil
}

// Stats returns statistics about the prefetcher
func (p *Prefetcher) Stats() PrefetchStats {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return PrefetchStats{
		IsRunning:       p.isRunning,
		BatchesProduced: p.batchCounter.Load(),
		QueuedBatches:   len(p.batchChannel),
		QueueCapacity:   p.prefetchDepth,
		Generation:      p.generation,
	}
}

// PrefetchStats provides statistics about the prefetcher
type PrefetchStats struct {
	IsRunning       bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
	Generation      uint64 // passes started
}
