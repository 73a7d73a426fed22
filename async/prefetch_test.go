package async

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/tsawler/go-nerftrain/optimizer"
	"github.com/tsawler/go-nerftrain/testbed"
	"github.com/tsawler/go-nerftrain/training"
)

// countingSupply yields batches whose H field carries their position in the pass
type countingSupply struct {
	n, pos int
	resets int
}

func (s *countingSupply) Len() int       { return s.n }
func (s *countingSupply) BatchSize() int { return 1 }

func (s *countingSupply) Reset() {
	s.pos = 0
	s.resets++
}

func (s *countingSupply) Next() (*training.Batch, bool) {
	if s.pos >= s.n {
		return nil, false
	}
	s.pos++
	return &training.Batch{H: s.pos}, true
}

func drain(p *Prefetcher) []int {
	var seen []int
	for {
		b, ok := p.Next()
		if !ok {
			return seen
		}
		seen = append(seen, b.H)
	}
}

func TestNewPrefetcherValidation(t *testing.T) {
	if _, err := NewPrefetcher(nil, PrefetcherConfig{}); err == nil {
		t.Error("expected an error for a nil supply")
	}
	if _, err := NewPrefetcher(&countingSupply{n: 1}, PrefetcherConfig{PrefetchDepth: -1}); err == nil {
		t.Error("expected an error for a negative depth")
	}
	p, err := NewPrefetcher(&countingSupply{n: 1}, PrefetcherConfig{})
	if err != nil {
		t.Fatalf("NewPrefetcher: %v", err)
	}
	if st := p.Stats(); st.QueueCapacity != 2 || st.IsRunning {
		t.Errorf("unexpected initial stats %+v", st)
	}
}

func TestPrefetcherPreservesOrderAcrossPasses(t *testing.T) {
	inner := &countingSupply{n: 5}
	p, err := NewPrefetcher(inner, PrefetcherConfig{PrefetchDepth: 2})
	if err != nil {
		t.Fatalf("NewPrefetcher: %v", err)
	}
	defer p.Stop()

	if p.Len() != 5 || p.BatchSize() != 1 {
		t.Fatalf("Len/BatchSize should forward, got %d/%d", p.Len(), p.BatchSize())
	}

	for pass := 1; pass <= 3; pass++ {
		p.Reset()
		seen := drain(p)
		if len(seen) != 5 {
			t.Fatalf("pass %d: expected 5 batches, got %v", pass, seen)
		}
		for i, v := range seen {
			if v != i+1 {
				t.Fatalf("pass %d: batches out of order: %v", pass, seen)
			}
		}
		if _, ok := p.Next(); ok {
			t.Fatalf("pass %d: an exhausted pass should keep reporting false", pass)
		}
	}

	st := p.Stats()
	if st.Generation != 3 || st.BatchesProduced != 15 {
		t.Errorf("expected 3 passes and 15 batches, got %+v", st)
	}
	if inner.resets != 3 {
		t.Errorf("each Reset should rewind the wrapped supply once, got %d", inner.resets)
	}
}

func TestPrefetcherNextWithoutReset(t *testing.T) {
	inner := &countingSupply{n: 3}
	p, _ := NewPrefetcher(inner, PrefetcherConfig{PrefetchDepth: 1})
	defer p.Stop()

	if got := drain(p); len(got) != 3 {
		t.Fatalf("expected the current pass to be consumed, got %v", got)
	}
	if inner.resets != 0 {
		t.Errorf("Next alone must not rewind the wrapped supply")
	}
}

func TestPrefetcherResetAbandonsPartialPass(t *testing.T) {
	inner := &countingSupply{n: 100}
	p, _ := NewPrefetcher(inner, PrefetcherConfig{PrefetchDepth: 1})
	defer p.Stop()

	p.Reset()
	if b, ok := p.Next(); !ok || b.H != 1 {
		t.Fatalf("expected the first batch, got %v %v", b, ok)
	}

	done := make(chan struct{})
	go func() {
		p.Reset()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Reset blocked on a worker waiting to send")
	}

	if b, ok := p.Next(); !ok || b.H != 1 {
		t.Fatalf("a new pass should start from the beginning, got %v %v", b, ok)
	}
	p.Stop()
	if p.Stats().IsRunning {
		t.Error("Stop should halt the worker")
	}
}

func TestPrefetcherForwardsOptionalInterfaces(t *testing.T) {
	plain, _ := NewPrefetcher(&countingSupply{n: 1}, PrefetcherConfig{})
	if _, err := plain.Collate([]int{0}); err == nil {
		t.Error("expected an error collating through a plain supply")
	}
	if len(plain.Cameras().Poses) != 0 || plain.ErrorMap() != nil {
		t.Error("a plain supply has no cameras and no error map")
	}
	plain.SetEpoch(3)

	views, err := testbed.NewViewSupply(testbed.SupplyConfig{
		Views: 4, H: 4, W: 4, RaysPerBatch: 8, Shuffle: true,
		ErrorMap: true, Resolution: 4, Seed: 3,
	})
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	p, _ := NewPrefetcher(views, PrefetcherConfig{})
	defer p.Stop()

	if got := len(p.Cameras().Poses); got != 4 {
		t.Errorf("expected 4 poses, got %d", got)
	}
	if p.ErrorMap() != views.ErrorMap() {
		t.Error("the error map should be the wrapped supply's")
	}
	b, err := p.Collate([]int{-1})
	if err != nil || len(b.Index) != 1 || b.Index[0] != 3 {
		t.Fatalf("expected the newest view, got %+v (%v)", b, err)
	}

	p.SetEpoch(1)
	p.Reset()
	seen := map[int]bool{}
	for {
		b, ok := p.Next()
		if !ok {
			break
		}
		seen[b.Index[0]] = true
	}
	if len(seen) != 4 {
		t.Errorf("a shuffled pass should visit every view once, got %v", seen)
	}
}

func TestTrainerConsumesPrefetchedSupply(t *testing.T) {
	views, err := testbed.NewViewSupply(testbed.SupplyConfig{
		Views: 4, H: 4, W: 4, RaysPerBatch: 8,
		ErrorMap: true, Resolution: 4, Seed: 11,
		Target: testbed.FieldOptions{Seed: 7},
	})
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	p, _ := NewPrefetcher(views, PrefetcherConfig{PrefetchDepth: 3})
	defer p.Stop()

	model := testbed.NewFieldModel(testbed.FieldOptions{Seed: 1, Accelerate: true})
	opt, err := optimizer.New(model.Parameters(), optimizer.Config{Type: "adam", LR: 0.01})
	if err != nil {
		t.Fatalf("optimizer: %v", err)
	}
	cfg := training.DefaultConfig()
	cfg.Workspace = t.TempDir()
	cfg.UseCheckpoint = training.RefScratch
	cfg.Mute = true
	tr, err := training.NewTrainer(cfg, model, training.WithOptimizer(opt), training.WithConsole(io.Discard))
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}
	defer tr.Close()

	if err := tr.Train(context.Background(), p, nil, 2); err != nil {
		t.Fatalf("train: %v", err)
	}
	if model.Renders() != 8 {
		t.Errorf("expected 8 steps over 2 epochs, got %d", model.Renders())
	}
	if model.VisibleCameras() != 4 {
		t.Errorf("cameras should be forwarded for visibility marking, got %d", model.VisibleCameras())
	}
	if tr.ErrorMap() != views.ErrorMap() {
		t.Error("the trainer should attach the wrapped supply's error map")
	}
	if p.Stats().Generation < 2 {
		t.Errorf("each epoch should start a new pass, got %+v", p.Stats())
	}
}
