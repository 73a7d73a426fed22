// Package distributed provides the collective operations that keep trainer
// replicas in lock-step: mean reduction of scalars, rank-ordered gathering
// of tensors, and a plain barrier.
//
// Every worker of a Group must call the collectives the same number of
// times and in the same order. A worker that skips a call leaves the others
// blocked forever; this is a contract on the caller and is not detected.
package distributed

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-nerftrain/tensor"
)

// Comm is one worker's handle on a group
type Comm interface {
	Rank() int
	WorldSize() int
	IsCoordinator() bool
	ReduceScalar(v float64) float64
	GatherTensor(t tensor.Tensor) (tensor.Tensor, error)
	Barrier()
}

// Group is a fixed set of in-process workers that rendezvous on every
// collective call
type Group struct {
	size int

	mu         sync.Mutex
	cond       *sync.Cond
	generation uint64
	arrived    int
	slots      []interface{}
	result     []interface{}
}

// NewGroup creates a group of worldSize workers
func NewGroup(worldSize int) (*Group, error) {
	if worldSize < 1 {
		return nil, fmt.Errorf("world size must be at least 1, got %d", worldSize)
	}
	g := &Group{
		size:  worldSize,
		slots: make([]interface{}, worldSize),
	}
	g.cond = sync.NewCond(&g.mu)
	return g, nil
}

// Size returns the world size
func (g *Group) Size() int { return g.size }

// Comm returns the handle for one rank
func (g *Group) Comm(rank int) (Comm, error) {
	if rank < 0 || rank >= g.size {
		return nil, fmt.Errorf("rank %d out of range [0, %d)", rank, g.size)
	}
	return &member{group: g, rank: rank}, nil
}

// Solo returns a world-size-1 communicator; every collective returns its
// input unchanged
func Solo() Comm {
	g, _ := NewGroup(1)
	c, _ := g.Comm(0)
	return c
}

// exchange deposits v for rank and blocks until every rank has deposited.
// All ranks receive the same rank-ordered slice.
func (g *Group) exchange(rank int, v interface{}) []interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	gen := g.generation
	g.slots[rank] = v
	g.arrived++
	if g.arrived == g.size {
		g.result = g.slots
		g.slots = make([]interface{}, g.size)
		g.arrived = 0
		g.generation++
		g.cond.Broadcast()
		return g.result
	}
	for gen == g.generation {
		g.cond.Wait()
	}
	return g.result
}

type member struct {
	group *Group
	rank  int
}

func (m *member) Rank() int           { return m.rank }
func (m *member) WorldSize() int      { return m.group.size }
func (m *member) IsCoordinator() bool { return m.rank == 0 }

// ReduceScalar returns the mean of v across all workers
func (m *member) ReduceScalar(v float64) float64 {
	if m.group.size == 1 {
		return v
	}
	parts := m.group.exchange(m.rank, v)
	vals := make([]float64, len(parts))
	for i, p := range parts {
		vals[i] = p.(float64)
	}
	return floats.Sum(vals) / float64(len(vals))
}

// GatherTensor concatenates every worker's tensor along the batch dimension
// in rank order. All workers receive the full result.
func (m *member) GatherTensor(t tensor.Tensor) (tensor.Tensor, error) {
	if m.group.size == 1 {
		return t.Clone(), nil
	}
	parts := m.group.exchange(m.rank, t)
	ts := make([]tensor.Tensor, len(parts))
	for i, p := range parts {
		ts[i] = p.(tensor.Tensor)
	}
	return tensor.Concat(ts...)
}

// Barrier blocks until every worker has reached it
func (m *member) Barrier() {
	if m.group.size == 1 {
		return
	}
	m.group.exchange(m.rank, nil)
}
