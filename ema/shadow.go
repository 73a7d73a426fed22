// Package ema keeps an exponential moving average of trainable parameters
// and lets callers evaluate with the averaged values for a bounded scope.
package ema

import (
	"fmt"
	"sync"

	"github.com/tsawler/go-nerftrain/checkpoints"
	"github.com/tsawler/go-nerftrain/tensor"
)

// Shadow is a decayed copy of every trainable parameter
type Shadow struct {
	decay   float64
	params  []*tensor.Parameter
	shadow  map[string][]float32
	updates uint64

	// held while the shadow values are swapped into the live parameters
	scope sync.Mutex
}

// New creates a shadow initialised to the current parameter values. decay
// must lie in (0, 1).
func New(params []*tensor.Parameter, decay float64) (*Shadow, error) {
	if decay <= 0 || decay >= 1 {
		return nil, fmt.Errorf("ema decay must be in (0, 1), got %f", decay)
	}
	s := &Shadow{
		decay:  decay,
		params: tensor.Trainable(params),
		shadow: make(map[string][]float32),
	}
	for _, p := range s.params {
		s.shadow[p.Name] = append([]float32(nil), p.Data...)
	}
	return s, nil
}

// Decay returns the configured decay rate
func (s *Shadow) Decay() float64 {
	return s.decay
}

// Updates returns how many times Update has run
func (s *Shadow) Updates() uint64 {
	return s.updates
}

// Update moves every shadow value toward its live parameter. The effective
// decay warms up as min(decay, (1+n)/(10+n)) so early shadows track the
// parameters closely.
func (s *Shadow) Update() {
	s.scope.Lock()
	defer s.scope.Unlock()

	n := float64(s.updates)
	d := s.decay
	if warm := (1 + n) / (10 + n); warm < d {
		d = warm
	}
	s.updates++

	oneMinus := 1 - d
	for _, p := range s.params {
		sh := s.shadow[p.Name]
		if len(sh) != len(p.Data) {
			s.shadow[p.Name] = append([]float32(nil), p.Data...)
			continue
		}
		for i, v := range p.Data {
			sh[i] -= float32(oneMinus * float64(sh[i]-v))
		}
	}
}

// WithShadow swaps the shadow values into the live parameters, runs fn, and
// restores the live values on every exit path, including a panic in fn.
func (s *Shadow) WithShadow(fn func() error) error {
	s.scope.Lock()
	defer s.scope.Unlock()

	stash := make(map[string][]float32, len(s.params))
	for _, p := range s.params {
		sh, ok := s.shadow[p.Name]
		if !ok || len(sh) != len(p.Data) {
			continue
		}
		stash[p.Name] = append([]float32(nil), p.Data...)
		copy(p.Data, sh)
	}
	defer func() {
		for _, p := range s.params {
			if live, ok := stash[p.Name]; ok {
				copy(p.Data, live)
			}
		}
	}()

	return fn()
}

// Values returns a copy of the shadow value for the named parameter
func (s *Shadow) Values(name string) ([]float32, bool) {
	s.scope.Lock()
	defer s.scope.Unlock()
	sh, ok := s.shadow[name]
	if !ok {
		return nil, false
	}
	return append([]float32(nil), sh...), true
}

// State captures the shadow for checkpointing
func (s *Shadow) State() *checkpoints.ComponentState {
	s.scope.Lock()
	defer s.scope.Unlock()

	state := &checkpoints.ComponentState{
		Type: "EMA",
		Parameters: map[string]interface{}{
			"decay":   s.decay,
			"updates": float64(s.updates),
		},
	}
	for _, p := range s.params {
		state.StateData = append(state.StateData, checkpoints.StateTensor{
			Name:      p.Name,
			Shape:     append([]int(nil), p.Shape...),
			Data:      append([]float32(nil), s.shadow[p.Name]...),
			StateType: "shadow",
		})
	}
	return state
}

// LoadState restores shadow values by name. Entries for unknown parameters
// or with the wrong size are skipped and returned as the skipped list.
func (s *Shadow) LoadState(state *checkpoints.ComponentState) (skipped []string, err error) {
	if state == nil || state.Type != "EMA" {
		return nil, fmt.Errorf("not an ema state")
	}

	s.scope.Lock()
	defer s.scope.Unlock()

	sizes := make(map[string]int, len(s.params))
	for _, p := range s.params {
		sizes[p.Name] = len(p.Data)
	}
	for _, st := range state.StateData {
		n, ok := sizes[st.Name]
		if !ok || n != len(st.Data) {
			skipped = append(skipped, st.Name)
			continue
		}
		s.shadow[st.Name] = append([]float32(nil), st.Data...)
	}
	if u, ok := state.Parameters["updates"].(float64); ok && u >= 0 {
		s.updates = uint64(u)
	}
	return skipped, nil
}
