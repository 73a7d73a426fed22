// Package amp implements dynamic loss scaling for reduced-precision training.
//
// The scaler multiplies the loss before back-propagation so small gradients
// survive reduced precision, divides the gradients back before the optimizer
// sees them, and skips any update whose gradients overflowed. A disabled
// scaler is a pass-through: scale 1, no overflow checks, never skips.
package amp

import (
	"fmt"
	"math"

	"github.com/tsawler/go-nerftrain/checkpoints"
	"github.com/tsawler/go-nerftrain/tensor"
)

// MaxHalf is the largest finite float16 value. Under reduced precision any
// gradient beyond it would have overflowed.
const MaxHalf = 65504.0

// Config holds the scaling policy
type Config struct {
	Enabled        bool
	InitScale      float64
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int
}

// DefaultConfig returns the standard dynamic scaling policy
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		InitScale:      65536.0,
		GrowthFactor:   2.0,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
	}
}

// GradScaler tracks the current loss scale and the run of clean steps
type GradScaler struct {
	config        Config
	scale         float64
	growthTracker int
	skipped       uint64
}

// NewGradScaler creates a scaler. Invalid policy values fall back to
// DefaultConfig.
func NewGradScaler(config Config) *GradScaler {
	def := DefaultConfig()
	if config.InitScale <= 0 {
		config.InitScale = def.InitScale
	}
	if config.GrowthFactor <= 1 {
		config.GrowthFactor = def.GrowthFactor
	}
	if config.BackoffFactor <= 0 || config.BackoffFactor >= 1 {
		config.BackoffFactor = def.BackoffFactor
	}
	if config.GrowthInterval <= 0 {
		config.GrowthInterval = def.GrowthInterval
	}
	return &GradScaler{config: config, scale: config.InitScale}
}

// Disabled returns a pass-through scaler
func Disabled() *GradScaler {
	return NewGradScaler(Config{Enabled: false})
}

// Enabled reports whether scaling is active
func (s *GradScaler) Enabled() bool {
	return s.config.Enabled
}

// Scale returns the factor the loss must be multiplied by before
// back-propagation
func (s *GradScaler) Scale() float64 {
	if !s.config.Enabled {
		return 1
	}
	return s.scale
}

// SkippedSteps returns how many updates were abandoned because of overflow
func (s *GradScaler) SkippedSteps() uint64 {
	return s.skipped
}

// Unscale divides every gradient by the current scale in place and reports
// whether any gradient is non-finite or outside the float16 range. A
// disabled scaler leaves gradients untouched and never reports overflow.
func (s *GradScaler) Unscale(params []*tensor.Parameter) (foundInf bool) {
	if !s.config.Enabled {
		return false
	}
	inv := 1.0 / s.scale
	for _, p := range params {
		for i, g := range p.Grad {
			gf := float64(g)
			if math.IsNaN(gf) || math.IsInf(gf, 0) || math.Abs(gf) > MaxHalf {
				foundInf = true
			}
			p.Grad[i] = float32(gf * inv)
		}
	}
	return foundInf
}

// Update advances the state machine after a step: back off and reset the
// growth tracker on overflow, otherwise grow the scale once GrowthInterval
// consecutive clean steps have passed.
func (s *GradScaler) Update(foundInf bool) {
	if !s.config.Enabled {
		return
	}
	if foundInf {
		s.scale *= s.config.BackoffFactor
		s.growthTracker = 0
		s.skipped++
		return
	}
	s.growthTracker++
	if s.growthTracker >= s.config.GrowthInterval {
		grown := s.scale * s.config.GrowthFactor
		if !math.IsInf(grown, 0) {
			s.scale = grown
		}
		s.growthTracker = 0
	}
}

// State captures the scaler for checkpointing
func (s *GradScaler) State() *checkpoints.ComponentState {
	return &checkpoints.ComponentState{
		Type: "GradScaler",
		Parameters: map[string]interface{}{
			"enabled":         s.config.Enabled,
			"scale":           s.scale,
			"growth_factor":   s.config.GrowthFactor,
			"backoff_factor":  s.config.BackoffFactor,
			"growth_interval": float64(s.config.GrowthInterval),
			"growth_tracker":  float64(s.growthTracker),
		},
	}
}

// LoadState restores the scale and growth tracker. The enabled flag of the
// running scaler wins over the stored one, so a checkpoint written with
// reduced precision can resume at full precision and vice versa.
func (s *GradScaler) LoadState(state *checkpoints.ComponentState) error {
	if state == nil || state.Type != "GradScaler" {
		return fmt.Errorf("not a gradient scaler state")
	}
	scale, ok := state.Parameters["scale"].(float64)
	if !ok || scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return fmt.Errorf("invalid stored scale %v", state.Parameters["scale"])
	}
	tracker, _ := state.Parameters["growth_tracker"].(float64)

	s.scale = scale
	s.growthTracker = int(tracker)
	return nil
}
