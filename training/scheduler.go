package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-nerftrain/checkpoints"
)

// Schedule drives the learning rate. Advance is called once per applied
// step or once per epoch; signal carries the epoch mean loss when ok is
// true. Fixed schedules ignore the signal.
type Schedule interface {
	Advance(signal float64, ok bool) float64
	LR() float64
	WantsSignal() bool
	Name() string
	State() *checkpoints.ComponentState
	LoadState(state *checkpoints.ComponentState) error
}

// Rule maps an advance count to a learning rate. Rules are pure.
type Rule interface {
	LR(count int, baseLR float64) float64
	Name() string
}

// ConstantRule keeps the base learning rate
type ConstantRule struct{}

func (ConstantRule) LR(count int, baseLR float64) float64 { return baseLR }
func (ConstantRule) Name() string                         { return "ConstantLR" }

// StepDecayRule reduces the learning rate by Gamma every StepSize advances
type StepDecayRule struct {
	StepSize int     // Advances between reductions
	Gamma    float64 // Multiplicative factor of decay
}

// NewStepDecayRule creates a step decay rule
func NewStepDecayRule(stepSize int, gamma float64) StepDecayRule {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return StepDecayRule{StepSize: stepSize, Gamma: gamma}
}

func (r StepDecayRule) LR(count int, baseLR float64) float64 {
	times := count / r.StepSize
	return baseLR * math.Pow(r.Gamma, float64(times))
}

func (r StepDecayRule) Name() string { return "StepLR" }

// ExponentialRule decays the learning rate by Gamma every advance
type ExponentialRule struct {
	Gamma float64
}

// NewExponentialRule creates an exponential decay rule
func NewExponentialRule(gamma float64) ExponentialRule {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return ExponentialRule{Gamma: gamma}
}

func (r ExponentialRule) LR(count int, baseLR float64) float64 {
	return baseLR * math.Pow(r.Gamma, float64(count))
}

func (r ExponentialRule) Name() string { return "ExponentialLR" }

// CosineRule anneals from the base rate to EtaMin over TMax advances
type CosineRule struct {
	TMax   int
	EtaMin float64
}

// NewCosineRule creates a cosine annealing rule
func NewCosineRule(tMax int, etaMin float64) CosineRule {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return CosineRule{TMax: tMax, EtaMin: etaMin}
}

func (r CosineRule) LR(count int, baseLR float64) float64 {
	if count >= r.TMax {
		return r.EtaMin
	}
	return r.EtaMin + (baseLR-r.EtaMin)*(1+math.Cos(math.Pi*float64(count)/float64(r.TMax)))/2
}

func (r CosineRule) Name() string { return "CosineAnnealingLR" }

// LambdaRule multiplies the base rate by Factor(count). The typical NeRF
// schedule is 0.1^min(count/iters, 1).
type LambdaRule struct {
	Factor func(count int) float64
}

func (r LambdaRule) LR(count int, baseLR float64) float64 {
	if r.Factor == nil {
		return baseLR
	}
	return baseLR * r.Factor(count)
}

func (r LambdaRule) Name() string { return "LambdaLR" }

// FixedSchedule follows a Rule and ignores any improvement signal
type FixedSchedule struct {
	Rule   Rule
	baseLR float64
	count  int
	lr     float64
}

// NewFixedSchedule creates a schedule starting at baseLR
func NewFixedSchedule(rule Rule, baseLR float64) *FixedSchedule {
	if rule == nil {
		rule = ConstantRule{}
	}
	return &FixedSchedule{Rule: rule, baseLR: baseLR, lr: rule.LR(0, baseLR)}
}

func (s *FixedSchedule) Advance(_ float64, _ bool) float64 {
	s.count++
	s.lr = s.Rule.LR(s.count, s.baseLR)
	return s.lr
}

func (s *FixedSchedule) LR() float64       { return s.lr }
func (s *FixedSchedule) WantsSignal() bool { return false }
func (s *FixedSchedule) Name() string      { return s.Rule.Name() }

// Count returns how many times the schedule has advanced
func (s *FixedSchedule) Count() int { return s.count }

func (s *FixedSchedule) State() *checkpoints.ComponentState {
	return &checkpoints.ComponentState{
		Type: "FixedSchedule",
		Parameters: map[string]interface{}{
			"rule":    s.Rule.Name(),
			"base_lr": s.baseLR,
			"count":   float64(s.count),
		},
	}
}

func (s *FixedSchedule) LoadState(state *checkpoints.ComponentState) error {
	if state == nil || state.Type != "FixedSchedule" {
		return fmt.Errorf("not a fixed schedule state")
	}
	if rule, _ := state.Parameters["rule"].(string); rule != s.Rule.Name() {
		return fmt.Errorf("schedule rule mismatch: stored %q, running %q", rule, s.Rule.Name())
	}
	count, ok := state.Parameters["count"].(float64)
	if !ok || count < 0 {
		return fmt.Errorf("invalid schedule count %v", state.Parameters["count"])
	}
	if base, ok := state.Parameters["base_lr"].(float64); ok && base > 0 {
		s.baseLR = base
	}
	s.count = int(count)
	s.lr = s.Rule.LR(s.count, s.baseLR)
	return nil
}

// PlateauSchedule multiplies the rate by Factor once the signal has failed
// to improve by more than Threshold for Patience consecutive advances.
// Smaller signals are better.
type PlateauSchedule struct {
	Factor    float64
	Patience  int
	Threshold float64
	MinLR     float64

	lr        float64
	best      float64
	badEpochs int
}

// NewPlateauSchedule creates a plateau schedule starting at baseLR
func NewPlateauSchedule(baseLR, factor float64, patience int, threshold float64) *PlateauSchedule {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	return &PlateauSchedule{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		lr:        baseLR,
		best:      math.Inf(1),
	}
}

func (s *PlateauSchedule) Advance(signal float64, ok bool) float64 {
	if !ok || math.IsNaN(signal) {
		return s.lr
	}
	if signal < s.best-s.Threshold {
		s.best = signal
		s.badEpochs = 0
		return s.lr
	}
	s.badEpochs++
	if s.badEpochs >= s.Patience {
		s.lr = math.Max(s.lr*s.Factor, s.MinLR)
		s.badEpochs = 0
	}
	return s.lr
}

func (s *PlateauSchedule) LR() float64       { return s.lr }
func (s *PlateauSchedule) WantsSignal() bool { return true }
func (s *PlateauSchedule) Name() string      { return "ReduceLROnPlateau" }

func (s *PlateauSchedule) State() *checkpoints.ComponentState {
	params := map[string]interface{}{
		"lr":         s.lr,
		"bad_epochs": float64(s.badEpochs),
		"factor":     s.Factor,
		"patience":   float64(s.Patience),
		"threshold":  s.Threshold,
	}
	// JSON has no infinity; an absent best means nothing was observed yet
	if !math.IsInf(s.best, 0) {
		params["best"] = s.best
	}
	return &checkpoints.ComponentState{Type: "PlateauSchedule", Parameters: params}
}

func (s *PlateauSchedule) LoadState(state *checkpoints.ComponentState) error {
	if state == nil || state.Type != "PlateauSchedule" {
		return fmt.Errorf("not a plateau schedule state")
	}
	lr, ok := state.Parameters["lr"].(float64)
	if !ok || lr <= 0 {
		return fmt.Errorf("invalid stored learning rate %v", state.Parameters["lr"])
	}
	best, ok := state.Parameters["best"].(float64)
	if !ok {
		best = math.Inf(1)
	}
	bad, _ := state.Parameters["bad_epochs"].(float64)

	s.lr = lr
	s.best = best
	s.badEpochs = int(bad)
	return nil
}
