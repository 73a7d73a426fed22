package training

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/tsawler/go-nerftrain/checkpoints"
)

func TestStepDecayRule(t *testing.T) {
	rule := NewStepDecayRule(2, 0.1)
	baseLR := 0.1

	tests := []struct {
		count      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.1},
		{2, 0.01},
		{3, 0.01},
		{4, 0.001},
	}

	for _, tt := range tests {
		lr := rule.LR(tt.count, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Count %d: expected LR %f, got %f", tt.count, tt.expectedLR, lr)
		}
	}
}

func TestExponentialAndCosineRules(t *testing.T) {
	tests := []struct {
		name       string
		rule       Rule
		count      int
		expectedLR float64
	}{
		{"exponential start", NewExponentialRule(0.9), 0, 0.1},
		{"exponential 2", NewExponentialRule(0.9), 2, 0.081},
		{"cosine start", NewCosineRule(5, 0.0001), 0, 0.1},
		{"cosine end", NewCosineRule(5, 0.0001), 5, 0.0001},
		{"cosine beyond", NewCosineRule(5, 0.0001), 10, 0.0001},
		{"lambda", LambdaRule{Factor: func(c int) float64 { return math.Pow(0.1, math.Min(float64(c)/10, 1)) }}, 10, 0.01},
		{"lambda nil", LambdaRule{}, 3, 0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if lr := tt.rule.LR(tt.count, 0.1); math.Abs(lr-tt.expectedLR) > 1e-8 {
				t.Errorf("expected LR %f, got %f", tt.expectedLR, lr)
			}
		})
	}
}

func TestFixedScheduleIgnoresSignal(t *testing.T) {
	s := NewFixedSchedule(NewStepDecayRule(2, 0.5), 1.0)
	if s.WantsSignal() {
		t.Error("fixed schedules do not want a signal")
	}
	s.Advance(100, true)
	lr := s.Advance(0.001, true)
	if lr != 0.5 || s.Count() != 2 {
		t.Errorf("expected lr 0.5 after 2 advances, got %f (count %d)", lr, s.Count())
	}
}

func TestFixedScheduleState(t *testing.T) {
	s := NewFixedSchedule(NewExponentialRule(0.5), 1.0)
	for i := 0; i < 3; i++ {
		s.Advance(0, false)
	}

	restored := NewFixedSchedule(NewExponentialRule(0.5), 1.0)
	if err := restored.LoadState(s.State()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.Count() != 3 || restored.LR() != 0.125 {
		t.Errorf("expected count 3 and lr 0.125, got %d and %f", restored.Count(), restored.LR())
	}

	other := NewFixedSchedule(ConstantRule{}, 1.0)
	if err := other.LoadState(s.State()); err == nil {
		t.Error("expected a rule mismatch error")
	}
}

func TestPlateauSchedule(t *testing.T) {
	s := NewPlateauSchedule(1.0, 0.1, 2, 0.01)
	s.MinLR = 0.005

	signals := []struct {
		value float64
		lr    float64
	}{
		{1.0, 1.0},   // first observation is an improvement
		{0.95, 1.0},  // improvement beyond threshold
		{0.945, 1.0}, // within threshold, 1 bad epoch
		{0.96, 0.1},  // 2 bad epochs, reduce
		{0.97, 0.1},
		{0.97, 0.01},
		{0.97, 0.01},
		{0.97, 0.005}, // clamped at MinLR
	}
	for i, sig := range signals {
		if lr := s.Advance(sig.value, true); math.Abs(lr-sig.lr) > 1e-12 {
			t.Errorf("advance %d (%f): expected lr %f, got %f", i, sig.value, sig.lr, lr)
		}
	}

	before := s.LR()
	s.Advance(0, false)
	s.Advance(math.NaN(), true)
	if s.LR() != before {
		t.Error("advances without a usable signal must not change the rate")
	}
}

func TestPlateauStateSurvivesJSON(t *testing.T) {
	fresh := NewPlateauSchedule(0.5, 0.5, 3, 0)
	data, err := json.Marshal(fresh.State())
	if err != nil {
		t.Fatalf("a schedule with no observations must encode: %v", err)
	}
	var state checkpoints.ComponentState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("decode: %v", err)
	}

	restored := NewPlateauSchedule(1, 0.5, 3, 0)
	if err := restored.LoadState(&state); err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.LR() != 0.5 {
		t.Errorf("expected lr 0.5, got %f", restored.LR())
	}
	// best was never observed, so any signal improves
	restored.Advance(1e9, true)
	if restored.badEpochs != 0 {
		t.Errorf("expected the first signal to count as improvement, bad epochs %d", restored.badEpochs)
	}
}
