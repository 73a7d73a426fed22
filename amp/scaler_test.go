package amp

import (
	"math"
	"testing"

	"github.com/tsawler/go-nerftrain/tensor"
)

func TestUnscaleDividesGradients(t *testing.T) {
	s := NewGradScaler(Config{Enabled: true, InitScale: 4})
	p := &tensor.Parameter{Name: "w", Data: []float32{0, 0}, Grad: []float32{8, -2}}

	if s.Unscale([]*tensor.Parameter{p}) {
		t.Fatal("finite gradients reported as overflow")
	}
	if p.Grad[0] != 2 || p.Grad[1] != -0.5 {
		t.Errorf("grads = %v, expected [2 -0.5]", p.Grad)
	}
}

func TestOverflowDetection(t *testing.T) {
	tests := []struct {
		name string
		grad float32
		want bool
	}{
		{"finite", 1.5, false},
		{"inf", float32(math.Inf(1)), true},
		{"nan", float32(math.NaN()), true},
		{"beyond half range", 70000, true},
		{"at half range", MaxHalf, false},
	}
	for _, tt := range tests {
		s := NewGradScaler(DefaultConfig())
		p := &tensor.Parameter{Name: "w", Data: []float32{0}, Grad: []float32{tt.grad}}
		if got := s.Unscale([]*tensor.Parameter{p}); got != tt.want {
			t.Errorf("%s: foundInf = %v, expected %v", tt.name, got, tt.want)
		}
	}
}

func TestBackoffOnOverflow(t *testing.T) {
	s := NewGradScaler(Config{Enabled: true, InitScale: 1024, GrowthInterval: 3})
	s.Update(false)
	s.Update(true)

	if s.Scale() != 512 {
		t.Errorf("scale = %f, expected 512", s.Scale())
	}
	if s.SkippedSteps() != 1 {
		t.Errorf("skipped = %d, expected 1", s.SkippedSteps())
	}

	// The clean run restarts after an overflow
	s.Update(false)
	s.Update(false)
	if s.Scale() != 512 {
		t.Errorf("scale grew before a full clean interval: %f", s.Scale())
	}
	s.Update(false)
	if s.Scale() != 1024 {
		t.Errorf("scale = %f, expected growth to 1024", s.Scale())
	}
}

func TestCleanRunNeverShrinksScale(t *testing.T) {
	s := NewGradScaler(Config{Enabled: true, InitScale: 8, GrowthInterval: 5})
	prev := s.Scale()
	for i := 0; i < 50; i++ {
		s.Update(false)
		if s.Scale() < prev {
			t.Fatalf("scale decreased at step %d: %f -> %f", i, prev, s.Scale())
		}
		prev = s.Scale()
	}
	if s.Scale() != 8*math.Pow(2, 10) {
		t.Errorf("scale = %f after 50 clean steps", s.Scale())
	}
}

func TestDisabledScalerIsPassThrough(t *testing.T) {
	s := Disabled()
	p := &tensor.Parameter{Name: "w", Data: []float32{0}, Grad: []float32{float32(math.Inf(1))}}

	if s.Scale() != 1 {
		t.Errorf("disabled scale = %f, expected 1", s.Scale())
	}
	if s.Unscale([]*tensor.Parameter{p}) {
		t.Error("disabled scaler must not report overflow")
	}
	s.Update(true)
	if s.Scale() != 1 || s.SkippedSteps() != 0 {
		t.Error("disabled scaler changed state on Update")
	}
}

func TestScalerStateRoundTrip(t *testing.T) {
	s := NewGradScaler(Config{Enabled: true, InitScale: 256, GrowthInterval: 10})
	s.Update(true)
	s.Update(false)
	s.Update(false)

	restored := NewGradScaler(DefaultConfig())
	if err := restored.LoadState(s.State()); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.Scale() != 128 {
		t.Errorf("scale = %f, expected 128", restored.Scale())
	}
	if restored.growthTracker != 2 {
		t.Errorf("growth tracker = %d, expected 2", restored.growthTracker)
	}

	if err := restored.LoadState(nil); err == nil {
		t.Error("expected error for nil state")
	}
}
