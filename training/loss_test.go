package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-nerftrain/tensor"
)

func mustTensor(t *testing.T, data []float32, shape ...int) tensor.Tensor {
	t.Helper()
	x, err := tensor.FromData(data, shape...)
	if err != nil {
		t.Fatalf("tensor: %v", err)
	}
	return x
}

func TestCriteria(t *testing.T) {
	pred := []float32{0.5, 0.5, 0.5, 1.0, 0.0, 0.2}
	truth := []float32{0.5, 0.3, 0.1, 0.0, 0.0, 0.2}

	tests := []struct {
		name   string
		crit   Criterion
		perRay []float64
		grad0  []float64
	}{
		{
			name:   "mse",
			crit:   MSECriterion{},
			perRay: []float64{(0 + 0.04 + 0.16) / 3, 1.0 / 3},
			grad0:  []float64{0, 2 * 0.2 / 6, 2 * 0.4 / 6, 2 * 1.0 / 6},
		},
		{
			name:   "huber",
			crit:   HuberCriterion{Delta: 0.25},
			perRay: []float64{(0 + 0.02 + 0.25*(0.4-0.125)) / 3, 0.25 * (1 - 0.125) / 3},
			grad0:  []float64{0, 0.2 / 6, 0.25 / 6, 0.25 / 6},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			perRay, grad, err := tt.crit.Evaluate(mustTensor(t, pred, 1, 2, 3), mustTensor(t, truth, 1, 2, 3))
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if len(perRay.Shape) != 2 || perRay.Shape[1] != 2 {
				t.Fatalf("expected per-ray shape [1 2], got %v", perRay.Shape)
			}
			for i, want := range tt.perRay {
				if math.Abs(float64(perRay.Data[i])-want) > 1e-6 {
					t.Errorf("ray %d: expected loss %f, got %f", i, want, perRay.Data[i])
				}
			}
			for i, want := range tt.grad0 {
				if math.Abs(float64(grad.Data[i])-want) > 1e-6 {
					t.Errorf("grad %d: expected %f, got %f", i, want, grad.Data[i])
				}
			}
		})
	}
}

func TestCriterionShapeMismatch(t *testing.T) {
	a := mustTensor(t, make([]float32, 6), 1, 2, 3)
	b := mustTensor(t, make([]float32, 6), 1, 3, 2)
	if _, _, err := (MSECriterion{}).Evaluate(a, b); err == nil {
		t.Error("expected a shape mismatch error")
	}
}

func TestColourConversionRoundTrip(t *testing.T) {
	values := []float32{0, 0.001, 0.02, 0.2, 0.5, 0.9, 1}
	v := append([]float32(nil), values...)
	SRGBToLinear(v)
	if v[4] >= 0.5 {
		t.Errorf("mid grey should darken in linear space, got %f", v[4])
	}
	LinearToSRGB(v)
	for i, want := range values {
		if math.Abs(float64(v[i]-want)) > 2e-3 {
			t.Errorf("value %d: expected %f after round trip, got %f", i, want, v[i])
		}
	}
}

func TestComposite(t *testing.T) {
	rgba := []float32{1, 0, 0, 1, 0, 1, 0, 0.5, 0, 0, 1, 0}
	bg := []float32{0, 0, 0, 1, 1, 1, 0.2, 0.4, 0.6}

	got := composite(rgba, 4, bg)
	want := []float32{1, 0, 0, 0.5, 1, 0.5, 0.2, 0.4, 0.6}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("channel %d: expected %f, got %f", i, want[i], got[i])
		}
	}

	rgb := []float32{0.1, 0.2, 0.3}
	if out := composite(rgb, 3, nil); out[2] != 0.3 || &out[0] == &rgb[0] {
		t.Error("three channel images should be copied unchanged")
	}
}
