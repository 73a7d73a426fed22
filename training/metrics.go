package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-nerftrain/tensor"
)

// MetricSample is what a metric sees for one evaluated batch
type MetricSample struct {
	Pred  tensor.Tensor // [B, N, 3]
	Truth tensor.Tensor // [B, N, 3]

	// Ray distances, present only when both the model and the supply
	// provide them
	PredLengths *tensor.Tensor
	GTLengths   *tensor.Tensor
	GTWeights   *tensor.Tensor
}

// Metric accumulates a quality measure over an evaluation pass
type Metric interface {
	Name() string
	Clear()
	Update(sample MetricSample) error
	Measure() float64
	Report() string
}

// PSNRMeter averages per-batch peak signal to noise ratio for values in
// [0, 1]. Larger is better.
type PSNRMeter struct {
	sum   float64
	count int
}

// NewPSNRMeter creates an empty PSNR meter
func NewPSNRMeter() *PSNRMeter {
	return &PSNRMeter{}
}

func (m *PSNRMeter) Name() string { return "psnr" }

func (m *PSNRMeter) Clear() {
	m.sum = 0
	m.count = 0
}

func (m *PSNRMeter) Update(sample MetricSample) error {
	if len(sample.Pred.Data) != len(sample.Truth.Data) {
		return fmt.Errorf("psnr: %d predicted values for %d ground truth values", len(sample.Pred.Data), len(sample.Truth.Data))
	}
	if len(sample.Pred.Data) == 0 {
		return nil
	}

	diff := make([]float64, len(sample.Pred.Data))
	for i := range diff {
		diff[i] = float64(sample.Pred.Data[i]) - float64(sample.Truth.Data[i])
	}
	mse := floats.Dot(diff, diff) / float64(len(diff))
	m.sum += -10 * math.Log10(mse)
	m.count++
	return nil
}

// Measure returns the mean PSNR, or 0 before any update
func (m *PSNRMeter) Measure() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

func (m *PSNRMeter) Report() string {
	return fmt.Sprintf("PSNR = %.6f", m.Measure())
}

// DistanceMeter is the mean absolute percentage error of predicted ray
// lengths over rays with a non-zero ground truth weight. Smaller is better.
type DistanceMeter struct {
	sum   float64
	count int
}

// NewDistanceMeter creates an empty ray distance meter
func NewDistanceMeter() *DistanceMeter {
	return &DistanceMeter{}
}

func (m *DistanceMeter) Name() string { return "distance_percentage_error" }

func (m *DistanceMeter) Clear() {
	m.sum = 0
	m.count = 0
}

// Update ignores samples that carry no ray distances
func (m *DistanceMeter) Update(sample MetricSample) error {
	if sample.PredLengths == nil || sample.GTLengths == nil || sample.GTWeights == nil {
		return nil
	}
	pred, gt, w := sample.PredLengths.Data, sample.GTLengths.Data, sample.GTWeights.Data
	if len(pred) != len(gt) || len(gt) != len(w) {
		return fmt.Errorf("distance: length mismatch pred=%d gt=%d weights=%d", len(pred), len(gt), len(w))
	}
	for i := range gt {
		if w[i] == 0 || gt[i] == 0 {
			continue
		}
		m.sum += math.Abs(float64(pred[i])-float64(gt[i])) / float64(gt[i])
		m.count++
	}
	return nil
}

// Measure returns the mean percentage error, or 0 before any valid ray
func (m *DistanceMeter) Measure() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

func (m *DistanceMeter) Report() string {
	return fmt.Sprintf("Distance Loss = %.6f", m.Measure())
}
