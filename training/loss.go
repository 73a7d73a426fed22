package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-nerftrain/tensor"
)

// Criterion scores a rendered image against ground truth. Evaluate returns
// the per-ray loss averaged over the channel dimension (shape [B, N] for an
// image of [B, N, C]) and the gradient of the mean of that per-ray loss with
// respect to pred.
type Criterion interface {
	Name() string
	Evaluate(pred, truth tensor.Tensor) (perRay tensor.Tensor, grad tensor.Tensor, err error)
}

// MSECriterion is the squared error loss
type MSECriterion struct{}

func (MSECriterion) Name() string { return "MSELoss" }

func (MSECriterion) Evaluate(pred, truth tensor.Tensor) (tensor.Tensor, tensor.Tensor, error) {
	return elementwise(pred, truth, func(d float64) (float64, float64) {
		return d * d, 2 * d
	})
}

// HuberCriterion is quadratic below Delta and linear above it
type HuberCriterion struct {
	Delta float64
}

func (HuberCriterion) Name() string { return "HuberLoss" }

func (h HuberCriterion) Evaluate(pred, truth tensor.Tensor) (tensor.Tensor, tensor.Tensor, error) {
	delta := h.Delta
	if delta <= 0 {
		delta = 0.1
	}
	return elementwise(pred, truth, func(d float64) (float64, float64) {
		if math.Abs(d) <= delta {
			return 0.5 * d * d, d
		}
		if d < 0 {
			return delta * (-d - 0.5*delta), -delta
		}
		return delta * (d - 0.5*delta), delta
	})
}

// elementwise applies a per-element loss and derivative to pred - truth
func elementwise(pred, truth tensor.Tensor, f func(d float64) (loss, grad float64)) (tensor.Tensor, tensor.Tensor, error) {
	if !tensor.ShapesEqual(pred.Shape, truth.Shape) {
		return tensor.Tensor{}, tensor.Tensor{}, fmt.Errorf("prediction shape %v does not match ground truth %v", pred.Shape, truth.Shape)
	}
	if len(pred.Shape) < 2 {
		return tensor.Tensor{}, tensor.Tensor{}, fmt.Errorf("prediction needs a channel dimension, got shape %v", pred.Shape)
	}

	channels := pred.Shape[len(pred.Shape)-1]
	rays := len(pred.Data) / channels
	perRay, err := tensor.New(pred.Shape[:len(pred.Shape)-1]...)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	grad, err := tensor.New(pred.Shape...)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}

	norm := float64(len(pred.Data))
	for r := 0; r < rays; r++ {
		var sum float64
		for c := 0; c < channels; c++ {
			i := r*channels + c
			l, g := f(float64(pred.Data[i]) - float64(truth.Data[i]))
			sum += l
			grad.Data[i] = float32(g / norm)
		}
		perRay.Data[r] = float32(sum / float64(channels))
	}
	return perRay, grad, nil
}
