// Package testbed provides a small differentiable radiance field and a
// posed-view data supply. They exercise every trainer path without a GPU
// and are what the CLI trains on.
package testbed

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/tsawler/go-nerftrain/checkpoints"
	"github.com/tsawler/go-nerftrain/tensor"
	"github.com/tsawler/go-nerftrain/training"
)

// FieldModel maps a ray direction to a colour through one sigmoid layer:
// rgb = sigmoid(W·[dx, dy, dz, 1] + residual). It keeps an occupancy-style
// counter set so the acceleration paths of the trainer run too.
type FieldModel struct {
	weight   *tensor.Parameter // [3, 4]
	residual *tensor.Parameter // [n], optional
	params   []*tensor.Parameter

	accelerate bool
	aux        checkpoints.AuxCounters
	visible    int

	renders   int
	refreshes int

	// saved by Render for Backward
	inputs []float32 // [rays, 4]
	out    []float32 // [rays, 3]
}

// FieldOptions configures a FieldModel
type FieldOptions struct {
	Seed       uint64
	Residual   int  // size of the "residual.scale" parameter; 0 omits it
	Accelerate bool // report an acceleration structure to the trainer
}

// NewFieldModel creates a field with small random weights
func NewFieldModel(opts FieldOptions) *FieldModel {
	rng := rand.New(rand.NewPCG(opts.Seed, 0x6e657266))
	m := &FieldModel{accelerate: opts.Accelerate}

	m.weight = tensor.NewParameter("field.weight", 3, 4)
	for i := range m.weight.Data {
		m.weight.Data[i] = float32(rng.NormFloat64() * 0.1)
	}
	m.params = []*tensor.Parameter{m.weight}

	if opts.Residual > 0 {
		m.residual = tensor.NewParameter("residual.scale", opts.Residual)
		m.params = append(m.params, m.residual)
	}
	return m
}

// Parameters returns the trainable parameters
func (m *FieldModel) Parameters() []*tensor.Parameter {
	return m.params
}

// Renders returns how many times Render has run
func (m *FieldModel) Renders() int { return m.renders }

// Refreshes returns how many times the acceleration structure was refreshed
func (m *FieldModel) Refreshes() int { return m.refreshes }

// VisibleCameras returns how many cameras were last marked
func (m *FieldModel) VisibleCameras() int { return m.visible }

// Render colours every ray. Background is ignored; the field is opaque.
func (m *FieldModel) Render(req training.RenderRequest) (*training.Prediction, error) {
	if len(req.RaysD.Shape) < 2 || req.RaysD.Shape[len(req.RaysD.Shape)-1] != 3 {
		return nil, fmt.Errorf("ray directions must be [..., 3], got %v", req.RaysD.Shape)
	}
	if len(req.RaysO.Data) != len(req.RaysD.Data) {
		return nil, fmt.Errorf("ray origins %v do not match directions %v", req.RaysO.Shape, req.RaysD.Shape)
	}
	m.renders++

	rays := len(req.RaysD.Data) / 3
	bias := float32(0)
	if m.residual != nil {
		bias = m.residual.Data[0]
	}

	m.inputs = make([]float32, rays*4)
	m.out = make([]float32, rays*3)
	depth := make([]float32, rays)
	for r := 0; r < rays; r++ {
		x := m.inputs[r*4 : r*4+4]
		copy(x, req.RaysD.Data[r*3:r*3+3])
		x[3] = 1
		for c := 0; c < 3; c++ {
			w := m.weight.Data[c*4 : c*4+4]
			z := w[0]*x[0] + w[1]*x[1] + w[2]*x[2] + w[3]*x[3] + bias
			m.out[r*3+c] = sigmoid(z)
		}
		o := req.RaysO.Data[r*3 : r*3+3]
		depth[r] = float32(math.Sqrt(float64(o[0]*o[0] + o[1]*o[1] + o[2]*o[2])))
	}

	lead := req.RaysD.Shape[:len(req.RaysD.Shape)-1]
	image, err := tensor.FromData(append([]float32(nil), m.out...), append(append([]int(nil), lead...), 3)...)
	if err != nil {
		return nil, err
	}
	depthT, err := tensor.FromData(depth, lead...)
	if err != nil {
		return nil, err
	}
	lengths := depthT.Clone()
	return &training.Prediction{Image: image, Depth: depthT, RayLengths: &lengths}, nil
}

// Backward accumulates parameter gradients for the last Render
func (m *FieldModel) Backward(gradImage tensor.Tensor) error {
	if len(gradImage.Data) != len(m.out) {
		return fmt.Errorf("gradient has %d values, last render produced %d", len(gradImage.Data), len(m.out))
	}
	if len(m.weight.Grad) != len(m.weight.Data) {
		m.weight.ZeroGrad()
	}
	if m.residual != nil && len(m.residual.Grad) != len(m.residual.Data) {
		m.residual.ZeroGrad()
	}

	rays := len(m.out) / 3
	for r := 0; r < rays; r++ {
		x := m.inputs[r*4 : r*4+4]
		for c := 0; c < 3; c++ {
			s := m.out[r*3+c]
			dz := gradImage.Data[r*3+c] * s * (1 - s)
			for k := 0; k < 4; k++ {
				m.weight.Grad[c*4+k] += dz * x[k]
			}
			if m.residual != nil {
				m.residual.Grad[0] += dz
			}
		}
	}
	return nil
}

// UsesAccelerationStructure reports whether the trainer should refresh and
// checkpoint the occupancy counters
func (m *FieldModel) UsesAccelerationStructure() bool { return m.accelerate }

// RefreshAccelerationStructure recomputes the occupancy counters
func (m *FieldModel) RefreshAccelerationStructure() error {
	m.refreshes++
	var sum float64
	for _, v := range m.weight.Data {
		sum += math.Abs(float64(v))
	}
	m.aux.MeanDensity = sum / float64(len(m.weight.Data))
	m.aux.MeanCount = float64(m.refreshes)
	return nil
}

// MarkRegionVisibility records how many training cameras see the scene
func (m *FieldModel) MarkRegionVisibility(cams training.Cameras) error {
	if len(cams.Poses) == 0 {
		return fmt.Errorf("no cameras to mark")
	}
	m.visible = len(cams.Poses)
	return nil
}

// AuxCounters returns the occupancy counters
func (m *FieldModel) AuxCounters() checkpoints.AuxCounters { return m.aux }

// SetAuxCounters restores the occupancy counters
func (m *FieldModel) SetAuxCounters(aux checkpoints.AuxCounters) { m.aux = aux }

// Density evaluates sigma = softplus(W[0]·[p, 1]) at every point of a
// [M, 3] tensor
func (m *FieldModel) Density(points tensor.Tensor) (tensor.Tensor, error) {
	if len(points.Data)%3 != 0 {
		return tensor.Tensor{}, fmt.Errorf("points must be [M, 3], got %v", points.Shape)
	}
	n := len(points.Data) / 3
	out := make([]float32, n)
	w := m.weight.Data[0:4]
	for i := 0; i < n; i++ {
		p := points.Data[i*3 : i*3+3]
		z := float64(w[0]*p[0] + w[1]*p[1] + w[2]*p[2] + w[3])
		out[i] = float32(math.Log1p(math.Exp(z)))
	}
	return tensor.FromData(out, n)
}

func sigmoid(z float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(z))))
}
