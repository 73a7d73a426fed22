package training

import (
	"github.com/tsawler/go-nerftrain/checkpoints"
	"github.com/tsawler/go-nerftrain/tensor"
)

// RenderRequest is one call into the scene model
type RenderRequest struct {
	RaysO      tensor.Tensor // [B, N, 3]
	RaysD      tensor.Tensor // [B, N, 3]
	Background tensor.Tensor // [B, N, 3]; empty means the model's own background
	Perturb    bool          // Jitter sample positions along each ray
	ForceAll   bool          // Render every ray even when the model could skip some
	H, W       int
}

// Prediction is what the model renders for a batch
type Prediction struct {
	Image      tensor.Tensor  // [B, N, 3]
	Depth      tensor.Tensor  // [B, N]; may be empty
	RayLengths *tensor.Tensor // [B, N] distance along each ray, when the model reports it
}

// Model is the scene representation being optimised. Render must remember
// whatever Backward needs; Backward accumulates into Parameters().Grad the
// gradient of the loss with respect to the last rendered image.
type Model interface {
	Parameters() []*tensor.Parameter
	Render(req RenderRequest) (*Prediction, error)
	Backward(gradImage tensor.Tensor) error
}

// AccelerationModel is implemented by models that keep an occupancy
// structure next to their parameters
type AccelerationModel interface {
	UsesAccelerationStructure() bool
	RefreshAccelerationStructure() error
	MarkRegionVisibility(cams Cameras) error
	AuxCounters() checkpoints.AuxCounters
	SetAuxCounters(aux checkpoints.AuxCounters)
}

// DensityModel is implemented by models that can be queried for density
// at arbitrary points, which is what mesh extraction needs
type DensityModel interface {
	Density(points tensor.Tensor) (tensor.Tensor, error)
}

// RayCaster turns a camera into rays. Used for interactive frames, where no
// data supply is involved.
type RayCaster interface {
	Rays(pose [16]float32, intrinsics [4]float32, h, w int) (raysO, raysD tensor.Tensor, err error)
}

// Frame is a rendered image handed to a FrameSink
type Frame struct {
	H, W  int
	RGB   []float32 // H*W*3, row-major
	Depth []float32 // H*W, may be nil
}

// FrameSink stores rendered frames. Only the coordinating worker calls it.
type FrameSink interface {
	WriteFrame(dir, name string, frame *Frame) error
}

// MeshWriter extracts an isosurface from a density function and writes it
type MeshWriter interface {
	WriteMesh(path string, resolution int, threshold float64, density func(points tensor.Tensor) (tensor.Tensor, error)) error
}

func accelerated(m Model) (AccelerationModel, bool) {
	acc, ok := m.(AccelerationModel)
	if !ok || !acc.UsesAccelerationStructure() {
		return nil, false
	}
	return acc, true
}
