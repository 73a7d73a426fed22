package training

import (
	"github.com/tsawler/go-nerftrain/errormap"
	"github.com/tsawler/go-nerftrain/tensor"
)

// Batch is one unit of work from a data supply
type Batch struct {
	RaysO  tensor.Tensor  // [B, N, 3]
	RaysD  tensor.Tensor  // [B, N, 3]
	Images *tensor.Tensor // [B, N, 3|4] ground truth, nil when absent
	H, W   int

	// Sampling feedback for the error map; empty when the supply does not
	// sample through one
	Index      []int   // view per batch entry
	Inds       [][]int // flat pixel index per ray
	IndsCoarse [][]int // coarse error map cell per ray

	// Ground-truth ray lengths and validity weights for the distance metric
	RayLengths *tensor.Tensor
	RayWeights *tensor.Tensor
}

// Cameras are the training views, used to mark which regions of the scene
// any camera can see
type Cameras struct {
	Poses      [][16]float32 // camera-to-world, row-major
	Intrinsics [4]float32    // fx, fy, cx, cy
}

// Supply yields batches. Next returns false once a pass is exhausted; Reset
// starts a new pass.
type Supply interface {
	Len() int
	BatchSize() int
	Next() (*Batch, bool)
	Reset()
}

// Collator builds a batch from explicit view indices; -1 is the newest view
type Collator interface {
	Collate(indices []int) (*Batch, error)
}

// ErrorMapSource exposes the error map a supply samples through
type ErrorMapSource interface {
	ErrorMap() *errormap.Map
}

// CameraSource exposes the supply's camera set
type CameraSource interface {
	Cameras() Cameras
}

// EpochSetter reshuffles a distributed supply for a new epoch
type EpochSetter interface {
	SetEpoch(epoch int)
}
