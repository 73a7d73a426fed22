package checkpoints

import (
	"time"
)

// Version of the record layout written by this package
const Version = "1.0.0"

// Framework tag stored in checkpoint metadata
const Framework = "go-nerftrain"

// Format defines the serialization format
type Format int

const (
	FormatJSON Format = iota
	FormatProto
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for checkpoints in this format
func (f Format) Extension() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatProto:
		return "ckpt"
	default:
		return "bin"
	}
}

// ParseFormat maps a format name ("json", "proto") to a Format
func ParseFormat(name string) (Format, bool) {
	switch name {
	case "json", "JSON":
		return FormatJSON, true
	case "proto", "Proto", "ckpt":
		return FormatProto, true
	default:
		return FormatProto, false
	}
}

// TrainerState is the control loop bookkeeping persisted verbatim in every
// checkpoint. Results are normalized so that smaller is always better.
type TrainerState struct {
	Epoch            int       `json:"epoch"`
	GlobalStep       int       `json:"global_step"`
	LossHistory      []float64 `json:"loss"`
	ValidLossHistory []float64 `json:"valid_loss"`
	ResultHistory    []float64 `json:"results"`
	CheckpointPaths  []string  `json:"checkpoints"`
	BestResult       *float64  `json:"best_result"`
}

// NewTrainerState returns the state of a run that has not trained yet
func NewTrainerState() TrainerState {
	return TrainerState{Epoch: 1}
}

// LastResult returns the most recent evaluation result
func (s *TrainerState) LastResult() (float64, bool) {
	if len(s.ResultHistory) == 0 {
		return 0, false
	}
	return s.ResultHistory[len(s.ResultHistory)-1], true
}

// Clone returns a deep copy
func (s TrainerState) Clone() TrainerState {
	out := s
	out.LossHistory = append([]float64(nil), s.LossHistory...)
	out.ValidLossHistory = append([]float64(nil), s.ValidLossHistory...)
	out.ResultHistory = append([]float64(nil), s.ResultHistory...)
	out.CheckpointPaths = append([]string(nil), s.CheckpointPaths...)
	if s.BestResult != nil {
		best := *s.BestResult
		out.BestResult = &best
	}
	return out
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// StateTensor represents auxiliary state tensors (momentum, variance, shadow
// weights, etc.)
type StateTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "m", "v", "momentum", "shadow", etc.
}

// ComponentState captures the serializable state of an optimizer, learning
// rate schedule, gradient scaler or EMA shadow. Parameters hold scalar
// hyper-parameters and counters only.
type ComponentState struct {
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []StateTensor          `json:"state_data,omitempty"`
}

// AuxCounters are acceleration-structure statistics stored alongside the
// model when the model maintains one
type AuxCounters struct {
	MeanCount   float64 `json:"mean_count"`
	MeanDensity float64 `json:"mean_density"`
}

// Metadata contains checkpoint metadata
type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Record is one checkpoint file. A full record carries optimizer, schedule,
// scaler and EMA state and is enough to resume training; a model-only record
// carries parameters for inference.
type Record struct {
	Epoch      int             `json:"epoch"`
	GlobalStep int             `json:"global_step"`
	State      TrainerState    `json:"stats"`
	Model      []WeightTensor  `json:"model"`
	Optimizer  *ComponentState `json:"optimizer,omitempty"`
	Scheduler  *ComponentState `json:"lr_scheduler,omitempty"`
	Scaler     *ComponentState `json:"scaler,omitempty"`
	EMA        *ComponentState `json:"ema,omitempty"`
	Aux        *AuxCounters    `json:"aux,omitempty"`
	Metadata   Metadata        `json:"metadata"`

	// Bare is set by the decoder when the file held only a parameter set
	Bare bool `json:"-"`
}

// Full reports whether the record carries resumable optimizer state
func (r *Record) Full() bool {
	return r.Optimizer != nil
}

func (r *Record) stampMetadata() {
	if r.Metadata.Framework == "" {
		r.Metadata.Framework = Framework
		r.Metadata.Version = Version
	}
	if r.Metadata.CreatedAt.IsZero() {
		r.Metadata.CreatedAt = time.Now()
	}
}
