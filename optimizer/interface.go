package optimizer

import (
	"fmt"

	"github.com/tsawler/go-nerftrain/checkpoints"
	"github.com/tsawler/go-nerftrain/tensor"
)

// Optimizer defines the common interface for all optimizers.
// GetState/LoadState give the checkpoint layer a serializable view of the
// per-parameter buffers, keyed by parameter name so that state survives a
// model whose parameter set changed between versions.
type Optimizer interface {
	// Step applies one update using the gradients currently held by the
	// parameters
	Step() error

	// ZeroGrad clears every parameter gradient
	ZeroGrad()

	// Parameters returns the parameters being optimized
	Parameters() []*tensor.Parameter

	GetLR() float64
	SetLR(lr float64)

	// GetStepCount returns the number of applied updates
	GetStepCount() uint64

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.ComponentState, error)

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *checkpoints.ComponentState) error

	Name() string
}

// Config selects and parameterizes an optimizer
type Config struct {
	Type        string  `json:"type"` // "adam" or "sgd"
	LR          float64 `json:"lr"`
	Beta1       float64 `json:"beta1"`
	Beta2       float64 `json:"beta2"`
	Epsilon     float64 `json:"epsilon"`
	Momentum    float64 `json:"momentum"`
	WeightDecay float64 `json:"weight_decay"`
}

// DefaultConfig mirrors the fallback optimizer used when none is supplied:
// Adam with lr 1e-3 and weight decay 5e-4
func DefaultConfig() Config {
	return Config{
		Type:        "adam",
		LR:          0.001,
		Beta1:       0.9,
		Beta2:       0.999,
		Epsilon:     1e-8,
		WeightDecay: 5e-4,
	}
}

// New builds an optimizer from a config
func New(params []*tensor.Parameter, config Config) (Optimizer, error) {
	switch config.Type {
	case "", "adam", "Adam":
		return NewAdam(params, AdamConfig{
			LearningRate: config.LR,
			Beta1:        config.Beta1,
			Beta2:        config.Beta2,
			Epsilon:      config.Epsilon,
			WeightDecay:  config.WeightDecay,
		}), nil
	case "sgd", "SGD":
		return NewSGD(params, SGDConfig{
			LearningRate: config.LR,
			Momentum:     config.Momentum,
			WeightDecay:  config.WeightDecay,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported optimizer type: %s", config.Type)
	}
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.ComponentState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
