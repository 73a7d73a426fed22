package optimizer

import (
	"math"
	"sync"

	"github.com/tsawler/go-nerftrain/checkpoints"
	"github.com/tsawler/go-nerftrain/tensor"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements the Adam optimizer with L2 weight decay folded into the
// gradient
type Adam struct {
	config     AdamConfig
	parameters []*tensor.Parameter
	stepCount  uint64
	m          map[string][]float32 // First moment estimates
	v          map[string][]float32 // Second moment estimates
	mutex      sync.RWMutex
}

// NewAdam creates a new Adam optimizer. Zero-valued config fields fall back
// to DefaultAdamConfig.
func NewAdam(params []*tensor.Parameter, config AdamConfig) *Adam {
	def := DefaultAdamConfig()
	if config.LearningRate <= 0 {
		config.LearningRate = def.LearningRate
	}
	if config.Beta1 <= 0 || config.Beta1 >= 1 {
		config.Beta1 = def.Beta1
	}
	if config.Beta2 <= 0 || config.Beta2 >= 1 {
		config.Beta2 = def.Beta2
	}
	if config.Epsilon <= 0 {
		config.Epsilon = def.Epsilon
	}

	adam := &Adam{
		config:     config,
		parameters: tensor.Trainable(params),
		m:          make(map[string][]float32),
		v:          make(map[string][]float32),
	}
	for _, p := range adam.parameters {
		adam.m[p.Name] = make([]float32, len(p.Data))
		adam.v[p.Name] = make([]float32, len(p.Data))
	}
	return adam
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.stepCount++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.config.Beta1, float64(adam.stepCount))
	bias2 := 1.0 - math.Pow(adam.config.Beta2, float64(adam.stepCount))
	b1 := adam.config.Beta1
	b2 := adam.config.Beta2

	for _, p := range adam.parameters {
		if len(p.Grad) != len(p.Data) {
			continue
		}
		m := adam.m[p.Name]
		v := adam.v[p.Name]
		if len(m) != len(p.Data) {
			m = make([]float32, len(p.Data))
			v = make([]float32, len(p.Data))
			adam.m[p.Name] = m
			adam.v[p.Name] = v
		}

		for i, g32 := range p.Grad {
			g := float64(g32)
			if adam.config.WeightDecay > 0 {
				g += adam.config.WeightDecay * float64(p.Data[i])
			}
			mi := b1*float64(m[i]) + (1-b1)*g
			vi := b2*float64(v[i]) + (1-b2)*g*g
			m[i] = float32(mi)
			v[i] = float32(vi)

			mHat := mi / bias1
			vHat := vi / bias2
			p.Data[i] -= float32(adam.config.LearningRate * mHat / (math.Sqrt(vHat) + adam.config.Epsilon))
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	for _, p := range adam.parameters {
		p.ZeroGrad()
	}
}

// Parameters returns the optimized parameters
func (adam *Adam) Parameters() []*tensor.Parameter {
	return adam.parameters
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.config.LearningRate
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.config.LearningRate = lr
}

// GetStepCount returns the current optimization step number
func (adam *Adam) GetStepCount() uint64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.stepCount
}

// Name returns the optimizer type
func (adam *Adam) Name() string {
	return "Adam"
}

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*checkpoints.ComponentState, error) {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()

	state := &checkpoints.ComponentState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.config.LearningRate,
			"beta1":         adam.config.Beta1,
			"beta2":         adam.config.Beta2,
			"epsilon":       adam.config.Epsilon,
			"weight_decay":  adam.config.WeightDecay,
			"step_count":    float64(adam.stepCount),
		},
	}
	for _, p := range adam.parameters {
		state.StateData = append(state.StateData,
			extractBufferState(adam.m[p.Name], p.Shape, p.Name, "m"),
			extractBufferState(adam.v[p.Name], p.Shape, p.Name, "v"),
		)
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint. Nothing is modified
// unless the whole state validates.
func (adam *Adam) LoadState(state *checkpoints.ComponentState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	m, err := restoreBufferStates(state, "m", adam.parameters)
	if err != nil {
		return err
	}
	v, err := restoreBufferStates(state, "v", adam.parameters)
	if err != nil {
		return err
	}

	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.config.LearningRate = extractFloat64Param(state.Parameters, "learning_rate", adam.config.LearningRate)
	adam.config.Beta1 = extractFloat64Param(state.Parameters, "beta1", adam.config.Beta1)
	adam.config.Beta2 = extractFloat64Param(state.Parameters, "beta2", adam.config.Beta2)
	adam.config.Epsilon = extractFloat64Param(state.Parameters, "epsilon", adam.config.Epsilon)
	adam.config.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", adam.config.WeightDecay)
	adam.stepCount = extractUint64Param(state.Parameters, "step_count", 0)

	for name, buf := range m {
		adam.m[name] = buf
	}
	for name, buf := range v {
		adam.v[name] = buf
	}
	return nil
}
