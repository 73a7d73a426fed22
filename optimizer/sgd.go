package optimizer

import (
	"sync"

	"github.com/tsawler/go-nerftrain/checkpoints"
	"github.com/tsawler/go-nerftrain/tensor"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// SGD implements Stochastic Gradient Descent with optional momentum
type SGD struct {
	config     SGDConfig
	parameters []*tensor.Parameter
	stepCount  uint64
	velocities map[string][]float32
	mutex      sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(params []*tensor.Parameter, config SGDConfig) *SGD {
	if config.LearningRate <= 0 {
		config.LearningRate = 0.01
	}
	sgd := &SGD{
		config:     config,
		parameters: tensor.Trainable(params),
		velocities: make(map[string][]float32),
	}
	if config.Momentum > 0 {
		for _, p := range sgd.parameters {
			sgd.velocities[p.Name] = make([]float32, len(p.Data))
		}
	}
	return sgd
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	sgd.stepCount++
	lr := sgd.config.LearningRate
	mu := sgd.config.Momentum

	for _, p := range sgd.parameters {
		if len(p.Grad) != len(p.Data) {
			continue
		}
		var vel []float32
		if mu > 0 {
			vel = sgd.velocities[p.Name]
			if len(vel) != len(p.Data) {
				vel = make([]float32, len(p.Data))
				sgd.velocities[p.Name] = vel
			}
		}

		for i, g32 := range p.Grad {
			g := float64(g32)
			if sgd.config.WeightDecay > 0 {
				g += sgd.config.WeightDecay * float64(p.Data[i])
			}
			if mu > 0 {
				// velocity = momentum * velocity + grad
				vi := mu*float64(vel[i]) + g
				vel[i] = float32(vi)
				if sgd.config.Nesterov {
					g += mu * vi
				} else {
					g = vi
				}
			}
			p.Data[i] -= float32(lr * g)
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	for _, p := range sgd.parameters {
		p.ZeroGrad()
	}
}

// Parameters returns the optimized parameters
func (sgd *SGD) Parameters() []*tensor.Parameter {
	return sgd.parameters
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.config.LearningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.config.LearningRate = lr
}

// GetStepCount returns the current optimization step number
func (sgd *SGD) GetStepCount() uint64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.stepCount
}

// Name returns the optimizer type
func (sgd *SGD) Name() string {
	return "SGD"
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGD) GetState() (*checkpoints.ComponentState, error) {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()

	state := &checkpoints.ComponentState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.config.LearningRate,
			"momentum":      sgd.config.Momentum,
			"weight_decay":  sgd.config.WeightDecay,
			"nesterov":      sgd.config.Nesterov,
			"step_count":    float64(sgd.stepCount),
		},
	}
	for _, p := range sgd.parameters {
		if vel, ok := sgd.velocities[p.Name]; ok {
			state.StateData = append(state.StateData, extractBufferState(vel, p.Shape, p.Name, "momentum"))
		}
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGD) LoadState(state *checkpoints.ComponentState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	vel, err := restoreBufferStates(state, "momentum", sgd.parameters)
	if err != nil {
		return err
	}

	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	sgd.config.LearningRate = extractFloat64Param(state.Parameters, "learning_rate", sgd.config.LearningRate)
	sgd.config.Momentum = extractFloat64Param(state.Parameters, "momentum", sgd.config.Momentum)
	sgd.config.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", sgd.config.WeightDecay)
	sgd.config.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.config.Nesterov)
	sgd.stepCount = extractUint64Param(state.Parameters, "step_count", 0)
	for name, buf := range vel {
		sgd.velocities[name] = buf
	}
	return nil
}
