package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-nerftrain/amp"
	"github.com/tsawler/go-nerftrain/optimizer"
)

// StepResult reports what one coordinated step did
type StepResult struct {
	Loss    float64 // Unscaled loss returned by the compute function
	Applied bool    // False when the update was skipped on overflow
	Scale   float64 // Loss scale the gradients were computed with
	LR      float64 // Learning rate after any schedule advance
}

// StepCoordinator wraps one optimizer update in the scale, unscale, skip or
// apply, update-scale sequence, and advances the schedule at the configured
// cadence
type StepCoordinator struct {
	opt      optimizer.Optimizer
	scaler   *amp.GradScaler
	schedule Schedule
	perStep  bool

	applied uint64
	skipped uint64
}

// NewStepCoordinator creates a coordinator. A nil scaler behaves as a
// disabled one and a nil schedule keeps the optimizer's rate.
func NewStepCoordinator(opt optimizer.Optimizer, scaler *amp.GradScaler, schedule Schedule, perStep bool) *StepCoordinator {
	if scaler == nil {
		scaler = amp.Disabled()
	}
	if schedule == nil {
		schedule = NewFixedSchedule(ConstantRule{}, opt.GetLR())
	}
	return &StepCoordinator{opt: opt, scaler: scaler, schedule: schedule, perStep: perStep}
}

// Step zeroes the gradients, runs compute with the current loss scale, and
// applies the optimizer update only if the unscaled gradients are finite.
// compute must run the forward pass, back-propagate loss*scale into the
// parameter gradients, and return the unscaled loss.
func (c *StepCoordinator) Step(compute func(scale float32) (float64, error)) (StepResult, error) {
	c.opt.ZeroGrad()

	scale := c.scaler.Scale()
	loss, err := compute(float32(scale))
	if err != nil {
		return StepResult{}, errors.Wrap(err, "step compute failed")
	}

	foundInf := c.scaler.Unscale(c.opt.Parameters())
	if !foundInf {
		if err := c.opt.Step(); err != nil {
			return StepResult{}, errors.Wrap(err, "optimizer step failed")
		}
		c.applied++
	} else {
		c.skipped++
	}
	c.scaler.Update(foundInf)

	if !foundInf && c.perStep {
		c.opt.SetLR(c.schedule.Advance(0, false))
	}

	return StepResult{Loss: loss, Applied: !foundInf, Scale: scale, LR: c.opt.GetLR()}, nil
}

// EndEpoch advances an epoch-cadence schedule, passing meanLoss to
// schedules that track improvement. It is a no-op for per-step schedules.
func (c *StepCoordinator) EndEpoch(meanLoss float64) float64 {
	if c.perStep {
		return c.opt.GetLR()
	}
	c.opt.SetLR(c.schedule.Advance(meanLoss, c.schedule.WantsSignal()))
	return c.opt.GetLR()
}

// Applied returns how many updates were applied
func (c *StepCoordinator) Applied() uint64 { return c.applied }

// Skipped returns how many updates were skipped on overflow
func (c *StepCoordinator) Skipped() uint64 { return c.skipped }

// Scaler returns the gradient scaler
func (c *StepCoordinator) Scaler() *amp.GradScaler { return c.scaler }

// Schedule returns the learning rate schedule
func (c *StepCoordinator) Schedule() Schedule { return c.schedule }

// Optimizer returns the wrapped optimizer
func (c *StepCoordinator) Optimizer() optimizer.Optimizer { return c.opt }
