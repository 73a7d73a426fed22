package training

import (
	"fmt"

	"github.com/tsawler/go-nerftrain/checkpoints"
)

// Checkpoint references accepted by Config.UseCheckpoint and Load. Any other
// value is treated as a path.
const (
	RefScratch     = "scratch"
	RefLatest      = "latest"
	RefLatestModel = "latest_model"
	RefBest        = "best"
)

// Config controls the training loop
type Config struct {
	Name      string // Experiment name, used in file names
	Workspace string // Root directory for checkpoints, logs and frames

	EvalInterval       int    // Evaluate (and save) every N epochs
	MaxKeepCheckpoints int    // Regular checkpoints kept on disk
	BestMode           string // "min" or "max" for metrics[0]
	UseLossAsMetric    bool   // Track the validation loss instead of metrics[0]
	UseCheckpoint      string // scratch, latest, latest_model, best or a path
	SaveBest           bool   // Write the best checkpoint after each evaluation
	BestSibling        bool   // Also write an epoch-tagged copy of each new best
	SaveMaxEpochOnly   bool   // Write a regular checkpoint only at the final epoch
	CheckpointFormat   string // "proto" or "json"

	SchedulerPerStep    bool // Advance the schedule after every applied step
	ReportMetricAtTrain bool // Feed metrics with training predictions too

	EMADecay          float64 // 0 disables the shadow
	FP16              bool    // Dynamic loss scaling with float16 range checks
	RefreshEvery      int     // Acceleration structure refresh cadence in global steps
	StepsPerEpoch     int     // 0 means one pass over the supply
	ActiveLatestIters int     // Steps on the newest view before the first epoch
	ColorSpace        string  // "srgb" or "linear"

	Mute bool   // Silence the console; the log file is still written
	Seed uint64 // Seed for background colours and sampling
}

// DefaultConfig returns the default trainer configuration
func DefaultConfig() Config {
	return Config{
		Name:               "ngp",
		Workspace:          "workspace",
		EvalInterval:       1,
		MaxKeepCheckpoints: 1,
		BestMode:           "min",
		UseLossAsMetric:    true,
		UseCheckpoint:      RefLatest,
		SaveBest:           true,
		BestSibling:        true,
		CheckpointFormat:   "proto",
		RefreshEvery:       16,
		ColorSpace:         "srgb",
		Seed:               1,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("experiment name is required")
	}
	if c.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	if c.EvalInterval <= 0 {
		return fmt.Errorf("eval interval must be positive, got %d", c.EvalInterval)
	}
	if c.MaxKeepCheckpoints <= 0 {
		return fmt.Errorf("max kept checkpoints must be positive, got %d", c.MaxKeepCheckpoints)
	}
	if c.BestMode != "min" && c.BestMode != "max" {
		return fmt.Errorf("best mode must be min or max, got %q", c.BestMode)
	}
	if c.UseCheckpoint == "" {
		return fmt.Errorf("checkpoint reference is required")
	}
	if _, ok := checkpoints.ParseFormat(c.CheckpointFormat); !ok {
		return fmt.Errorf("unknown checkpoint format %q", c.CheckpointFormat)
	}
	if c.EMADecay < 0 || c.EMADecay >= 1 {
		return fmt.Errorf("ema decay must be in [0, 1), got %f", c.EMADecay)
	}
	if c.RefreshEvery <= 0 {
		return fmt.Errorf("refresh cadence must be positive, got %d", c.RefreshEvery)
	}
	if c.StepsPerEpoch < 0 {
		return fmt.Errorf("steps per epoch must be non-negative, got %d", c.StepsPerEpoch)
	}
	if c.ActiveLatestIters < 0 {
		return fmt.Errorf("active latest iterations must be non-negative, got %d", c.ActiveLatestIters)
	}
	if c.ColorSpace != "srgb" && c.ColorSpace != "linear" {
		return fmt.Errorf("colour space must be srgb or linear, got %q", c.ColorSpace)
	}
	return nil
}
