package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tsawler/go-nerftrain/training"
)

// jobConfig is everything a train or export command needs: the trainer
// settings plus the synthetic scene and the optimisation recipe
type jobConfig struct {
	Trainer training.Config

	Epochs       int
	Workers      int
	Views        int
	ValidViews   int
	Size         int // image height and width
	RaysPerBatch int
	ErrorMap     bool
	Prefetch     int // train batches built ahead, 0 disables

	Optimizer   string
	LR          float64
	WeightDecay float64
	Schedule    string
	Criterion   string
	Metrics     []string

	Store  string
	DBPath string
}

func defaultJob() jobConfig {
	cfg := training.DefaultConfig()
	cfg.UseCheckpoint = training.RefLatest
	cfg.UseLossAsMetric = false
	cfg.BestMode = "max"
	return jobConfig{
		Trainer:      cfg,
		Epochs:       10,
		Workers:      1,
		Views:        8,
		ValidViews:   2,
		Size:         16,
		RaysPerBatch: 64,
		ErrorMap:     true,
		Prefetch:     2,
		Optimizer:    "adam",
		LR:           0.01,
		Schedule:     "constant",
		Criterion:    "mse",
		Metrics:      []string{"psnr"},
		Store:        "memory",
		DBPath:       "nerftrain.db",
	}
}

func loadJobFromConfig(path string) (jobConfig, error) {
	job := defaultJob()
	data, err := os.ReadFile(path)
	if err != nil {
		return job, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return job, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg := &job.Trainer
	if v, ok := asString(raw["name"]); ok {
		cfg.Name = v
	}
	if v, ok := asString(raw["workspace"]); ok {
		cfg.Workspace = v
	}
	if v, ok := asInt(raw["eval_interval"]); ok {
		cfg.EvalInterval = v
	}
	if v, ok := asInt(raw["max_keep_ckpt"]); ok {
		cfg.MaxKeepCheckpoints = v
	}
	if v, ok := asString(raw["best_mode"]); ok {
		cfg.BestMode = v
	}
	if v, ok := asBool(raw["use_loss_as_metric"]); ok {
		cfg.UseLossAsMetric = v
	}
	if v, ok := asString(raw["ckpt"]); ok {
		cfg.UseCheckpoint = v
	}
	if v, ok := asString(raw["ckpt_format"]); ok {
		cfg.CheckpointFormat = v
	}
	if v, ok := asBool(raw["save_max_epoch_only"]); ok {
		cfg.SaveMaxEpochOnly = v
	}
	if v, ok := asBool(raw["scheduler_update_every_step"]); ok {
		cfg.SchedulerPerStep = v
	}
	if v, ok := asBool(raw["report_metric_at_train"]); ok {
		cfg.ReportMetricAtTrain = v
	}
	if v, ok := asFloat64(raw["ema_decay"]); ok {
		cfg.EMADecay = v
	}
	if v, ok := asBool(raw["fp16"]); ok {
		cfg.FP16 = v
	}
	if v, ok := asInt(raw["update_extra_interval"]); ok {
		cfg.RefreshEvery = v
	}
	if v, ok := asInt(raw["iters_per_epoch"]); ok {
		cfg.StepsPerEpoch = v
	}
	if v, ok := asInt(raw["active_latest_iters"]); ok {
		cfg.ActiveLatestIters = v
	}
	if v, ok := asString(raw["color_space"]); ok {
		cfg.ColorSpace = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		cfg.Seed = uint64(v)
	}

	if v, ok := asInt(raw["epochs"]); ok {
		job.Epochs = v
	}
	if v, ok := asInt(raw["workers"]); ok {
		job.Workers = v
	}
	if v, ok := asInt(raw["views"]); ok {
		job.Views = v
	}
	if v, ok := asInt(raw["valid_views"]); ok {
		job.ValidViews = v
	}
	if v, ok := asInt(raw["size"]); ok {
		job.Size = v
	}
	if v, ok := asInt(raw["num_rays"]); ok {
		job.RaysPerBatch = v
	}
	if v, ok := asBool(raw["error_map"]); ok {
		job.ErrorMap = v
	}
	if v, ok := asInt(raw["prefetch"]); ok {
		job.Prefetch = v
	}
	if v, ok := asString(raw["optimizer"]); ok {
		job.Optimizer = v
	}
	if v, ok := asFloat64(raw["lr"]); ok {
		job.LR = v
	}
	if v, ok := asFloat64(raw["weight_decay"]); ok {
		job.WeightDecay = v
	}
	if v, ok := asString(raw["lr_scheduler"]); ok {
		job.Schedule = v
	}
	if v, ok := asString(raw["criterion"]); ok {
		job.Criterion = v
	}
	if raw["metrics"] != nil {
		items, ok := raw["metrics"].([]any)
		if !ok {
			return job, fmt.Errorf("metrics must be a list of names")
		}
		job.Metrics = job.Metrics[:0]
		for _, item := range items {
			name, ok := asString(item)
			if !ok {
				return job, fmt.Errorf("metric names must be strings, got %v", item)
			}
			job.Metrics = append(job.Metrics, name)
		}
	}
	if v, ok := asString(raw["store"]); ok {
		job.Store = v
	}
	if v, ok := asString(raw["db_path"]); ok {
		job.DBPath = v
	}
	return job, nil
}

func loadOrDefaultJob(configPath string) (jobConfig, error) {
	if configPath == "" {
		return defaultJob(), nil
	}
	return loadJobFromConfig(configPath)
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

// overrideFromFlags applies only the flags that were set on the command line
func overrideFromFlags(job *jobConfig, set map[string]bool, flagValue map[string]any) error {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "name":
			job.Trainer.Name = v.(string)
		case "workspace":
			job.Trainer.Workspace = v.(string)
		case "ckpt":
			job.Trainer.UseCheckpoint = v.(string)
		case "ckpt-format":
			job.Trainer.CheckpointFormat = v.(string)
		case "max-keep":
			job.Trainer.MaxKeepCheckpoints = v.(int)
		case "eval-interval":
			job.Trainer.EvalInterval = v.(int)
		case "ema":
			job.Trainer.EMADecay = v.(float64)
		case "fp16":
			job.Trainer.FP16 = v.(bool)
		case "iters-per-epoch":
			job.Trainer.StepsPerEpoch = v.(int)
		case "seed":
			job.Trainer.Seed = v.(uint64)
		case "mute":
			job.Trainer.Mute = v.(bool)
		case "epochs":
			job.Epochs = v.(int)
		case "workers":
			job.Workers = v.(int)
		case "views":
			job.Views = v.(int)
		case "size":
			job.Size = v.(int)
		case "rays":
			job.RaysPerBatch = v.(int)
		case "prefetch":
			job.Prefetch = v.(int)
		case "optimizer":
			job.Optimizer = v.(string)
		case "lr":
			job.LR = v.(float64)
		case "schedule":
			job.Schedule = v.(string)
		case "criterion":
			job.Criterion = v.(string)
		case "store":
			job.Store = v.(string)
		case "db-path":
			job.DBPath = v.(string)
		default:
			return fmt.Errorf("unsupported override flag: %s", name)
		}
	}
	return nil
}
