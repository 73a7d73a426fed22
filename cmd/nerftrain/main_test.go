package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-nerftrain/storage"
	"github.com/tsawler/go-nerftrain/training"
)

func writeConfig(t *testing.T, payload map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.json")
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJobFromConfig(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"name":                  "lego",
		"max_keep_ckpt":         3,
		"ema_decay":             0.95,
		"fp16":                  true,
		"update_extra_interval": 8,
		"seed":                  42,
		"epochs":                4,
		"workers":               2,
		"lr":                    0.005,
		"lr_scheduler":          "cosine",
		"metrics":               []any{"psnr", "distance"},
		"store":                 "sqlite",
		"prefetch":              0,
	})

	job, err := loadJobFromConfig(path)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	cfg := job.Trainer
	if cfg.Name != "lego" || cfg.MaxKeepCheckpoints != 3 || cfg.EMADecay != 0.95 || !cfg.FP16 || cfg.RefreshEvery != 8 || cfg.Seed != 42 {
		t.Fatalf("unexpected trainer fields: %+v", cfg)
	}
	if job.Epochs != 4 || job.Workers != 2 || job.LR != 0.005 || job.Schedule != "cosine" || job.Store != "sqlite" || job.Prefetch != 0 {
		t.Fatalf("unexpected job fields: %+v", job)
	}
	if len(job.Metrics) != 2 || job.Metrics[1] != "distance" {
		t.Fatalf("unexpected metrics: %v", job.Metrics)
	}
	// untouched keys keep their defaults
	if job.Views != defaultJob().Views || cfg.CheckpointFormat != "proto" {
		t.Fatalf("defaults not preserved: views=%d format=%s", job.Views, cfg.CheckpointFormat)
	}

	bad := writeConfig(t, map[string]any{"metrics": "psnr"})
	if _, err := loadJobFromConfig(bad); err == nil {
		t.Fatal("expected an error for a non-list metrics value")
	}
}

func TestOverrideFromFlagsOnlyAppliesSetFlags(t *testing.T) {
	job := defaultJob()
	job.Epochs = 20

	err := overrideFromFlags(&job, map[string]bool{"lr": true, "fp16": true}, map[string]any{
		"lr":     0.1,
		"fp16":   true,
		"epochs": 3,
	})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if job.LR != 0.1 || !job.Trainer.FP16 || job.Epochs != 20 {
		t.Fatalf("unexpected job after override: lr=%f fp16=%v epochs=%d", job.LR, job.Trainer.FP16, job.Epochs)
	}

	if err := overrideFromFlags(&job, map[string]bool{"bogus": true}, map[string]any{"bogus": 1}); err == nil {
		t.Fatal("expected an error for an unknown flag")
	}
}

func TestBuildSchedule(t *testing.T) {
	for _, name := range []string{"constant", "step", "exponential", "cosine", "plateau"} {
		job := defaultJob()
		job.Schedule = name
		s, err := buildSchedule(job)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if s.LR() != job.LR {
			t.Errorf("%s: expected initial lr %f, got %f", name, job.LR, s.LR())
		}
	}
	job := defaultJob()
	job.Schedule = "warmup"
	if _, err := buildSchedule(job); err == nil {
		t.Error("expected an unknown schedule error")
	}
}

func TestTrainJobTwoWorkers(t *testing.T) {
	ctx := context.Background()
	job := defaultJob()
	job.Trainer.Workspace = t.TempDir()
	job.Trainer.UseCheckpoint = training.RefScratch
	job.Trainer.Mute = true
	job.Epochs = 2
	job.Workers = 2
	job.Views = 4
	job.Size = 4
	job.RaysPerBatch = 8

	store := storage.NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("store: %v", err)
	}
	tr, err := trainJob(ctx, job, store)
	if err != nil {
		t.Fatalf("train job: %v", err)
	}
	if tr.Epoch() != 2 {
		t.Errorf("expected to finish at epoch 2, got %d", tr.Epoch())
	}
	epochs, err := store.ListEpochs(ctx, tr.RunID())
	if err != nil || len(epochs) != 2 {
		t.Fatalf("expected 2 ledger epochs from the coordinator, got %d (%v)", len(epochs), err)
	}
	if epochs[1].Result == nil || *epochs[1].Result >= 0 {
		t.Errorf("psnr results are negated so smaller is better, got %v", epochs[1].Result)
	}

	job.ValidViews = 3
	if _, err := trainJob(ctx, job, store); err == nil {
		t.Error("expected an error for unevenly sharded validation views")
	}
}
