// Package storage persists a ledger of training runs and their per-epoch
// outcomes so runs can be compared after the fact.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Run describes one invocation of the trainer
type Run struct {
	SchemaVersion int               `json:"schema_version"`
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Workspace     string            `json:"workspace"`
	WorldSize     int               `json:"world_size"`
	Device        string            `json:"device,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	Settings      map[string]string `json:"settings,omitempty"`
}

// EpochRecord is the outcome of one training epoch. ValidLoss and Result are
// nil for epochs that did not evaluate.
type EpochRecord struct {
	RunID      string
	Epoch      int
	GlobalStep int
	TrainLoss  float64
	ValidLoss  *float64
	Result     *float64
	LR         float64
	Checkpoint string
	RecordedAt time.Time
}

// Store defines the run ledger operations
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (Run, bool, error)
	ListRuns(ctx context.Context, name string) ([]Run, error)
	AppendEpoch(ctx context.Context, rec EpochRecord) error
	ListEpochs(ctx context.Context, runID string) ([]EpochRecord, error)
}

// NewRunID returns a fresh random run identifier
func NewRunID() string {
	return uuid.NewString()
}
