// Package runstore persists training-run records in a key-value store.
//
// Each run is a msgpack-encoded [Run] keyed by ["runs", id]. The record
// captures the hyperparameters the run was launched with, per-epoch losses
// as they are reported, and the final evaluation summary, so the CLI can
// list and inspect past runs without re-reading artifacts.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"cringekd/pkg/kv"
)

// ErrNotFound is returned when a run ID does not exist in the store.
var ErrNotFound = errors.New("runstore: run not found")

// Status is the lifecycle state of a training run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Config is the hyperparameter snapshot stored with a run. It mirrors the
// trainer configuration but is a separate struct so the stored wire schema
// does not shift when the trainer grows options.
type Config struct {
	Model        string  `json:"model" msgpack:"model"`
	TrainPath    string  `json:"train_path" msgpack:"train_path"`
	ValPath      string  `json:"val_path" msgpack:"val_path"`
	OutputDir    string  `json:"output_dir" msgpack:"output_dir"`
	MaxLength    int     `json:"max_length" msgpack:"max_length"`
	BatchSize    int     `json:"batch_size" msgpack:"batch_size"`
	Epochs       int     `json:"epochs" msgpack:"epochs"`
	LearningRate float64 `json:"learning_rate" msgpack:"learning_rate"`
	Temperature  float64 `json:"temperature" msgpack:"temperature"`
	AlphaKL      float64 `json:"alpha_kl" msgpack:"alpha_kl"`
	AlphaCE      float64 `json:"alpha_ce" msgpack:"alpha_ce"`
	Threshold    float64 `json:"threshold" msgpack:"threshold"`
	Seed         uint64  `json:"seed" msgpack:"seed"`
}

// EpochLoss records the outcome of one training epoch.
type EpochLoss struct {
	// Epoch is 1-based.
	Epoch int `json:"epoch" msgpack:"epoch"`

	// TrainLoss is the mean combined loss over the epoch's training batches.
	TrainLoss float64 `json:"train_loss" msgpack:"train_loss"`

	// ValLoss is the mean combined loss over the validation set after
	// the epoch.
	ValLoss float64 `json:"val_loss" msgpack:"val_loss"`

	// DurationMS is the wall-clock epoch duration in milliseconds.
	DurationMS int64 `json:"duration_ms" msgpack:"duration_ms"`
}

// Run is a persisted training-run record.
type Run struct {
	// ID is the unique run identifier, e.g. "run_1a2b3c4d".
	ID string `json:"id" msgpack:"id"`

	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
	UpdatedAt time.Time `json:"updated_at" msgpack:"updated_at"`

	Status Status `json:"status" msgpack:"status"`

	// Config is the hyperparameter snapshot the run was launched with.
	Config Config `json:"config" msgpack:"config"`

	// Epochs holds per-epoch losses in order, appended as training proceeds.
	Epochs []EpochLoss `json:"epochs,omitempty" msgpack:"epochs,omitempty"`

	// BestEpoch is the 1-based epoch whose weights were exported
	// (lowest validation loss). Zero until training completes an epoch.
	BestEpoch int `json:"best_epoch,omitempty" msgpack:"best_epoch,omitempty"`

	// ValLoss is the validation loss of the best epoch.
	ValLoss float64 `json:"val_loss,omitempty" msgpack:"val_loss,omitempty"`

	// Final evaluation summary (threshold metrics on the validation set).
	MacroF1        float64 `json:"macro_f1,omitempty" msgpack:"macro_f1,omitempty"`
	MacroPrecision float64 `json:"macro_precision,omitempty" msgpack:"macro_precision,omitempty"`
	MacroRecall    float64 `json:"macro_recall,omitempty" msgpack:"macro_recall,omitempty"`

	// ArtifactPath is where the exported model directory was written.
	ArtifactPath string `json:"artifact_path,omitempty" msgpack:"artifact_path,omitempty"`

	// Error holds the failure message when Status is StatusFailed.
	Error string `json:"error,omitempty" msgpack:"error,omitempty"`
}

// NewID returns a fresh run identifier.
func NewID() string {
	return "run_" + uuid.New().String()[:8]
}

// Store reads and writes run records over a kv.Store.
type Store struct {
	kv kv.Store
}

// New creates a run store on top of the given key-value store.
func New(kvs kv.Store) *Store {
	return &Store{kv: kvs}
}

func runKey(id string) kv.Key {
	return kv.Key{"runs", id}
}

// Put writes a run record, stamping UpdatedAt (and CreatedAt on first write).
func (s *Store) Put(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return errors.New("runstore: run ID is empty")
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	data, err := msgpack.Marshal(run)
	if err != nil {
		return fmt.Errorf("runstore: encode run %s: %w", run.ID, err)
	}
	if err := s.kv.Set(ctx, runKey(run.ID), data); err != nil {
		return fmt.Errorf("runstore: store run %s: %w", run.ID, err)
	}
	return nil
}

// Get retrieves a run by ID. Returns ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	data, err := s.kv.Get(ctx, runKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("runstore: load run %s: %w", id, err)
	}
	var run Run
	if err := msgpack.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("runstore: decode run %s: %w", id, err)
	}
	return &run, nil
}

// List returns all runs, newest first.
func (s *Store) List(ctx context.Context) ([]*Run, error) {
	var runs []*Run
	for entry, err := range s.kv.List(ctx, kv.Key{"runs"}) {
		if err != nil {
			return nil, fmt.Errorf("runstore: list runs: %w", err)
		}
		var run Run
		if err := msgpack.Unmarshal(entry.Value, &run); err != nil {
			continue // skip malformed entries
		}
		runs = append(runs, &run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

// Delete removes a run by ID. Returns ErrNotFound if it does not exist.
func (s *Store) Delete(ctx context.Context, id string) error {
	key := runKey(id)
	if _, err := s.kv.Get(ctx, key); errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	} else if err != nil {
		return fmt.Errorf("runstore: load run %s: %w", id, err)
	}
	if err := s.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("runstore: delete run %s: %w", id, err)
	}
	return nil
}
