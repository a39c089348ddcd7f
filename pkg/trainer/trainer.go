// Package trainer runs the knowledge-distillation training loop.
//
// A [Trainer] ties together the dataset of teacher-scored posts, a
// trainable student backend, the distillation objective, and an artifact
// store. One [Trainer.Run] covers the whole lifecycle:
//
//  1. Load and sanity-check the training and validation sets.
//  2. For each epoch: shuffle, then forward/backward/step per batch
//     against the combined KL+BCE objective, then score the validation
//     set.
//  3. Track the epoch with the lowest validation loss; a strictly lower
//     loss wins, so ties keep the earlier epoch. Its weights are
//     snapshotted and restored before final evaluation.
//  4. Evaluate threshold metrics on the validation set and export the
//     artifact directory (model, tokenizer, eval_metrics.json,
//     labels.json).
//
// Runs are reproducible: epoch shuffling is driven by the configured
// seed, and every backend in the student package is deterministic given
// its inputs.
package trainer

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"path"
	"strings"
	"time"

	"cringekd/pkg/dataset"
	"cringekd/pkg/distill"
	"cringekd/pkg/labelset"
	"cringekd/pkg/metrics"
	"cringekd/pkg/runstore"
	"cringekd/pkg/storage"
	"cringekd/pkg/student"
)

// EpochStats summarizes one completed epoch.
type EpochStats struct {
	Epoch     int           `json:"epoch" yaml:"epoch"`
	TrainLoss float64       `json:"train_loss" yaml:"train_loss"`
	ValLoss   float64       `json:"val_loss" yaml:"val_loss"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// Result is the outcome of a completed training run.
type Result struct {
	RunID string `json:"run_id" yaml:"run_id"`

	// BestEpoch is the 1-based epoch whose weights were exported.
	BestEpoch int `json:"best_epoch" yaml:"best_epoch"`

	// ValLoss is the validation loss of the best epoch.
	ValLoss float64 `json:"val_loss" yaml:"val_loss"`

	// Report holds the threshold metrics of the exported weights on the
	// validation set.
	Report *metrics.Report `json:"report" yaml:"report"`

	Stats []EpochStats `json:"stats" yaml:"stats"`

	// ArtifactPath is the output directory within the file store.
	ArtifactPath string `json:"artifact_path" yaml:"artifact_path"`
}

// Trainer drives a Trainable student through a distillation run.
type Trainer struct {
	cfg   Config
	model student.Trainable
	files storage.FileStore
	runs  *runstore.Store
	log   *slog.Logger
	runID string
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(t *Trainer) {
		if log != nil {
			t.log = log
		}
	}
}

// WithRunStore enables run-registry tracking: the trainer records the
// run's lifecycle, per-epoch losses, and final summary.
func WithRunStore(rs *runstore.Store) Option {
	return func(t *Trainer) {
		t.runs = rs
	}
}

// WithRunID pins the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(t *Trainer) {
		if id != "" {
			t.runID = id
		}
	}
}

// New creates a Trainer. The config must validate and the model's head
// width must match the label schema.
func New(cfg Config, model student.Trainable, files storage.FileStore, opts ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if model == nil {
		return nil, fmt.Errorf("trainer: model is required")
	}
	if files == nil {
		return nil, fmt.Errorf("trainer: file store is required")
	}
	t := &Trainer{
		cfg:   cfg,
		model: model,
		files: files,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if got := model.Labels(); got != labelset.Size {
		return nil, fmt.Errorf("trainer: model serves %d labels, want %d", got, labelset.Size)
	}
	if t.runID == "" {
		t.runID = runstore.NewID()
	}
	return t, nil
}

// RunID returns the identifier this run is (or will be) recorded under.
func (t *Trainer) RunID() string {
	return t.runID
}

// Run executes the full training lifecycle. On failure the run record,
// if a registry is attached, is marked failed with the error message.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	res, err := t.run(ctx)
	if err != nil {
		t.markFailed(ctx, err)
		return nil, err
	}
	return res, nil
}

func (t *Trainer) run(ctx context.Context) (*Result, error) {
	log := t.log.With("run.id", t.runID, "model.name", t.cfg.Model)

	rec := &runstore.Run{
		ID:     t.runID,
		Status: runstore.StatusPending,
		Config: t.cfg.record(),
	}
	if err := t.putRecord(ctx, rec); err != nil {
		return nil, err
	}

	train, err := dataset.Load(ctx, t.files, t.cfg.TrainPath)
	if err != nil {
		return nil, fmt.Errorf("trainer: load training set: %w", err)
	}
	if train.Len() == 0 {
		return nil, fmt.Errorf("trainer: training set %s is empty", t.cfg.TrainPath)
	}
	val, err := dataset.Load(ctx, t.files, t.cfg.ValPath)
	if err != nil {
		return nil, fmt.Errorf("trainer: load validation set: %w", err)
	}
	if val.Len() == 0 {
		return nil, fmt.Errorf("trainer: validation set %s is empty", t.cfg.ValPath)
	}
	log.Info("datasets loaded",
		"data.samples", train.Len(),
		"data.val_samples", val.Len(),
		"batch_size", t.cfg.BatchSize,
		"epochs", t.cfg.Epochs)

	rec.Status = runstore.StatusRunning
	if err := t.putRecord(ctx, rec); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(t.cfg.Seed, t.cfg.Seed))
	params := t.cfg.params()

	best := math.Inf(1)
	bestEpoch := 0
	var bestSnap string
	stats := make([]EpochStats, 0, t.cfg.Epochs)

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		start := time.Now()

		trainLoss, err := t.trainEpoch(ctx, train, params, rng)
		if err != nil {
			return nil, err
		}
		valLoss, err := t.validationLoss(ctx, val, params)
		if err != nil {
			return nil, err
		}
		dur := time.Since(start)

		stats = append(stats, EpochStats{Epoch: epoch, TrainLoss: trainLoss, ValLoss: valLoss, Duration: dur})
		log.Info("epoch complete",
			"ml.phase", "train",
			"epoch", epoch,
			"loss", trainLoss,
			"val_loss", valLoss,
			"perf.duration_ms", dur.Milliseconds())

		if valLoss < best {
			best = valLoss
			bestEpoch = epoch
			snap, err := t.model.Snapshot(ctx)
			if err != nil {
				return nil, fmt.Errorf("trainer: snapshot epoch %d: %w", epoch, err)
			}
			bestSnap = snap
			log.Debug("new best checkpoint", "epoch", epoch, "val_loss", valLoss, "snapshot", snap)
		}

		rec.Epochs = append(rec.Epochs, runstore.EpochLoss{
			Epoch:      epoch,
			TrainLoss:  trainLoss,
			ValLoss:    valLoss,
			DurationMS: dur.Milliseconds(),
		})
		rec.BestEpoch = bestEpoch
		if bestEpoch > 0 {
			rec.ValLoss = best
		}
		if err := t.putRecord(ctx, rec); err != nil {
			return nil, err
		}
	}

	if bestEpoch > 0 && bestEpoch != t.cfg.Epochs {
		if err := t.model.Restore(ctx, bestSnap); err != nil {
			return nil, fmt.Errorf("trainer: restore best checkpoint: %w", err)
		}
		log.Info("restored best checkpoint", "epoch", bestEpoch, "val_loss", best)
	}

	report, err := t.evaluate(ctx, val)
	if err != nil {
		return nil, err
	}
	log.Info("validation metrics",
		"ml.phase", "eval",
		"macro_f1", report.MacroF1,
		"precision", report.Precision,
		"recall", report.Recall)

	if err := t.export(ctx, report); err != nil {
		return nil, err
	}
	log.Info("artifact exported", "path", t.cfg.OutputDir)

	rec.Status = runstore.StatusCompleted
	rec.MacroF1 = report.MacroF1
	rec.MacroPrecision = report.Precision
	rec.MacroRecall = report.Recall
	rec.ArtifactPath = t.cfg.OutputDir
	if err := t.putRecord(ctx, rec); err != nil {
		return nil, err
	}

	return &Result{
		RunID:        t.runID,
		BestEpoch:    bestEpoch,
		ValLoss:      best,
		Report:       report,
		Stats:        stats,
		ArtifactPath: t.cfg.OutputDir,
	}, nil
}

// trainEpoch shuffles the training set and runs one optimization pass.
// Returns the example-weighted mean batch loss.
func (t *Trainer) trainEpoch(ctx context.Context, ds *dataset.Dataset, params distill.Params, rng *rand.Rand) (float64, error) {
	if err := t.model.SetTraining(ctx, true); err != nil {
		return 0, fmt.Errorf("trainer: enter training mode: %w", err)
	}
	ds.Shuffle(rng)

	var sum float64
	var n int
	for batch := range ds.Batches(t.cfg.BatchSize) {
		logits, err := t.model.Forward(ctx, batch.Texts)
		if err != nil {
			return 0, fmt.Errorf("trainer: forward: %w", err)
		}
		loss, grads, err := distill.LossGradients(params, logits, batch.TeacherProbs, batch.Targets)
		if err != nil {
			return 0, fmt.Errorf("trainer: loss: %w", err)
		}
		if err := t.model.Backward(ctx, grads); err != nil {
			return 0, fmt.Errorf("trainer: backward: %w", err)
		}
		if err := t.model.Step(ctx); err != nil {
			return 0, fmt.Errorf("trainer: step: %w", err)
		}

		bs := len(batch.Texts)
		sum += loss.Total * float64(bs)
		n += bs
		t.log.Debug("batch complete",
			"batch_size", bs,
			"loss", loss.Total,
			"loss.kl", loss.KL,
			"loss.ce", loss.CE)
	}
	return sum / float64(n), nil
}

// validationLoss scores the validation set with training mode off.
// Returns the example-weighted mean batch loss.
func (t *Trainer) validationLoss(ctx context.Context, ds *dataset.Dataset, params distill.Params) (float64, error) {
	if err := t.model.SetTraining(ctx, false); err != nil {
		return 0, fmt.Errorf("trainer: leave training mode: %w", err)
	}

	var sum float64
	var n int
	for batch := range ds.Batches(t.cfg.BatchSize) {
		logits, err := t.model.Forward(ctx, batch.Texts)
		if err != nil {
			return 0, fmt.Errorf("trainer: forward: %w", err)
		}
		loss, err := distill.Losses(params, logits, batch.TeacherProbs, batch.Targets)
		if err != nil {
			return 0, fmt.Errorf("trainer: loss: %w", err)
		}
		sum += loss.Total * float64(len(batch.Texts))
		n += len(batch.Texts)
	}
	return sum / float64(n), nil
}

// evaluate computes threshold metrics for the current weights on the
// validation set.
func (t *Trainer) evaluate(ctx context.Context, ds *dataset.Dataset) (*metrics.Report, error) {
	if err := t.model.SetTraining(ctx, false); err != nil {
		return nil, fmt.Errorf("trainer: leave training mode: %w", err)
	}

	probs := make([][]float64, 0, ds.Len())
	for batch := range ds.Batches(t.cfg.BatchSize) {
		logits, err := t.model.Forward(ctx, batch.Texts)
		if err != nil {
			return nil, fmt.Errorf("trainer: forward: %w", err)
		}
		for _, row := range logits {
			p := make([]float64, len(row))
			for i, z := range row {
				p[i] = distill.Sigmoid(z)
			}
			probs = append(probs, p)
		}
	}

	truth := ds.GroundTruth(t.cfg.Threshold)
	report, err := metrics.Evaluate(labelset.Names(), probs, truth, t.cfg.Threshold)
	if err != nil {
		return nil, fmt.Errorf("trainer: evaluate: %w", err)
	}
	return report, nil
}

// export unpacks the model artifact into the output directory and writes
// eval_metrics.json and labels.json beside it.
func (t *Trainer) export(ctx context.Context, report *metrics.Report) error {
	var buf bytes.Buffer
	if err := t.model.Export(ctx, &buf); err != nil {
		return fmt.Errorf("trainer: export model: %w", err)
	}

	tr := tar.NewReader(&buf)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("trainer: read artifact tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(hdr.Name)
		if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
			return fmt.Errorf("trainer: artifact entry %q escapes output directory", hdr.Name)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("trainer: read artifact entry %s: %w", name, err)
		}
		if err := storage.WriteAll(ctx, t.files, path.Join(t.cfg.OutputDir, name), data); err != nil {
			return fmt.Errorf("trainer: write artifact entry %s: %w", name, err)
		}
	}

	var mbuf bytes.Buffer
	if err := report.Write(&mbuf); err != nil {
		return fmt.Errorf("trainer: encode metrics: %w", err)
	}
	if err := storage.WriteAll(ctx, t.files, path.Join(t.cfg.OutputDir, "eval_metrics.json"), mbuf.Bytes()); err != nil {
		return fmt.Errorf("trainer: write eval_metrics.json: %w", err)
	}

	labels, err := json.MarshalIndent(labelset.Names(), "", "  ")
	if err != nil {
		return fmt.Errorf("trainer: encode labels: %w", err)
	}
	labels = append(labels, '\n')
	if err := storage.WriteAll(ctx, t.files, path.Join(t.cfg.OutputDir, "labels.json"), labels); err != nil {
		return fmt.Errorf("trainer: write labels.json: %w", err)
	}
	return nil
}

// putRecord writes the run record if a registry is attached.
func (t *Trainer) putRecord(ctx context.Context, rec *runstore.Run) error {
	if t.runs == nil {
		return nil
	}
	if err := t.runs.Put(ctx, rec); err != nil {
		return fmt.Errorf("trainer: record run: %w", err)
	}
	return nil
}

// markFailed records the failure on the run record, best effort.
func (t *Trainer) markFailed(ctx context.Context, runErr error) {
	if t.runs == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	rec, err := t.runs.Get(ctx, t.runID)
	if err != nil {
		return
	}
	rec.Status = runstore.StatusFailed
	rec.Error = runErr.Error()
	if err := t.runs.Put(ctx, rec); err != nil {
		t.log.Warn("failed to record run failure", "run.id", t.runID, "error", err)
	}
}
