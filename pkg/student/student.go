// Package student defines the student-model abstraction driven by the
// trainer, plus the backends that implement it.
//
// A [Student] scores raw text against the fixed cringe-label schema and is
// all the evaluator needs. A [Trainable] additionally accepts gradients and
// manages optimizer state, snapshots, and artifact export; the trainer
// requires one of those.
//
// Three backends are provided:
//
//   - [Stub] — in-process, fabricates deterministic logits; used for
//     dry runs and tests.
//   - [Remote] — WebSocket client for a training runtime sidecar that
//     holds the actual transformer weights.
//   - [ONNXModel] — inference-only, runs an exported .onnx classifier
//     via ONNX Runtime.
package student

import (
	"context"
	"errors"
	"io"
)

// ErrClosed is returned by operations on a closed student.
var ErrClosed = errors.New("student: closed")

// Student scores texts against the label schema.
//
// # Thread Safety
//
// Implementations must be safe for concurrent Forward calls unless
// documented otherwise.
type Student interface {
	// Labels returns the width of the model's output head. It matches
	// the label schema size for every backend in this package.
	Labels() int

	// Forward computes one row of raw logits per input text. The result
	// has len(texts) rows of Labels() columns. Logits are pre-sigmoid;
	// callers apply their own activation.
	Forward(ctx context.Context, texts []string) ([][]float64, error)

	// Close releases the backend (connection, session, or buffers).
	Close() error
}

// Trainable is a Student whose weights can be updated.
//
// The trainer drives it in a strict sequence per batch: Forward, then
// Backward with one gradient row per text, then Step. Snapshot and
// Restore bracket best-epoch selection, and Export streams the final
// artifact as a tar archive.
type Trainable interface {
	Student

	// SetTraining toggles training mode (dropout on, gradients tracked).
	// Evaluation passes run with training off.
	SetTraining(ctx context.Context, training bool) error

	// Backward accumulates gradients of the loss with respect to the
	// logits of the previous Forward call. Shape must match that call's
	// result.
	Backward(ctx context.Context, grads [][]float64) error

	// Step applies accumulated gradients and clears them.
	Step(ctx context.Context) error

	// Snapshot captures the current weights and returns an opaque ID.
	Snapshot(ctx context.Context) (string, error)

	// Restore rewinds the weights to a previous snapshot.
	Restore(ctx context.Context, id string) error

	// Export writes the current weights and tokenizer as a tar archive.
	// Entry names are paths relative to the artifact directory root
	// (e.g. "config.json", "tokenizer.json").
	Export(ctx context.Context, w io.Writer) error
}

// Tokenizer converts text into token IDs for models whose exported graph
// does not embed its own tokenizer.
type Tokenizer interface {
	// Encode tokenizes text, truncating or padding to maxLength. Both
	// returned slices have length maxLength; mask is 1 for real tokens
	// and 0 for padding.
	Encode(text string, maxLength int) (ids, mask []int64, err error)
}
