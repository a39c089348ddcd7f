package student

import (
	"archive/tar"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"sync"

	"cringekd/pkg/labelset"
)

// Stub is an in-process [Trainable] that fabricates logits instead of
// running a model. Logits are a pure function of (seed, step, text, label),
// so runs are reproducible; Step advances the internal step counter, which
// shifts the logits the way an optimizer update would.
//
// It exists for dry runs of the training loop and for tests that need the
// full Trainable contract without a model runtime.
type Stub struct {
	seed   uint64
	labels int

	mu        sync.Mutex
	training  bool
	step      int
	lastRows  int
	snapshots map[string]int
	snapSeq   int
	counts    Counts
	closed    bool
}

// Counts reports how many operations a [Stub] has served.
type Counts struct {
	Forward  int
	Backward int
	Step     int
	Snapshot int
	Restore  int
}

// StubOption configures a Stub.
type StubOption func(*Stub)

// WithStubSeed sets the seed mixed into the fabricated logits.
// Default: 0.
func WithStubSeed(seed uint64) StubOption {
	return func(s *Stub) {
		s.seed = seed
	}
}

// NewStub creates a stub student over the full label schema.
func NewStub(opts ...StubOption) *Stub {
	s := &Stub{
		labels:    labelset.Size,
		snapshots: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stub) Labels() int {
	return s.labels
}

// Forward fabricates one logit row per text, each value in [-2, 2].
func (s *Stub) Forward(ctx context.Context, texts []string) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.counts.Forward++
	s.lastRows = len(texts)

	out := make([][]float64, len(texts))
	for bi, text := range texts {
		row := make([]float64, s.labels)
		for i := range row {
			row[i] = s.logit(text, i)
		}
		out[bi] = row
	}
	return out, nil
}

// logit hashes (seed, step, text, label) to a value in [-2, 2].
func (s *Stub) logit(text string, label int) float64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], s.seed)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(s.step))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(label))
	h.Write(buf[:])
	io.WriteString(h, text)
	return float64(h.Sum64()%400001)/100000.0 - 2.0
}

func (s *Stub) SetTraining(ctx context.Context, training bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.training = training
	return nil
}

func (s *Stub) Backward(ctx context.Context, grads [][]float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.training {
		return fmt.Errorf("student: stub: backward outside training mode")
	}
	if len(grads) != s.lastRows {
		return fmt.Errorf("student: stub: gradient rows %d do not match forward batch %d", len(grads), s.lastRows)
	}
	for bi, row := range grads {
		if len(row) != s.labels {
			return fmt.Errorf("student: stub: gradient row %d has %d values, want %d", bi, len(row), s.labels)
		}
	}
	s.counts.Backward++
	return nil
}

func (s *Stub) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.training {
		return fmt.Errorf("student: stub: step outside training mode")
	}
	s.step++
	s.counts.Step++
	return nil
}

func (s *Stub) Snapshot(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	s.snapSeq++
	id := fmt.Sprintf("snap_%d", s.snapSeq)
	s.snapshots[id] = s.step
	s.counts.Snapshot++
	return id, nil
}

func (s *Stub) Restore(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	step, ok := s.snapshots[id]
	if !ok {
		return fmt.Errorf("student: stub: unknown snapshot %q", id)
	}
	s.step = step
	s.counts.Restore++
	return nil
}

// Export writes a minimal artifact: a config.json describing the stub and
// an empty tokenizer config, mirroring the layout of a real checkpoint.
func (s *Stub) Export(ctx context.Context, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	cfg, err := json.MarshalIndent(map[string]any{
		"model_type": "stub",
		"num_labels": s.labels,
		"step":       s.step,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("student: stub: encode config: %w", err)
	}

	tw := tar.NewWriter(w)
	files := []struct {
		name string
		data []byte
	}{
		{"config.json", cfg},
		{"tokenizer_config.json", []byte("{}\n")},
	}
	for _, f := range files {
		hdr := &tar.Header{
			Name: f.name,
			Mode: 0o644,
			Size: int64(len(f.data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("student: stub: write tar header %s: %w", f.name, err)
		}
		if _, err := tw.Write(f.data); err != nil {
			return fmt.Errorf("student: stub: write tar entry %s: %w", f.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("student: stub: close tar: %w", err)
	}
	return nil
}

// Counts returns a copy of the stub's operation counters.
func (s *Stub) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

func (s *Stub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Compile-time interface check.
var _ Trainable = (*Stub)(nil)
