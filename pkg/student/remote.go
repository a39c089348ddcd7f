package student

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cringekd/pkg/labelset"
)

// Remote is a [Trainable] backed by a training runtime sidecar over
// WebSocket. The sidecar holds the actual transformer weights and
// optimizer; this client ships batches out and gradients back.
//
// # Protocol
//
// Every client frame is a JSON request with a unique "id" and an "op";
// the runtime answers with a JSON response carrying the same id. Ops are
// "hello", "train_mode", "forward", "backward", "step", "snapshot",
// "restore", and "export". The hello exchange happens once at dial time
// and fixes the base model, sequence length, and learning rate; the
// runtime replies with its output-head width, which must match the label
// schema.
//
// Export is the one streaming op: the runtime sends the artifact as
// binary frames (a tar archive in chunks) and finishes with a JSON
// response marked done.
//
// # Thread Safety
//
// The trainer drives a Remote sequentially; concurrent calls are not
// supported.
type Remote struct {
	conn    *websocket.Conn
	labels  int
	runtime string

	closeCh   chan struct{}
	inCh      chan inbound
	closeOnce sync.Once
	writeMu   sync.Mutex
}

type inbound struct {
	resp *response
	data []byte // binary artifact frame
	err  error
}

// Runtime protocol ops.
const (
	opHello     = "hello"
	opTrainMode = "train_mode"
	opForward   = "forward"
	opBackward  = "backward"
	opStep      = "step"
	opSnapshot  = "snapshot"
	opRestore   = "restore"
	opExport    = "export"
)

// request is one client frame.
type request struct {
	ID string `json:"id"`
	Op string `json:"op"`

	// hello
	Model        string  `json:"model,omitempty"`
	MaxLength    int     `json:"max_length,omitempty"`
	LearningRate float64 `json:"learning_rate,omitempty"`

	// forward / backward
	Texts []string    `json:"texts,omitempty"`
	Grads [][]float64 `json:"grads,omitempty"`

	// train_mode
	Training *bool `json:"training,omitempty"`

	// restore
	Snapshot string `json:"snapshot,omitempty"`
}

// response is one runtime frame.
type response struct {
	ID    string `json:"id"`
	Op    string `json:"op"`
	Error string `json:"error,omitempty"`

	// hello
	Labels  int    `json:"labels,omitempty"`
	Runtime string `json:"runtime,omitempty"`

	// forward
	Logits [][]float64 `json:"logits,omitempty"`

	// snapshot
	Snapshot string `json:"snapshot,omitempty"`

	// export
	Done bool `json:"done,omitempty"`
}

type remoteConfig struct {
	model            string
	maxLength        int
	learningRate     float64
	handshakeTimeout time.Duration
	header           http.Header
}

// RemoteOption configures a [Remote] before the hello exchange.
type RemoteOption func(*remoteConfig)

// WithModel sets the base model the runtime should load.
// Default: "microsoft/deberta-v3-xsmall".
func WithModel(name string) RemoteOption {
	return func(c *remoteConfig) {
		if name != "" {
			c.model = name
		}
	}
}

// WithMaxLength sets the tokenizer truncation length. Default: 256.
func WithMaxLength(n int) RemoteOption {
	return func(c *remoteConfig) {
		if n > 0 {
			c.maxLength = n
		}
	}
}

// WithLearningRate sets the runtime optimizer learning rate.
// Default: 3e-5.
func WithLearningRate(lr float64) RemoteOption {
	return func(c *remoteConfig) {
		if lr > 0 {
			c.learningRate = lr
		}
	}
}

// WithHandshakeTimeout bounds the WebSocket handshake. Default: 30s.
func WithHandshakeTimeout(d time.Duration) RemoteOption {
	return func(c *remoteConfig) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithHeader adds HTTP headers to the dial request (e.g. auth tokens).
func WithHeader(h http.Header) RemoteOption {
	return func(c *remoteConfig) {
		c.header = h
	}
}

// DialRemote connects to a training runtime at a ws:// or wss:// URL and
// performs the hello exchange.
func DialRemote(ctx context.Context, url string, opts ...RemoteOption) (*Remote, error) {
	cfg := &remoteConfig{
		model:            "microsoft/deberta-v3-xsmall",
		maxLength:        256,
		learningRate:     3e-5,
		handshakeTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, cfg.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("student: connect %s: %w (HTTP %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("student: connect %s: %w", url, err)
	}

	r := &Remote{
		conn:    conn,
		closeCh: make(chan struct{}),
		inCh:    make(chan inbound, 100),
	}
	go r.readLoop()

	hello, err := r.call(ctx, request{
		Op:           opHello,
		Model:        cfg.model,
		MaxLength:    cfg.maxLength,
		LearningRate: cfg.learningRate,
	})
	if err != nil {
		r.Close()
		return nil, err
	}
	if hello.Labels != labelset.Size {
		r.Close()
		return nil, fmt.Errorf("student: runtime serves %d labels, want %d", hello.Labels, labelset.Size)
	}
	r.labels = hello.Labels
	r.runtime = hello.Runtime

	slog.Debug("student: connected to training runtime",
		"url", url,
		"runtime", r.runtime,
		"model.name", cfg.model)
	return r, nil
}

func (r *Remote) Labels() int {
	return r.labels
}

// Runtime returns the name the runtime reported in the hello exchange.
func (r *Remote) Runtime() string {
	return r.runtime
}

func (r *Remote) Forward(ctx context.Context, texts []string) ([][]float64, error) {
	resp, err := r.call(ctx, request{Op: opForward, Texts: texts})
	if err != nil {
		return nil, err
	}
	if len(resp.Logits) != len(texts) {
		return nil, fmt.Errorf("student: runtime returned %d logit rows for %d texts", len(resp.Logits), len(texts))
	}
	for bi, row := range resp.Logits {
		if len(row) != r.labels {
			return nil, fmt.Errorf("student: logit row %d has %d values, want %d", bi, len(row), r.labels)
		}
	}
	return resp.Logits, nil
}

func (r *Remote) SetTraining(ctx context.Context, training bool) error {
	_, err := r.call(ctx, request{Op: opTrainMode, Training: &training})
	return err
}

func (r *Remote) Backward(ctx context.Context, grads [][]float64) error {
	_, err := r.call(ctx, request{Op: opBackward, Grads: grads})
	return err
}

func (r *Remote) Step(ctx context.Context) error {
	_, err := r.call(ctx, request{Op: opStep})
	return err
}

func (r *Remote) Snapshot(ctx context.Context) (string, error) {
	resp, err := r.call(ctx, request{Op: opSnapshot})
	if err != nil {
		return "", err
	}
	if resp.Snapshot == "" {
		return "", fmt.Errorf("student: runtime returned empty snapshot ID")
	}
	return resp.Snapshot, nil
}

func (r *Remote) Restore(ctx context.Context, id string) error {
	_, err := r.call(ctx, request{Op: opRestore, Snapshot: id})
	return err
}

// Export streams the artifact tar from the runtime into w.
func (r *Remote) Export(ctx context.Context, w io.Writer) error {
	id := newRequestID()
	if err := r.send(request{ID: id, Op: opExport}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.closeCh:
			return ErrClosed
		case in, ok := <-r.inCh:
			if !ok {
				return fmt.Errorf("student: runtime connection closed during export")
			}
			if in.err != nil {
				return in.err
			}
			if in.data != nil {
				if _, err := w.Write(in.data); err != nil {
					return fmt.Errorf("student: write artifact: %w", err)
				}
				continue
			}
			if in.resp.ID != id {
				continue
			}
			if in.resp.Error != "" {
				return fmt.Errorf("student: runtime export: %s", in.resp.Error)
			}
			if in.resp.Done {
				return nil
			}
		}
	}
}

// Close closes the connection. Safe to call more than once.
func (r *Remote) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closeCh)
		err = r.conn.Close()
	})
	return err
}

// call sends a request and waits for the matching response.
func (r *Remote) call(ctx context.Context, req request) (*response, error) {
	req.ID = newRequestID()
	if err := r.send(req); err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.closeCh:
			return nil, ErrClosed
		case in, ok := <-r.inCh:
			if !ok {
				return nil, fmt.Errorf("student: runtime connection closed")
			}
			if in.err != nil {
				return nil, in.err
			}
			if in.data != nil {
				// Stray binary frame outside an export; drop it.
				continue
			}
			if in.resp.ID != req.ID {
				continue
			}
			if in.resp.Error != "" {
				return nil, fmt.Errorf("student: runtime %s: %s", req.Op, in.resp.Error)
			}
			return in.resp, nil
		}
	}
}

// send writes one request frame under the write lock.
func (r *Remote) send(req request) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	select {
	case <-r.closeCh:
		return ErrClosed
	default:
	}

	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		slog.Debug("student: sending request", "op", req.Op, "id", req.ID)
	}
	if err := r.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("student: send %s: %w", req.Op, err)
	}
	return nil
}

// readLoop reads frames from the connection until it closes.
func (r *Remote) readLoop() {
	defer close(r.inCh)

	for {
		select {
		case <-r.closeCh:
			return
		default:
		}

		mt, message, err := r.conn.ReadMessage()
		if err != nil {
			select {
			case <-r.closeCh:
			case r.inCh <- inbound{err: fmt.Errorf("student: read: %w", err)}:
			}
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			select {
			case <-r.closeCh:
				return
			case r.inCh <- inbound{data: message}:
			}
		case websocket.TextMessage:
			var resp response
			if err := json.Unmarshal(message, &resp); err != nil {
				select {
				case <-r.closeCh:
				case r.inCh <- inbound{err: fmt.Errorf("student: decode response: %w", err)}:
				}
				return
			}
			select {
			case <-r.closeCh:
				return
			case r.inCh <- inbound{resp: &resp}:
			}
		}
	}
}

// newRequestID generates a unique request ID.
func newRequestID() string {
	return "req_" + uuid.New().String()[:12]
}

// Compile-time interface check.
var _ Trainable = (*Remote)(nil)
