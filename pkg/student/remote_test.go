package student_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"cringekd/pkg/labelset"
	"cringekd/pkg/student"
)

// rtReq and rtResp mirror the runtime wire protocol from the server side.
type rtReq struct {
	ID           string      `json:"id"`
	Op           string      `json:"op"`
	Model        string      `json:"model"`
	MaxLength    int         `json:"max_length"`
	LearningRate float64     `json:"learning_rate"`
	Texts        []string    `json:"texts"`
	Grads        [][]float64 `json:"grads"`
	Training     *bool       `json:"training"`
	Snapshot     string      `json:"snapshot"`
}

type rtResp struct {
	ID       string      `json:"id,omitempty"`
	Op       string      `json:"op,omitempty"`
	Error    string      `json:"error,omitempty"`
	Labels   int         `json:"labels,omitempty"`
	Runtime  string      `json:"runtime,omitempty"`
	Logits   [][]float64 `json:"logits,omitempty"`
	Snapshot string      `json:"snapshot,omitempty"`
	Done     bool        `json:"done,omitempty"`
}

// fakeRuntime is a scripted training runtime for client tests.
type fakeRuntime struct {
	labels       int
	forwardRows  func(n int) [][]float64
	forwardErr   string
	exportChunks [][]byte

	mu        sync.Mutex
	hello     rtReq
	grads     [][]float64
	training  []bool
	steps     int
	snapshots int
	restored  []string
}

func (f *fakeRuntime) serve(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var req rtReq
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		resp := rtResp{ID: req.ID, Op: req.Op}

		switch req.Op {
		case "hello":
			f.mu.Lock()
			f.hello = req
			f.mu.Unlock()
			resp.Labels = f.labels
			resp.Runtime = "fake-torch"
		case "forward":
			if f.forwardErr != "" {
				resp.Error = f.forwardErr
			} else if f.forwardRows != nil {
				resp.Logits = f.forwardRows(len(req.Texts))
			} else {
				resp.Logits = make([][]float64, len(req.Texts))
				for i := range resp.Logits {
					resp.Logits[i] = make([]float64, f.labels)
					for j := range resp.Logits[i] {
						resp.Logits[i][j] = 0.5
					}
				}
			}
		case "train_mode":
			f.mu.Lock()
			f.training = append(f.training, req.Training != nil && *req.Training)
			f.mu.Unlock()
		case "backward":
			f.mu.Lock()
			f.grads = req.Grads
			f.mu.Unlock()
		case "step":
			f.mu.Lock()
			f.steps++
			f.mu.Unlock()
		case "snapshot":
			f.mu.Lock()
			f.snapshots++
			n := f.snapshots
			f.mu.Unlock()
			resp.Snapshot = "snap_" + strings.Repeat("a", n)
		case "restore":
			f.mu.Lock()
			f.restored = append(f.restored, req.Snapshot)
			f.mu.Unlock()
		case "export":
			for _, chunk := range f.exportChunks {
				if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
					return
				}
			}
			resp.Done = true
		default:
			resp.Error = "unknown op " + req.Op
		}

		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

// dialFake starts a fake runtime and connects a Remote to it.
func dialFake(t *testing.T, f *fakeRuntime, opts ...student.RemoteOption) *student.Remote {
	t.Helper()
	if f.labels == 0 {
		f.labels = labelset.Size
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	r, err := student.DialRemote(context.Background(), url, opts...)
	if err != nil {
		t.Fatalf("DialRemote: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestDialRemoteHello(t *testing.T) {
	f := &fakeRuntime{}
	r := dialFake(t, f,
		student.WithModel("microsoft/deberta-v3-xsmall"),
		student.WithMaxLength(128),
		student.WithLearningRate(1e-4),
	)

	if r.Labels() != labelset.Size {
		t.Errorf("Labels = %d, want %d", r.Labels(), labelset.Size)
	}
	if r.Runtime() != "fake-torch" {
		t.Errorf("Runtime = %q, want %q", r.Runtime(), "fake-torch")
	}

	f.mu.Lock()
	hello := f.hello
	f.mu.Unlock()
	if hello.Model != "microsoft/deberta-v3-xsmall" {
		t.Errorf("hello model = %q", hello.Model)
	}
	if hello.MaxLength != 128 || hello.LearningRate != 1e-4 {
		t.Errorf("hello hyperparams = %d / %v", hello.MaxLength, hello.LearningRate)
	}
}

func TestDialRemoteLabelMismatch(t *testing.T) {
	f := &fakeRuntime{labels: 7}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, err := student.DialRemote(context.Background(), url)
	if err == nil {
		t.Fatal("expected error for label width mismatch")
	}
	if !strings.Contains(err.Error(), "7 labels") {
		t.Errorf("error = %v, want label mismatch", err)
	}
}

func TestRemoteForward(t *testing.T) {
	f := &fakeRuntime{}
	r := dialFake(t, f)

	logits, err := r.Forward(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(logits) != 3 {
		t.Fatalf("got %d rows, want 3", len(logits))
	}
	for bi, row := range logits {
		if len(row) != labelset.Size {
			t.Fatalf("row %d has %d values, want %d", bi, len(row), labelset.Size)
		}
	}
}

func TestRemoteForwardRowMismatch(t *testing.T) {
	f := &fakeRuntime{
		forwardRows: func(n int) [][]float64 {
			return [][]float64{make([]float64, labelset.Size)} // always one row
		},
	}
	r := dialFake(t, f)

	_, err := r.Forward(context.Background(), []string{"a", "b"})
	if err == nil {
		t.Fatal("expected error for logit row mismatch")
	}
}

func TestRemoteRuntimeError(t *testing.T) {
	f := &fakeRuntime{forwardErr: "CUDA out of memory"}
	r := dialFake(t, f)

	_, err := r.Forward(context.Background(), []string{"a"})
	if err == nil {
		t.Fatal("expected runtime error")
	}
	if !strings.Contains(err.Error(), "CUDA out of memory") {
		t.Errorf("error = %v, want runtime message", err)
	}
}

func TestRemoteTrainingCycle(t *testing.T) {
	ctx := context.Background()
	f := &fakeRuntime{}
	r := dialFake(t, f)

	if err := r.SetTraining(ctx, true); err != nil {
		t.Fatalf("SetTraining: %v", err)
	}
	grads := [][]float64{make([]float64, labelset.Size)}
	grads[0][3] = 0.25
	if err := r.Backward(ctx, grads); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	if err := r.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}

	snap, err := r.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap == "" {
		t.Fatal("empty snapshot ID")
	}
	if err := r.Restore(ctx, snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if err := r.SetTraining(ctx, false); err != nil {
		t.Fatalf("SetTraining off: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.training) != 2 || !f.training[0] || f.training[1] {
		t.Errorf("training toggles = %v, want [true false]", f.training)
	}
	if f.steps != 1 {
		t.Errorf("steps = %d, want 1", f.steps)
	}
	if len(f.grads) != 1 || f.grads[0][3] != 0.25 {
		t.Errorf("grads not delivered: %v", f.grads)
	}
	if len(f.restored) != 1 || f.restored[0] != snap {
		t.Errorf("restored = %v, want [%s]", f.restored, snap)
	}
}

func TestRemoteExport(t *testing.T) {
	f := &fakeRuntime{
		exportChunks: [][]byte{[]byte("tar-part-one"), []byte("tar-part-two")},
	}
	r := dialFake(t, f)

	var buf bytes.Buffer
	if err := r.Export(context.Background(), &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if got := buf.String(); got != "tar-part-onetar-part-two" {
		t.Errorf("Export wrote %q", got)
	}
}

func TestRemoteClosed(t *testing.T) {
	f := &fakeRuntime{}
	r := dialFake(t, f)

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close is idempotent.
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := r.Forward(context.Background(), []string{"x"}); err == nil {
		t.Error("expected error after Close")
	}
}
