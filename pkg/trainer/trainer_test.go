package trainer_test

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path"
	"strings"
	"testing"

	"cringekd/pkg/dataset"
	"cringekd/pkg/kv"
	"cringekd/pkg/labelset"
	"cringekd/pkg/runstore"
	"cringekd/pkg/storage"
	"cringekd/pkg/student"
	"cringekd/pkg/trainer"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testConfig() trainer.Config {
	cfg := trainer.DefaultConfig()
	cfg.TrainPath = "data/train.jsonl"
	cfg.ValPath = "data/val.jsonl"
	cfg.OutputDir = "artifacts/student"
	cfg.BatchSize = 2
	cfg.Epochs = 2
	return cfg
}

func kdRecord(text string, probs map[string]float64, human map[string]bool) dataset.Record {
	return dataset.Record{
		Post:        dataset.Post{Text: text},
		Teacher:     dataset.Teacher{Labels: probs},
		HumanLabels: human,
	}
}

// uniformProbs assigns the same teacher probability to every label. With
// all-equal student logits this makes the softened teacher distribution
// and the student softmax both uniform, so the distillation term vanishes
// and the loss is the cross-entropy term alone.
func uniformProbs(p float64) map[string]float64 {
	m := make(map[string]float64, labelset.Size)
	for _, name := range labelset.Names() {
		m[name] = p
	}
	return m
}

func trainFixture() []dataset.Record {
	return []dataset.Record{
		kdRecord("just closed a seven figure deal, so humbled",
			map[string]float64{"humbleBragging": 0.93, "minorAchievements": 0.41, "overall_cringe": 0.88}, nil),
		kdRecord("agree? 🚀🚀🚀", map[string]float64{"excessiveEmojis": 0.97, "engagementBait": 0.81, "overall_cringe": 0.9}, nil),
		kdRecord("a homeless man taught me B2B sales",
			map[string]float64{"fakeStories": 0.95, "mundaneLifeLessons": 0.6, "overall_cringe": 0.94},
			map[string]bool{"fakeStories": true}),
		kdRecord("our office has a ping pong table",
			map[string]float64{"companyCulture": 0.77, "overall_cringe": 0.52}, nil),
		kdRecord("thoughts on synergy-driven ideation?",
			map[string]float64{"buzzwordOveruse": 0.84, "linkedinCliches": 0.66, "overall_cringe": 0.7}, nil),
		kdRecord("my commute is a masterclass in leadership",
			map[string]float64{"mundaneLifeLessons": 0.89, "personalAnecdotes": 0.45, "overall_cringe": 0.8}, nil),
	}
}

func valFixture() []dataset.Record {
	return []dataset.Record{
		kdRecord("I hired the candidate who arrived early",
			map[string]float64{"hiringStories": 0.9, "basicDecencyPraising": 0.63, "overall_cringe": 0.75}, nil),
		kdRecord("grateful for this journey 🙏",
			map[string]float64{"virtueSignaling": 0.58, "excessiveEmojis": 0.44, "overall_cringe": 0.49},
			map[string]bool{"virtueSignaling": true}),
		kdRecord("sharing my salary to normalize transparency",
			map[string]float64{"professionalOversharing": 0.87, "overall_cringe": 0.71}, nil),
		kdRecord("normal post about a conference",
			map[string]float64{"overall_cringe": 0.12}, nil),
	}
}

func writeRecords(t *testing.T, files storage.FileStore, p string, recs []dataset.Record) {
	t.Helper()
	var buf bytes.Buffer
	for _, rec := range recs {
		line, err := json.Marshal(rec)
		if err != nil {
			t.Fatal(err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := storage.WriteAll(context.Background(), files, p, buf.Bytes()); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
}

func newLocalStore(t *testing.T) *storage.Local {
	t.Helper()
	files, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return files
}

// fakeModel is a scripted backend: every forward fills each row with
// vals[steps] (clamped to the last entry), so the validation loss is a
// pure function of how many optimizer steps have run. Snapshot and
// Restore move the step counter, which makes best-epoch selection and
// checkpoint restoration observable from the outside.
type fakeModel struct {
	labels    int
	vals      []float64
	steps     int
	snapshots map[string]int
	restored  []string
}

func newFakeModel(vals ...float64) *fakeModel {
	return &fakeModel{labels: labelset.Size, vals: vals, snapshots: make(map[string]int)}
}

func (f *fakeModel) Labels() int { return f.labels }

func (f *fakeModel) Forward(_ context.Context, texts []string) ([][]float64, error) {
	v := f.vals[min(f.steps, len(f.vals)-1)]
	out := make([][]float64, len(texts))
	for i := range out {
		row := make([]float64, f.labels)
		for j := range row {
			row[j] = v
		}
		out[i] = row
	}
	return out, nil
}

func (f *fakeModel) SetTraining(context.Context, bool) error     { return nil }
func (f *fakeModel) Backward(context.Context, [][]float64) error { return nil }

func (f *fakeModel) Step(context.Context) error {
	f.steps++
	return nil
}

func (f *fakeModel) Snapshot(context.Context) (string, error) {
	id := fmt.Sprintf("s%d", f.steps)
	f.snapshots[id] = f.steps
	return id, nil
}

func (f *fakeModel) Restore(_ context.Context, id string) error {
	steps, ok := f.snapshots[id]
	if !ok {
		return fmt.Errorf("unknown snapshot %q", id)
	}
	f.steps = steps
	f.restored = append(f.restored, id)
	return nil
}

func (f *fakeModel) Export(_ context.Context, w io.Writer) error {
	payload := fmt.Sprintf("{\"step\": %d}\n", f.steps)
	tw := tar.NewWriter(w)
	hdr := &tar.Header{Name: "weights.json", Mode: 0o644, Size: int64(len(payload))}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := io.WriteString(tw, payload); err != nil {
		return err
	}
	return tw.Close()
}

func (f *fakeModel) Close() error { return nil }

var _ student.Trainable = (*fakeModel)(nil)

func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	files := newLocalStore(t)
	cfg := testConfig()
	writeRecords(t, files, cfg.TrainPath, trainFixture())
	writeRecords(t, files, cfg.ValPath, valFixture())

	kvs := kv.NewMemory(nil)
	defer kvs.Close()
	runs := runstore.New(kvs)

	model := student.NewStub()
	defer model.Close()

	tr, err := trainer.New(cfg, model, files,
		trainer.WithRunStore(runs),
		trainer.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	res, err := tr.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if res.RunID != tr.RunID() || !strings.HasPrefix(res.RunID, "run_") {
		t.Errorf("run id = %q (trainer says %q)", res.RunID, tr.RunID())
	}
	if len(res.Stats) != cfg.Epochs {
		t.Fatalf("got stats for %d epochs, want %d", len(res.Stats), cfg.Epochs)
	}
	bestEpoch, bestLoss := 0, math.Inf(1)
	for i, st := range res.Stats {
		if st.Epoch != i+1 {
			t.Errorf("stats[%d].Epoch = %d", i, st.Epoch)
		}
		if st.TrainLoss <= 0 || st.ValLoss <= 0 {
			t.Errorf("epoch %d has non-positive losses: train=%v val=%v", st.Epoch, st.TrainLoss, st.ValLoss)
		}
		if st.ValLoss < bestLoss {
			bestLoss = st.ValLoss
			bestEpoch = st.Epoch
		}
	}
	if res.BestEpoch != bestEpoch || res.ValLoss != bestLoss {
		t.Errorf("best epoch %d (val %v), want %d (val %v)", res.BestEpoch, res.ValLoss, bestEpoch, bestLoss)
	}
	if res.ArtifactPath != cfg.OutputDir {
		t.Errorf("artifact path = %q, want %q", res.ArtifactPath, cfg.OutputDir)
	}
	if res.Report == nil {
		t.Fatal("missing evaluation report")
	}
	if res.Report.Examples != len(valFixture()) {
		t.Errorf("report covers %d examples, want %d", res.Report.Examples, len(valFixture()))
	}
	if res.Report.Threshold != cfg.Threshold {
		t.Errorf("report threshold = %v, want %v", res.Report.Threshold, cfg.Threshold)
	}

	// One optimizer step per training batch: ceil(6/2) batches over 2 epochs.
	if got := model.Counts().Step; got != 6 {
		t.Errorf("optimizer stepped %d times, want 6", got)
	}

	for _, name := range []string{"config.json", "tokenizer_config.json", "eval_metrics.json", "labels.json"} {
		data, err := storage.ReadAll(ctx, files, path.Join(cfg.OutputDir, name))
		if err != nil {
			t.Fatalf("artifact %s: %v", name, err)
		}
		if len(data) == 0 {
			t.Errorf("artifact %s is empty", name)
		}
	}

	labelsData, err := storage.ReadAll(ctx, files, path.Join(cfg.OutputDir, "labels.json"))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	if err := json.Unmarshal(labelsData, &names); err != nil {
		t.Fatalf("labels.json: %v", err)
	}
	if len(names) != labelset.Size || names[0] != labelset.Names()[0] || names[len(names)-1] != labelset.Overall {
		t.Errorf("labels.json = %v", names)
	}

	metricsData, err := storage.ReadAll(ctx, files, path.Join(cfg.OutputDir, "eval_metrics.json"))
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		MacroF1  float64                   `json:"macro_f1"`
		PerLabel map[string]map[string]any `json:"per_label"`
	}
	if err := json.Unmarshal(metricsData, &doc); err != nil {
		t.Fatalf("eval_metrics.json: %v", err)
	}
	if doc.MacroF1 != res.Report.MacroF1 {
		t.Errorf("exported macro F1 = %v, want %v", doc.MacroF1, res.Report.MacroF1)
	}
	if len(doc.PerLabel) != labelset.Size {
		t.Errorf("exported metrics cover %d labels, want %d", len(doc.PerLabel), labelset.Size)
	}
	if _, ok := doc.PerLabel[labelset.Overall]["f1-score"]; !ok {
		t.Errorf("per-label entry for %s lacks f1-score: %v", labelset.Overall, doc.PerLabel[labelset.Overall])
	}

	rec, err := runs.Get(ctx, res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != runstore.StatusCompleted {
		t.Errorf("run status = %q, want %q", rec.Status, runstore.StatusCompleted)
	}
	if len(rec.Epochs) != cfg.Epochs {
		t.Errorf("record has %d epochs, want %d", len(rec.Epochs), cfg.Epochs)
	}
	if rec.BestEpoch != res.BestEpoch || rec.ValLoss != res.ValLoss {
		t.Errorf("record best = epoch %d (val %v), result best = epoch %d (val %v)",
			rec.BestEpoch, rec.ValLoss, res.BestEpoch, res.ValLoss)
	}
	if rec.MacroF1 != res.Report.MacroF1 {
		t.Errorf("record macro F1 = %v, want %v", rec.MacroF1, res.Report.MacroF1)
	}
	if rec.ArtifactPath != cfg.OutputDir {
		t.Errorf("record artifact path = %q", rec.ArtifactPath)
	}
	if rec.Config.Model != cfg.Model || rec.Config.Seed != cfg.Seed {
		t.Errorf("record config = %+v", rec.Config)
	}
}

func TestRunDeterministic(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	runOnce := func() *trainer.Result {
		files := newLocalStore(t)
		writeRecords(t, files, cfg.TrainPath, trainFixture())
		writeRecords(t, files, cfg.ValPath, valFixture())

		model := student.NewStub()
		defer model.Close()

		tr, err := trainer.New(cfg, model, files, trainer.WithLogger(quietLogger()))
		if err != nil {
			t.Fatal(err)
		}
		res, err := tr.Run(ctx)
		if err != nil {
			t.Fatal(err)
		}
		return res
	}

	a, b := runOnce(), runOnce()
	if a.BestEpoch != b.BestEpoch {
		t.Errorf("best epoch %d vs %d across identical runs", a.BestEpoch, b.BestEpoch)
	}
	for i := range a.Stats {
		if a.Stats[i].TrainLoss != b.Stats[i].TrainLoss || a.Stats[i].ValLoss != b.Stats[i].ValLoss {
			t.Errorf("epoch %d losses differ: (%v, %v) vs (%v, %v)", i+1,
				a.Stats[i].TrainLoss, a.Stats[i].ValLoss, b.Stats[i].TrainLoss, b.Stats[i].ValLoss)
		}
	}
	if a.Report.MacroF1 != b.Report.MacroF1 {
		t.Errorf("macro F1 %v vs %v across identical runs", a.Report.MacroF1, b.Report.MacroF1)
	}
}

// bceWithLogits mirrors the stable elementwise form of the objective's
// cross-entropy term.
func bceWithLogits(z, y float64) float64 {
	loss := -z * y
	if z > 0 {
		loss += z
	}
	return loss + math.Log1p(math.Exp(-math.Abs(z)))
}

func TestRunRestoresBestEpoch(t *testing.T) {
	ctx := context.Background()
	files := newLocalStore(t)
	cfg := testConfig()
	cfg.BatchSize = 8 // one batch per epoch, so one optimizer step per epoch

	const p = 0.6
	train := []dataset.Record{
		kdRecord("one", uniformProbs(p), nil),
		kdRecord("two", uniformProbs(p), nil),
	}
	val := []dataset.Record{
		kdRecord("three", uniformProbs(p), nil),
		kdRecord("four", uniformProbs(p), nil),
	}
	writeRecords(t, files, cfg.TrainPath, train)
	writeRecords(t, files, cfg.ValPath, val)

	// Epoch 1 validates after one step (logit 1.0), epoch 2 after two
	// (logit -1.0). Against target 0.6 the positive logit has the lower
	// cross-entropy, so epoch 1 must win and be restored for export.
	model := newFakeModel(0, 1.0, -1.0)
	tr, err := trainer.New(cfg, model, files, trainer.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	res, err := tr.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if res.BestEpoch != 1 {
		t.Fatalf("best epoch = %d, want 1", res.BestEpoch)
	}
	if len(model.restored) != 1 || model.restored[0] != "s1" {
		t.Errorf("restored snapshots = %v, want [s1]", model.restored)
	}

	// With uniform teacher probabilities and all-equal logits the
	// distillation term vanishes, leaving the weighted cross-entropy.
	wantVal := cfg.AlphaCE * bceWithLogits(1.0, p)
	if diff := math.Abs(res.Stats[0].ValLoss - wantVal); diff > 1e-9 {
		t.Errorf("epoch 1 val loss = %v, want %v", res.Stats[0].ValLoss, wantVal)
	}
	if res.Stats[1].ValLoss <= res.Stats[0].ValLoss {
		t.Errorf("epoch 2 val loss %v should exceed epoch 1's %v", res.Stats[1].ValLoss, res.Stats[0].ValLoss)
	}
	if res.ValLoss != res.Stats[0].ValLoss {
		t.Errorf("result val loss = %v, want epoch 1's %v", res.ValLoss, res.Stats[0].ValLoss)
	}

	// Restored logit 1.0 puts every probability at σ(1.0) ≈ 0.73, and
	// every ground-truth entry is true at threshold 0.5, so the exported
	// weights classify the validation set perfectly.
	if res.Report.MacroF1 != 1.0 {
		t.Errorf("macro F1 = %v, want 1.0", res.Report.MacroF1)
	}

	weights, err := storage.ReadAll(ctx, files, path.Join(cfg.OutputDir, "weights.json"))
	if err != nil {
		t.Fatal(err)
	}
	var exported struct {
		Step int `json:"step"`
	}
	if err := json.Unmarshal(weights, &exported); err != nil {
		t.Fatal(err)
	}
	if exported.Step != 1 {
		t.Errorf("exported weights from step %d, want 1 (the restored checkpoint)", exported.Step)
	}
}

func TestRunTieKeepsEarlierEpoch(t *testing.T) {
	ctx := context.Background()
	files := newLocalStore(t)
	cfg := testConfig()
	cfg.BatchSize = 8

	recs := []dataset.Record{
		kdRecord("one", uniformProbs(0.6), nil),
		kdRecord("two", uniformProbs(0.6), nil),
	}
	writeRecords(t, files, cfg.TrainPath, recs)
	writeRecords(t, files, cfg.ValPath, recs)

	// Both epochs validate with the same logit, so the losses tie
	// exactly and the earlier epoch keeps the win.
	model := newFakeModel(0, 0.5, 0.5)
	tr, err := trainer.New(cfg, model, files, trainer.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	res, err := tr.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if res.Stats[0].ValLoss != res.Stats[1].ValLoss {
		t.Fatalf("val losses %v and %v should tie exactly", res.Stats[0].ValLoss, res.Stats[1].ValLoss)
	}
	if res.BestEpoch != 1 {
		t.Errorf("best epoch = %d, want 1 on a tie", res.BestEpoch)
	}
	if len(model.restored) != 1 || model.restored[0] != "s1" {
		t.Errorf("restored snapshots = %v, want [s1]", model.restored)
	}
}

func TestRunEmptyTrainingSet(t *testing.T) {
	ctx := context.Background()
	files := newLocalStore(t)
	cfg := testConfig()

	if err := storage.WriteAll(ctx, files, cfg.TrainPath, []byte("\n\n")); err != nil {
		t.Fatal(err)
	}
	writeRecords(t, files, cfg.ValPath, valFixture())

	kvs := kv.NewMemory(nil)
	defer kvs.Close()
	runs := runstore.New(kvs)

	model := student.NewStub()
	defer model.Close()

	tr, err := trainer.New(cfg, model, files,
		trainer.WithRunStore(runs),
		trainer.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	res, err := tr.Run(ctx)
	if err == nil {
		t.Fatal("empty training set accepted")
	}
	if res != nil {
		t.Errorf("got result %+v alongside error", res)
	}
	if !strings.Contains(err.Error(), "empty") {
		t.Errorf("error = %v, want mention of empty set", err)
	}

	rec, err := runs.Get(ctx, tr.RunID())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != runstore.StatusFailed {
		t.Errorf("run status = %q, want %q", rec.Status, runstore.StatusFailed)
	}
	if !strings.Contains(rec.Error, "empty") {
		t.Errorf("recorded error = %q", rec.Error)
	}
}

func TestNewValidates(t *testing.T) {
	files := newLocalStore(t)
	cfg := testConfig()

	bad := cfg
	bad.Epochs = 0
	if _, err := trainer.New(bad, newFakeModel(0), files); err == nil {
		t.Error("invalid config accepted")
	}

	if _, err := trainer.New(cfg, nil, files); err == nil {
		t.Error("nil model accepted")
	}

	if _, err := trainer.New(cfg, newFakeModel(0), nil); err == nil {
		t.Error("nil file store accepted")
	}

	narrow := newFakeModel(0)
	narrow.labels = 7
	_, err := trainer.New(cfg, narrow, files)
	if err == nil {
		t.Fatal("mismatched label width accepted")
	}
	if !strings.Contains(err.Error(), "7 labels") {
		t.Errorf("error = %v", err)
	}
}

func TestWithRunID(t *testing.T) {
	files := newLocalStore(t)
	tr, err := trainer.New(testConfig(), newFakeModel(0), files, trainer.WithRunID("run_pinned01"))
	if err != nil {
		t.Fatal(err)
	}
	if tr.RunID() != "run_pinned01" {
		t.Errorf("run id = %q, want run_pinned01", tr.RunID())
	}
}
