package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// testEnv isolates a command invocation: its own settings file and run
// registry directory, never the invoking user's ~/.cringekd.
type testEnv struct {
	dir      string
	settings string
}

func setupTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	settings := filepath.Join(dir, "config.yaml")
	content := "runs_dir: " + filepath.Join(dir, "runs") + "\n"
	if err := os.WriteFile(settings, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return testEnv{dir: dir, settings: settings}
}

// writeFile writes content into the env dir and returns the absolute path.
func (e testEnv) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const goodDataset = `{"post":{"text":"Thrilled to announce my promotion to Senior Manager!"},"teacher":{"labels":{"humbleBragging":0.93,"overall_cringe":0.88}}}
{"post":{"text":"Like and share if you agree!"},"teacher":{"labels":{"engagementBait":0.91,"overall_cringe":0.8}},"human_labels":{"engagementBait":true,"overall_cringe":true}}
{"post":{"text":"Our CEO personally greeted the interns."},"teacher":{"labels":{"companyCulture":0.7,"basicDecencyPraising":0.6}}}
{"post":{"text":"The quarterly report is attached."},"teacher":{"labels":{}}}
`

const badDataset = `{"post":{"text":"fine"},"teacher":{"labels":{"overall_cringe":0.5}}}
{not json
{"post":{"text":"range"},"teacher":{"labels":{"overall_cringe":1.5}}}
`

func runCmd(t *testing.T, args ...string) (stdout, stderr string, exitCode int) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	rOut, wOut, _ := os.Pipe()
	rErr, wErr, _ := os.Pipe()
	os.Stdout = wOut
	os.Stderr = wErr

	outputFile = ""
	outputJSON = false
	jqExpr = ""

	rootCmd.SetArgs(args)
	err := rootCmd.Execute()

	wOut.Close()
	wErr.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	var outBuf, errBuf bytes.Buffer
	outBuf.ReadFrom(rOut)
	errBuf.ReadFrom(rErr)

	stdout = outBuf.String()
	stderr = errBuf.String()
	if err != nil {
		exitCode = 1
		if stderr == "" {
			stderr = err.Error()
		}
	}

	resetFlags(rootCmd)
	return
}

func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		f.Changed = false
		f.Value.Set(f.DefValue)
	})
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func TestTrainStubEndToEnd(t *testing.T) {
	env := setupTestEnv(t)
	train := env.writeFile(t, "train.jsonl", goodDataset)
	val := env.writeFile(t, "val.jsonl", goodDataset)
	out := filepath.Join(env.dir, "out")

	stdout, stderr, code := runCmd(t, "train",
		"--settings", env.settings,
		"--backend", "stub",
		"--train", train, "--val", val, "--output-dir", out,
		"--epochs", "1", "--batch-size", "2",
	)
	if code != 0 {
		t.Fatalf("train failed, exit %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "completed") {
		t.Fatalf("expected 'completed' in output, got: %s", stdout)
	}
	for _, name := range []string{"labels.json", "eval_metrics.json"} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Fatalf("missing artifact %s: %v", name, err)
		}
	}

	// The run shows up in the registry.
	stdout, _, code = runCmd(t, "runs", "list", "--settings", env.settings)
	if code != 0 {
		t.Fatalf("runs list failed, exit %d", code)
	}
	if !strings.Contains(stdout, "run_") || !strings.Contains(stdout, "completed") {
		t.Fatalf("expected completed run in listing, got: %s", stdout)
	}

	// Pull the ID via --jq, then show and delete it.
	stdout, _, code = runCmd(t, "runs", "list", "--settings", env.settings, "--jq", ".[0].id")
	if code != 0 {
		t.Fatalf("runs list --jq failed, exit %d", code)
	}
	id := strings.TrimSpace(stdout)
	if !strings.HasPrefix(id, "run_") {
		t.Fatalf("expected a run ID, got: %q", id)
	}

	stdout, _, code = runCmd(t, "runs", "show", id, "--settings", env.settings)
	if code != 0 {
		t.Fatalf("runs show failed, exit %d", code)
	}
	if !strings.Contains(stdout, "status: completed") {
		t.Fatalf("expected completed status, got: %s", stdout)
	}

	_, _, code = runCmd(t, "runs", "rm", id, "--settings", env.settings)
	if code != 0 {
		t.Fatalf("runs rm failed, exit %d", code)
	}
	stdout, _, _ = runCmd(t, "runs", "list", "--settings", env.settings)
	if !strings.Contains(stdout, "no runs recorded") {
		t.Fatalf("expected empty registry, got: %s", stdout)
	}
}

func TestTrainMissingDataPath(t *testing.T) {
	env := setupTestEnv(t)

	_, stderr, code := runCmd(t, "train", "--settings", env.settings, "--backend", "stub")
	if code == 0 {
		t.Fatal("expected non-zero exit without --train")
	}
	if !strings.Contains(stderr, "train_path") {
		t.Fatalf("expected train_path error, got: %s", stderr)
	}
}

func TestTrainUnknownBackend(t *testing.T) {
	env := setupTestEnv(t)
	train := env.writeFile(t, "train.jsonl", goodDataset)
	val := env.writeFile(t, "val.jsonl", goodDataset)

	_, stderr, code := runCmd(t, "train",
		"--settings", env.settings,
		"--backend", "gpu",
		"--train", train, "--val", val,
	)
	if code == 0 {
		t.Fatal("expected non-zero exit for unknown backend")
	}
	if !strings.Contains(stderr, "unknown backend") {
		t.Fatalf("expected 'unknown backend', got: %s", stderr)
	}
}

func TestTrainConfigFileWithFlagOverride(t *testing.T) {
	env := setupTestEnv(t)
	train := env.writeFile(t, "train.jsonl", goodDataset)
	val := env.writeFile(t, "val.jsonl", goodDataset)
	out := filepath.Join(env.dir, "out")
	cfg := env.writeFile(t, "train.yaml",
		"train_path: "+train+"\nval_path: "+val+"\noutput_dir: "+out+"\nepochs: 5\nbatch_size: 2\n")

	// --epochs beats the config file value.
	stdout, stderr, code := runCmd(t, "train",
		"--settings", env.settings,
		"--backend", "stub",
		"-f", cfg,
		"--epochs", "1",
	)
	if code != 0 {
		t.Fatalf("train failed, exit %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "1 epochs") {
		t.Fatalf("expected flag to override config epochs, got: %s", stdout)
	}
}

func TestEvalStubRendersReport(t *testing.T) {
	env := setupTestEnv(t)
	val := env.writeFile(t, "val.jsonl", goodDataset)

	stdout, stderr, code := runCmd(t, "eval", "--settings", env.settings, "--data", val)
	if code != 0 {
		t.Fatalf("eval failed, exit %d: %s", code, stderr)
	}
	for _, want := range []string{"LABEL", "humbleBragging", "macro", "micro", "4 examples"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("expected %q in report, got: %s", want, stdout)
		}
	}
}

func TestEvalJSONProjection(t *testing.T) {
	env := setupTestEnv(t)
	val := env.writeFile(t, "val.jsonl", goodDataset)

	stdout, stderr, code := runCmd(t, "eval",
		"--settings", env.settings, "--data", val,
		"--json", "--jq", ".examples",
	)
	if code != 0 {
		t.Fatalf("eval failed, exit %d: %s", code, stderr)
	}
	if strings.TrimSpace(stdout) != "4" {
		t.Fatalf("expected projected example count 4, got: %q", stdout)
	}
}

func TestEvalMissingDataset(t *testing.T) {
	env := setupTestEnv(t)

	_, stderr, code := runCmd(t, "eval", "--settings", env.settings,
		"--data", filepath.Join(env.dir, "nope.jsonl"))
	if code == 0 {
		t.Fatal("expected non-zero exit for a missing dataset")
	}
	if !strings.Contains(stderr, "nope.jsonl") {
		t.Fatalf("expected path in error, got: %s", stderr)
	}
}

func TestDatasetStats(t *testing.T) {
	env := setupTestEnv(t)
	data := env.writeFile(t, "train.jsonl", goodDataset)

	stdout, stderr, code := runCmd(t, "dataset", "stats", data, "--settings", env.settings)
	if code != 0 {
		t.Fatalf("stats failed, exit %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "4 records, 1 with human labels") {
		t.Fatalf("expected summary line, got: %s", stdout)
	}
	for _, want := range []string{"LABEL", "MEAN PROB", "humbleBragging"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("expected %q in table, got: %s", want, stdout)
		}
	}
}

func TestDatasetCheckClean(t *testing.T) {
	env := setupTestEnv(t)
	data := env.writeFile(t, "train.jsonl", goodDataset)

	stdout, _, code := runCmd(t, "dataset", "check", data, "--settings", env.settings)
	if code != 0 {
		t.Fatalf("check failed, exit %d", code)
	}
	if !strings.Contains(stdout, "no problems found in 4 records") {
		t.Fatalf("expected clean result, got: %s", stdout)
	}
}

func TestDatasetCheckReportsProblems(t *testing.T) {
	env := setupTestEnv(t)
	data := env.writeFile(t, "bad.jsonl", badDataset)

	_, stderr, code := runCmd(t, "dataset", "check", data, "--settings", env.settings)
	if code == 0 {
		t.Fatal("expected non-zero exit for a bad dataset")
	}
	if !strings.Contains(stderr, "line 2") || !strings.Contains(stderr, "line 3") {
		t.Fatalf("expected findings for lines 2 and 3, got: %s", stderr)
	}
}

func TestRunsShowNotFound(t *testing.T) {
	env := setupTestEnv(t)

	_, stderr, code := runCmd(t, "runs", "show", "run_missing", "--settings", env.settings)
	if code == 0 {
		t.Fatal("expected non-zero exit for unknown run")
	}
	if !strings.Contains(stderr, "not found") {
		t.Fatalf("expected 'not found', got: %s", stderr)
	}
}
