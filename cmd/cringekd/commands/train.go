package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cringekd/pkg/cli"
	"cringekd/pkg/student"
	"cringekd/pkg/trainer"
)

var (
	trainConfigFile string
	trainDataPath   string
	trainValPath    string
	trainOutputDir  string
	trainModel      string
	trainBackend    string
	trainRuntime    string

	trainMaxLength    int
	trainBatchSize    int
	trainEpochs       int
	trainLearningRate float64
	trainTemperature  float64
	trainAlphaKL      float64
	trainAlphaCE      float64
	trainThreshold    float64
	trainSeed         uint64
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Distill teacher soft labels into a student classifier",
	Long: `Train a compact multi-label student on teacher-scored JSONL data.

Hyperparameters resolve in three layers: built-in defaults, then the
-f config file, then explicit flags. The run is recorded in the local
registry and the best-epoch weights are exported to the output
directory together with eval_metrics.json and labels.json.

Backends:
  remote - delegate tensor work to a runtime sidecar over websocket
           (default when a runtime URL is configured)
  stub   - deterministic in-process logits, no learning; exercises the
           full pipeline without a GPU (default otherwise)

Example:
  cringekd train --train data/train.jsonl --val data/val.jsonl \
    --runtime ws://localhost:9090/train --epochs 3`,
	RunE: runTrain,
}

func init() {
	trainCmd.Flags().StringVarP(&trainConfigFile, "file", "f", "", "training config file (YAML or JSON, - for stdin)")
	trainCmd.Flags().StringVar(&trainDataPath, "train", "", "training dataset path within the store")
	trainCmd.Flags().StringVar(&trainValPath, "val", "", "validation dataset path within the store")
	trainCmd.Flags().StringVar(&trainOutputDir, "output-dir", "", "artifact output directory (default ./student_ckpt)")
	trainCmd.Flags().StringVar(&trainModel, "model", "", "base checkpoint to fine-tune (default microsoft/deberta-v3-xsmall)")
	trainCmd.Flags().StringVar(&trainBackend, "backend", "", "training backend: remote or stub (default: auto)")
	trainCmd.Flags().StringVar(&trainRuntime, "runtime", "", "runtime sidecar websocket URL, e.g. ws://localhost:9090/train")

	trainCmd.Flags().IntVar(&trainMaxLength, "max-length", 0, "tokenizer truncation length")
	trainCmd.Flags().IntVar(&trainBatchSize, "batch-size", 0, "training batch size")
	trainCmd.Flags().IntVar(&trainEpochs, "epochs", 0, "number of training epochs")
	trainCmd.Flags().Float64Var(&trainLearningRate, "learning-rate", 0, "optimizer learning rate")
	trainCmd.Flags().Float64Var(&trainTemperature, "temperature", 0, "distillation temperature")
	trainCmd.Flags().Float64Var(&trainAlphaKL, "alpha-kl", 0, "weight of the KL distillation term")
	trainCmd.Flags().Float64Var(&trainAlphaCE, "alpha-ce", 0, "weight of the BCE ground-truth term")
	trainCmd.Flags().Float64Var(&trainThreshold, "threshold", 0, "probability threshold for evaluation")
	trainCmd.Flags().Uint64Var(&trainSeed, "seed", 0, "shuffle seed")
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := buildTrainConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		printInfo("interrupted, stopping run...")
		cancel()
	}()

	files, err := resolveStore()
	if err != nil {
		return err
	}

	runs, closeRuns, err := openRunStore()
	if err != nil {
		return err
	}
	defer closeRuns()

	model, err := buildBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer model.Close()

	t, err := trainer.New(cfg, model, files, trainer.WithRunStore(runs))
	if err != nil {
		return err
	}

	printInfo("starting run %s (%s, %d epochs)", t.RunID(), cfg.Model, cfg.Epochs)
	res, err := t.Run(ctx)
	if err != nil {
		return fmt.Errorf("run %s failed: %w", t.RunID(), err)
	}

	printSuccess("run %s completed", res.RunID)
	printInfo("best epoch: %d (val loss %.4f)", res.BestEpoch, res.ValLoss)
	printInfo("macro F1: %s at threshold %s", cli.FormatProb(res.Report.MacroF1), cli.FormatProb(res.Report.Threshold))
	printInfo("artifact: %s", res.ArtifactPath)

	return outputResult(res, outputFile, outputJSON)
}

// buildTrainConfig layers defaults, the -f config file, and explicit
// flags, in that order.
func buildTrainConfig(cmd *cobra.Command) (trainer.Config, error) {
	cfg := trainer.DefaultConfig()
	if trainConfigFile != "" {
		if err := cli.LoadFile(trainConfigFile, &cfg); err != nil {
			return cfg, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("train") {
		cfg.TrainPath = trainDataPath
	}
	if flags.Changed("val") {
		cfg.ValPath = trainValPath
	}
	if flags.Changed("output-dir") {
		cfg.OutputDir = trainOutputDir
	}
	if flags.Changed("model") {
		cfg.Model = trainModel
	}
	if flags.Changed("max-length") {
		cfg.MaxLength = trainMaxLength
	}
	if flags.Changed("batch-size") {
		cfg.BatchSize = trainBatchSize
	}
	if flags.Changed("epochs") {
		cfg.Epochs = trainEpochs
	}
	if flags.Changed("learning-rate") {
		cfg.LearningRate = trainLearningRate
	}
	if flags.Changed("temperature") {
		cfg.Temperature = trainTemperature
	}
	if flags.Changed("alpha-kl") {
		cfg.AlphaKL = trainAlphaKL
	}
	if flags.Changed("alpha-ce") {
		cfg.AlphaCE = trainAlphaCE
	}
	if flags.Changed("threshold") {
		cfg.Threshold = trainThreshold
	}
	if flags.Changed("seed") {
		cfg.Seed = trainSeed
	}
	return cfg, nil
}

// buildBackend picks and connects the training backend. With no explicit
// --backend, a configured runtime URL selects remote, otherwise stub.
func buildBackend(ctx context.Context, cfg trainer.Config) (student.Trainable, error) {
	runtimeURL := trainRuntime
	if runtimeURL == "" {
		if s := getSettings(); s != nil {
			runtimeURL = s.Runtime
		}
	}

	backend := trainBackend
	if backend == "" {
		if runtimeURL != "" {
			backend = "remote"
		} else {
			backend = "stub"
		}
	}

	switch backend {
	case "remote":
		if runtimeURL == "" {
			return nil, fmt.Errorf("remote backend needs a runtime URL, use --runtime or settings")
		}
		printInfo("connecting to runtime %s", runtimeURL)
		return student.DialRemote(ctx, runtimeURL,
			student.WithModel(cfg.Model),
			student.WithMaxLength(cfg.MaxLength),
			student.WithLearningRate(cfg.LearningRate),
		)
	case "stub":
		printWarning("using stub backend: deterministic hash logits, no learning")
		return student.NewStub(student.WithStubSeed(cfg.Seed)), nil
	default:
		return nil, fmt.Errorf("unknown backend %q, want remote or stub", backend)
	}
}
