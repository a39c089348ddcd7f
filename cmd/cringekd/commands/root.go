package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"cringekd/pkg/cli"
)

const appName = "cringekd"

var (
	// Global flags
	settingsFile string
	storeURL     string
	outputFile   string
	outputJSON   bool
	jqExpr       string
	logLevel     string

	// Global settings
	globalSettings *cli.Settings
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cringekd",
	Short: "Knowledge distillation for the cringe post classifier",
	Long: `cringekd - Distill a large teacher model's soft labels into a compact
multi-label classifier for scoring posts across 15 cringe dimensions.

Datasets are JSONL files of teacher-scored posts, read from the local
filesystem or S3. Training delegates tensor work to a runtime sidecar
over websocket; a deterministic stub backend covers dry runs. Every
training run is recorded in a local registry.

Default flag values are read from ~/.cringekd/config.yaml.

Examples:
  # Dry-run the pipeline without a GPU runtime
  cringekd train --train data/train.jsonl --val data/val.jsonl --backend stub

  # Real training against a runtime sidecar
  cringekd train -f train.yaml --runtime ws://localhost:9090/train

  # Evaluate an exported model
  cringekd eval --data data/val.jsonl --model student_ckpt/model.onnx

  # Inspect a dataset and browse past runs
  cringekd dataset stats data/train.jsonl
  cringekd runs list
  cringekd runs show run_1a2b3c4d --jq .macro_f1
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initSettings)

	// Global persistent flags
	rootCmd.PersistentFlags().StringVar(&settingsFile, "settings", "", "settings file (default is ~/.cringekd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&storeURL, "store", "", "dataset/artifact store: empty for local filesystem, or s3://bucket/prefix")
	rootCmd.PersistentFlags().StringVarP(&outputFile, "output", "o", "", "output file (default: stdout)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output as JSON (for piping)")
	rootCmd.PersistentFlags().StringVar(&jqExpr, "jq", "", "project results through a jq expression")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	// Add subcommands
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(evalCmd)
	rootCmd.AddCommand(datasetCmd)
	rootCmd.AddCommand(runsCmd)
}

func initSettings() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(logLevel),
	})))

	var err error
	if settingsFile != "" {
		globalSettings, err = cli.LoadSettingsFromPath(settingsFile)
	} else {
		globalSettings, err = cli.LoadSettings()
	}
	if err != nil {
		// Warn but don't exit; every flag still works without settings.
		fmt.Fprintf(os.Stderr, "Warning: %s settings: %v\n", appName, err)
	}
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "Warning: unknown log level %q, using info\n", s)
		return slog.LevelInfo
	}
}

// getSettings returns the global settings, which may be nil if loading failed
func getSettings() *cli.Settings {
	return globalSettings
}
