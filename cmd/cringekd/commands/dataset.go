package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"cringekd/pkg/cli"
	"cringekd/pkg/dataset"
)

var (
	statsThreshold float64
)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Inspect and validate JSONL datasets",
	Long: `Inspect and validate teacher-scored JSONL datasets.

Each line is one record: a post text, teacher label probabilities, and
optional human annotations.`,
}

var datasetStatsCmd = &cobra.Command{
	Use:   "stats <path>",
	Short: "Summarize a dataset",
	Long: `Summarize a dataset: record counts and per-label teacher probability
means and positive counts.

Example:
  cringekd dataset stats data/train.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runDatasetStats,
}

var datasetCheckCmd = &cobra.Command{
	Use:   "check <path>",
	Short: "Validate a dataset line by line",
	Long: `Validate every line of a dataset and report problems with line
numbers: malformed JSON, wrong field types, probabilities outside
[0,1], and label names outside the schema.

The command exits non-zero when any problem is found, so it can gate a
data pipeline.

Example:
  cringekd dataset check data/train.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runDatasetCheck,
}

func init() {
	datasetStatsCmd.Flags().Float64Var(&statsThreshold, "threshold", 0.5, "probability threshold for counting teacher positives")

	datasetCmd.AddCommand(datasetStatsCmd)
	datasetCmd.AddCommand(datasetCheckCmd)
}

func runDatasetStats(cmd *cobra.Command, args []string) error {
	path := args[0]

	files, err := resolveStore()
	if err != nil {
		return err
	}

	ds, err := dataset.Load(cmd.Context(), files, path)
	if err != nil {
		return err
	}
	stats := ds.Stats(statsThreshold)

	if outputFile == "" && !outputJSON && jqExpr == "" {
		renderStats(path, stats)
		return nil
	}
	return outputResult(stats, outputFile, outputJSON)
}

// renderStats prints the dataset summary and per-label table.
func renderStats(path string, stats dataset.Stats) {
	fmt.Printf("%s: %d records, %d with human labels, %d with empty text\n\n",
		path, stats.Records, stats.WithHumanLabels, stats.EmptyText)

	table := cli.Table{
		Styles:  cli.NewStyles(cli.DefaultTheme),
		Headers: []string{"LABEL", "MEAN PROB", "TEACHER+", "HUMAN+"},
	}
	for _, ls := range stats.Labels {
		table.Rows = append(table.Rows, []string{
			ls.Name,
			cli.FormatProb(ls.MeanTeacherProb),
			strconv.Itoa(ls.TeacherPositive),
			strconv.Itoa(ls.HumanPositive),
		})
	}
	fmt.Println(table.Render())
}

func runDatasetCheck(cmd *cobra.Command, args []string) error {
	path := args[0]

	files, err := resolveStore()
	if err != nil {
		return err
	}

	rc, err := files.Read(cmd.Context(), path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer rc.Close()

	checked, findings, err := dataset.Check(rc)
	if err != nil {
		return err
	}

	if outputFile != "" || outputJSON || jqExpr != "" {
		result := struct {
			Checked  int               `json:"checked" yaml:"checked"`
			Findings []dataset.Finding `json:"findings" yaml:"findings"`
		}{checked, findings}
		if err := outputResult(result, outputFile, outputJSON); err != nil {
			return err
		}
	} else {
		for _, f := range findings {
			printError("line %d: %s", f.Line, f.Message)
		}
	}

	if len(findings) > 0 {
		return fmt.Errorf("%d problem(s) in %d records", len(findings), checked)
	}
	printSuccess("no problems found in %d records", checked)
	return nil
}
