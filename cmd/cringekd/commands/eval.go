package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"cringekd/pkg/cli"
	"cringekd/pkg/dataset"
	"cringekd/pkg/distill"
	"cringekd/pkg/labelset"
	"cringekd/pkg/metrics"
	"cringekd/pkg/student"
)

var (
	evalDataPath  string
	evalModelPath string
	evalThreshold float64
	evalBatchSize int
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate a student model on a labeled dataset",
	Long: `Score a dataset with a student model and report per-label precision,
recall, F1 and support, plus macro and micro averages.

Ground truth per label is the human annotation when present, otherwise
the teacher probability thresholded at --threshold.

--model loads an exported ONNX artifact; it must embed its tokenizer
(string input), the layout the export pipeline produces. Without
--model the deterministic stub backend is scored, which is only useful
for exercising the pipeline.

Example:
  cringekd eval --data data/val.jsonl --model student_ckpt/model.onnx`,
	RunE: runEval,
}

func init() {
	evalCmd.Flags().StringVar(&evalDataPath, "data", "", "evaluation dataset path within the store")
	evalCmd.Flags().StringVar(&evalModelPath, "model", "", "exported ONNX model path")
	evalCmd.Flags().Float64Var(&evalThreshold, "threshold", 0.5, "probability threshold for positive predictions")
	evalCmd.Flags().IntVar(&evalBatchSize, "batch-size", 32, "inference batch size")
	evalCmd.MarkFlagRequired("data")
}

func runEval(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	files, err := resolveStore()
	if err != nil {
		return err
	}

	ds, err := dataset.Load(ctx, files, evalDataPath)
	if err != nil {
		return err
	}
	if ds.Len() == 0 {
		return fmt.Errorf("dataset %s has no records", evalDataPath)
	}

	var model student.Student
	if evalModelPath != "" {
		model, err = student.LoadONNX(evalModelPath)
		if err != nil {
			return err
		}
	} else {
		printWarning("no --model given, scoring the deterministic stub backend")
		model = student.NewStub()
	}
	defer model.Close()

	probs := make([][]float64, 0, ds.Len())
	for batch := range ds.Batches(evalBatchSize) {
		logits, err := model.Forward(ctx, batch.Texts)
		if err != nil {
			return fmt.Errorf("inference failed: %w", err)
		}
		for _, row := range logits {
			p := make([]float64, len(row))
			for i, z := range row {
				p[i] = distill.Sigmoid(z)
			}
			probs = append(probs, p)
		}
	}

	report, err := metrics.Evaluate(labelset.Names(), probs, ds.GroundTruth(evalThreshold), evalThreshold)
	if err != nil {
		return err
	}

	if outputFile == "" && !outputJSON && jqExpr == "" {
		renderReport(report)
		return nil
	}
	return outputResult(report, outputFile, outputJSON)
}

// renderReport prints the per-label table and averages to the terminal.
func renderReport(report *metrics.Report) {
	table := cli.Table{
		Styles:  cli.NewStyles(cli.DefaultTheme),
		Headers: []string{"LABEL", "PRECISION", "RECALL", "F1", "SUPPORT"},
	}
	for _, name := range labelset.Names() {
		lm := report.PerLabel[name]
		table.Rows = append(table.Rows, []string{
			name,
			cli.FormatProb(lm.Precision),
			cli.FormatProb(lm.Recall),
			cli.FormatProb(lm.F1),
			strconv.Itoa(lm.Support),
		})
	}
	fmt.Println(table.Render())
	fmt.Println()
	fmt.Printf("macro  precision %s  recall %s  f1 %s\n",
		cli.FormatProb(report.Precision), cli.FormatProb(report.Recall), cli.FormatProb(report.MacroF1))
	fmt.Printf("micro  precision %s  recall %s  f1 %s\n",
		cli.FormatProb(report.Micro.Precision), cli.FormatProb(report.Micro.Recall), cli.FormatProb(report.Micro.F1))
	fmt.Printf("%d examples at threshold %s\n", report.Examples, cli.FormatProb(report.Threshold))
}
