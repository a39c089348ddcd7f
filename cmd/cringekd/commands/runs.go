package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"cringekd/pkg/cli"
	"cringekd/pkg/runstore"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Browse the local training run registry",
	Long: `Browse the training runs recorded under ~/.cringekd/runs.

Every train invocation writes a record with its hyperparameters,
per-epoch losses, and final evaluation summary.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the full record of one run",
	Long: `Show one run record: hyperparameters, per-epoch losses, and the
final evaluation summary.

Example:
  cringekd runs show run_1a2b3c4d
  cringekd runs show run_1a2b3c4d --jq .macro_f1`,
	Args: cobra.ExactArgs(1),
	RunE: runRunsShow,
}

var runsRmCmd = &cobra.Command{
	Use:   "rm <run-id>...",
	Short: "Delete run records",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRunsRm,
}

func init() {
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsRmCmd)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openRunStore()
	if err != nil {
		return err
	}
	defer closeStore()

	runs, err := store.List(cmd.Context())
	if err != nil {
		return err
	}

	if outputFile != "" || outputJSON || jqExpr != "" {
		return outputResult(runs, outputFile, outputJSON)
	}

	if len(runs) == 0 {
		printInfo("no runs recorded")
		return nil
	}

	table := cli.Table{
		Styles:  cli.NewStyles(cli.DefaultTheme),
		Headers: []string{"RUN ID", "STATUS", "CREATED", "EPOCHS", "BEST", "VAL LOSS", "MACRO F1"},
	}
	for _, run := range runs {
		row := []string{
			run.ID,
			string(run.Status),
			run.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			strconv.Itoa(len(run.Epochs)),
			"",
			"",
			"",
		}
		if run.BestEpoch > 0 {
			row[4] = strconv.Itoa(run.BestEpoch)
			row[5] = cli.FormatProb(run.ValLoss)
		}
		if run.Status == runstore.StatusCompleted {
			row[6] = cli.FormatProb(run.MacroF1)
		}
		table.Rows = append(table.Rows, row)
	}
	fmt.Println(table.Render())
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openRunStore()
	if err != nil {
		return err
	}
	defer closeStore()

	run, err := store.Get(cmd.Context(), args[0])
	if errors.Is(err, runstore.ErrNotFound) {
		return fmt.Errorf("run %s not found, try 'cringekd runs list'", args[0])
	}
	if err != nil {
		return err
	}
	return outputResult(run, outputFile, outputJSON)
}

func runRunsRm(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openRunStore()
	if err != nil {
		return err
	}
	defer closeStore()

	for _, id := range args {
		if err := store.Delete(cmd.Context(), id); err != nil {
			if errors.Is(err, runstore.ErrNotFound) {
				printError("run %s not found", id)
				continue
			}
			return err
		}
		printSuccess("deleted %s", id)
	}
	return nil
}
