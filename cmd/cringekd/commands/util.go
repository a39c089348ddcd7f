package commands

import (
	"fmt"

	"cringekd/pkg/cli"
	"cringekd/pkg/kv"
	"cringekd/pkg/runstore"
	"cringekd/pkg/storage"
)

// outputResult writes a result to stdout or a file, honoring the global
// --json and --jq flags.
func outputResult(result any, path string, asJSON bool) error {
	if jqExpr != "" {
		projected, err := cli.Project(result, jqExpr)
		if err != nil {
			return err
		}
		result = projected
	}
	format := cli.FormatYAML
	if asJSON {
		format = cli.FormatJSON
	}
	return cli.Output(result, cli.OutputOptions{Format: format, File: path})
}

// resolveStore builds the dataset/artifact store from --store or settings.
// An empty spec means the local filesystem with paths taken as given.
func resolveStore() (storage.FileStore, error) {
	spec := storeURL
	if spec == "" {
		if s := getSettings(); s != nil {
			spec = s.Store
		}
	}
	return storage.FromURL(spec)
}

// openRunStore opens the local run registry under ~/.cringekd/runs (or the
// directory from settings). The returned func releases the database lock.
func openRunStore() (*runstore.Store, func(), error) {
	dir := ""
	if s := getSettings(); s != nil {
		dir = s.RunsDir
	}
	if dir == "" {
		paths, err := cli.NewPaths()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to locate runs directory: %w", err)
		}
		if err := paths.EnsureRunsDir(); err != nil {
			return nil, nil, err
		}
		dir = paths.RunsDir()
	}
	db, err := kv.NewBadger(kv.BadgerOptions{Dir: dir})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open run registry: %w", err)
	}
	return runstore.New(db), func() { _ = db.Close() }, nil
}

// printError prints an error message to stderr
func printError(format string, args ...any) {
	cli.PrintError(format, args...)
}

// printSuccess prints a success message
func printSuccess(format string, args ...any) {
	cli.PrintSuccess(format, args...)
}

// printInfo prints an info message
func printInfo(format string, args ...any) {
	cli.PrintInfo(format, args...)
}

// printWarning prints a warning message
func printWarning(format string, args ...any) {
	cli.PrintWarning(format, args...)
}
