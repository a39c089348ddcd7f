// Package cli provides shared helpers for the cringekd command line.
//
// This package includes:
//   - Per-user settings (~/.cringekd/config.yaml)
//   - Output formatting (YAML, JSON, raw)
//   - Config and request file loading (YAML/JSON)
//   - Table rendering and jq projections for reports and run records
//
// Per-user state lives under ~/.cringekd/: config.yaml holds default
// flag values and runs/ holds the run registry database.
//
// Example usage:
//
//	settings, err := cli.LoadSettings()
//
//	// Project and print a result
//	v, err := cli.Project(report, ".macro_f1")
//	cli.Output(v, cli.OutputOptions{Format: cli.FormatJSON})
package cli
