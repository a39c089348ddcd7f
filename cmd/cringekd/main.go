// Package main provides the cringekd CLI tool.
//
// Usage:
//
//	cringekd [flags] <command> [args]
//
// Commands:
//
//	train   - Distill the teacher's soft labels into a student classifier
//	eval    - Evaluate a student model on a labeled dataset
//	dataset - Inspect and validate JSONL datasets (stats, check)
//	runs    - Browse the local training run registry (list, show, rm)
//
// Configuration:
//
//	Per-user state lives in ~/.cringekd/: config.yaml holds default flag
//	values (store URL, runtime URL) and runs/ holds the run registry.
package main

import (
	"fmt"
	"os"

	"cringekd/cmd/cringekd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
