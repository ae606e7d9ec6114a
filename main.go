// Package main is the entry point for the eegd EEG acquisition daemon.
package main

import (
	"fmt"
	"os"

	"elata.dev/eegd/cmd"
	_ "elata.dev/eegd/internal/stages" // registers built-in pipeline stage types
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
