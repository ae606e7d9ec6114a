// Package cmd implements CLI commands using the cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "eegd",
	Short: "eegd - EEG acquisition and streaming daemon",
	Long: `eegd is an edge daemon that acquires EEG samples from an ADS1299-family
acquisition front end, runs them through a configurable pipeline of scaling,
filtering, and spectral analysis stages, and streams the results to
WebSocket subscribers and/or CSV recordings.

Features:
  - Declarative pipeline graphs (JSON/YAML), hot-reconfigurable via HTTP
  - Bounded, policy-driven backpressure between stages
  - Live WebSocket streaming with per-topic subscriptions
  - Gated recording lock protecting sample-rate/channel changes mid-recording`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/eegd/config.yml",
		"config file path")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(pipelinesCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
