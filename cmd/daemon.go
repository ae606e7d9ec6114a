package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"elata.dev/eegd/internal/daemon"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the eegd daemon in the foreground",
	Long: `Run the eegd daemon process in the foreground.

The daemon will:
  1. Load global configuration from the config file
  2. Initialize logging and metrics
  3. Load every pipeline document found under pipelines_dir
  4. Start the HTTP control plane (pipeline lifecycle, SetParameter, SSE events, WebSocket streaming)
  5. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

func runDaemon() {
	d, err := daemon.New(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize daemon: %v\n", err)
		os.Exit(1)
	}

	if err := d.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to start daemon: %v\n", err)
		os.Exit(1)
	}

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: daemon exited with error: %v\n", err)
		os.Exit(1)
	}
}
