package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// pipelinesCmd queries a running daemon's control plane over HTTP — a thin
// CLI convenience over GET /state, replacing the teacher's UDS-based
// "otus task list".
var pipelinesCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "List pipelines known to a running eegd daemon",
	Long: `Query a running eegd daemon's control plane for the set of loaded
pipelines and their current lifecycle state.

Examples:
  eegd pipelines
  eegd pipelines --addr http://127.0.0.1:9090`,
	Run: func(cmd *cobra.Command, args []string) {
		runPipelinesCommand()
	},
}

var pipelinesAddr string

func init() {
	pipelinesCmd.Flags().StringVar(&pipelinesAddr, "addr", "http://127.0.0.1:8080",
		"eegd control-plane base URL")
}

type pipelineStateView struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Status string   `json:"status"`
	Stages []string `json:"stages"`
	Error  string   `json:"error,omitempty"`
}

func runPipelinesCommand() {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(pipelinesAddr + "/state")
	if err != nil {
		exitWithError("failed to reach daemon control plane", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		exitWithError("failed to read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Error: daemon returned %s: %s\n", resp.Status, body)
		os.Exit(1)
	}

	var states []pipelineStateView
	if err := json.Unmarshal(body, &states); err != nil {
		exitWithError("failed to parse response", err)
	}

	if len(states) == 0 {
		fmt.Println("no pipelines loaded")
		return
	}
	for _, s := range states {
		fmt.Printf("%-20s %-10s stages=%d", s.ID, s.Status, len(s.Stages))
		if s.Error != "" {
			fmt.Printf(" error=%q", s.Error)
		}
		fmt.Println()
	}
}
