package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"elata.dev/eegd/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a pipeline configuration file",
	Long: `Validate a pipeline configuration file (JSON or YAML) without loading it
into a running daemon.

File format is auto-detected from extension (.json, .yaml, .yml).

Examples:
  eegd validate -f pipeline.json
  eegd validate -f pipeline.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		runValidateCommand()
	},
}

var validateConfigFile string

func init() {
	validateCmd.Flags().StringVarP(&validateConfigFile, "file", "f", "",
		"pipeline configuration file to validate (required)")
	validateCmd.MarkFlagRequired("file")
}

func runValidateCommand() {
	data, err := os.ReadFile(validateConfigFile)
	if err != nil {
		exitWithError(fmt.Sprintf("failed to read file %s", validateConfigFile), err)
	}

	pc, err := config.ParsePipelineConfigAuto(data, validateConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("VALID: pipeline %q — %d stage(s), %d connection(s), %d pool(s)\n",
		pc.ID,
		len(pc.Stages),
		len(pc.Connections),
		len(pc.Pools),
	)
}
