package main

import (
	"fmt"
	"os"

	"github.com/harunnryd/sekisho/cmd/sekisho/runtime"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start Sekisho in interactive mode",
	Long: `Start a foreground checkpoint session.

Without flags this opens a local prompt: type messages or slash commands
(/approve, /deny, /mode, /status, ...) against a session of your own.
With --stdio the process instead bridges an agent stream on stdin/stdout,
answering its can_use_tool control requests with checkpoint verdicts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		stdio, _ := cmd.Flags().GetBool("stdio")

		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			if err := r.Start(); err != nil {
				return fmt.Errorf("failed to start runtime components: %w", err)
			}

			if stdio {
				bridge := runtime.NewBridge(r, os.Stdin, os.Stdout)
				return bridge.Run()
			}

			repl := runtime.NewREPL(r)
			return repl.Start()
		})
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("workspace", "w", "", "Target workspace ID")
	runCmd.Flags().Bool("stdio", false, "Bridge an agent stream over stdin/stdout instead of opening the prompt")
}
