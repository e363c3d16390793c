package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/harunnryd/sekisho/cmd/sekisho/runtime"

	"github.com/harunnryd/sekisho/internal/scheduler"
	"github.com/harunnryd/sekisho/internal/store"

	"github.com/spf13/cobra"
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage scheduled prompts",
	Long: `List and manage scheduled prompts.

A scheduled prompt is queued as agent input for its session whenever its
cron schedule fires while the daemon is running.`,
}

var cronLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List scheduled prompts",
	RunE: func(cmd *cobra.Command, args []string) error {
		taskStore, err := openTaskStore(cmd)
		if err != nil {
			return err
		}

		tasks := taskStore.List()
		if len(tasks) == 0 {
			fmt.Println("No prompts scheduled.")
			fmt.Println("\nUse 'sekisho cron add' to schedule one.")
			return nil
		}

		sort.Slice(tasks, func(i, j int) bool { return tasks[i].NextRun.Before(tasks[j].NextRun) })

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tSESSION\tSCHEDULE\tDESCRIPTION\tNEXT RUN")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				t.ID,
				t.SessionID,
				t.Schedule,
				t.Description,
				t.NextRun.Format("2006-01-02 15:04:05"))
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}

		fmt.Printf("\nTotal: %d scheduled prompt(s)\n", len(tasks))
		return nil
	},
}

var cronAddCmd = &cobra.Command{
	Use:   "add <schedule> <prompt...>",
	Short: "Schedule a prompt",
	Long: `Schedule a prompt using a standard five-field cron expression.

Example:
  sekisho cron add "0 9 * * 1-5" --session dev "summarize overnight CI failures"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		description, _ := cmd.Flags().GetString("description")
		if sessionID == "" {
			return fmt.Errorf("--session is required")
		}

		taskStore, err := openTaskStore(cmd)
		if err != nil {
			return err
		}

		task := &scheduler.Task{
			SessionID:   sessionID,
			Schedule:    args[0],
			Description: description,
			Content:     strings.Join(args[1:], " "),
		}
		if err := taskStore.Add(task); err != nil {
			return fmt.Errorf("failed to schedule prompt: %w", err)
		}

		fmt.Printf("Scheduled %s (next run %s)\n", task.ID, task.NextRun.Format("2006-01-02 15:04:05"))
		return nil
	},
}

var cronRmCmd = &cobra.Command{
	Use:   "rm <task-id>",
	Short: "Remove a scheduled prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskStore, err := openTaskStore(cmd)
		if err != nil {
			return err
		}

		if err := taskStore.Remove(args[0]); err != nil {
			return fmt.Errorf("failed to remove prompt: %w", err)
		}

		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}

func openTaskStore(cmd *cobra.Command) (*scheduler.Store, error) {
	workspaceID := runtime.ResolveWorkspaceID(cmd)
	workspaceRootPath := ""
	if cfg != nil {
		workspaceRootPath = cfg.Daemon.WorkspacePath
	}

	schedulerDir, err := store.GetSchedulerDir(workspaceID, workspaceRootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get scheduler directory: %w", err)
	}
	if err := os.MkdirAll(schedulerDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scheduler directory: %w", err)
	}

	taskStore, err := scheduler.NewStore(filepath.Join(schedulerDir, "tasks.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}
	return taskStore, nil
}

func init() {
	cronCmd.AddCommand(cronLsCmd)
	cronCmd.AddCommand(cronAddCmd)
	cronCmd.AddCommand(cronRmCmd)
	cronCmd.PersistentFlags().StringP("workspace", "w", "", "Target workspace ID")
	cronAddCmd.Flags().StringP("session", "s", "", "Session the prompt is queued for")
	cronAddCmd.Flags().String("description", "", "Human readable description")
	rootCmd.AddCommand(cronCmd)
}
