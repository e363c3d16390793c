package main

import (
	"fmt"
	"time"

	"github.com/harunnryd/sekisho/cmd/sekisho/runtime"
	"github.com/harunnryd/sekisho/internal/egress/formatter"
	"github.com/harunnryd/sekisho/internal/governance"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the permission audit trail",
	Long: `Query the append-only audit trail of permission verdicts.

Every allow, deny and reset is recorded with the session, tool name,
origin (auto, decision, reset) and the deciding human when there was
one. Filters narrow the output; the newest entries come last.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workspaceID := runtime.ResolveWorkspaceID(cmd)

		loadedCfg, err := loadConfigForCommand(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger, err := governance.NewAuditLogger(workspaceID, loadedCfg.Daemon.WorkspacePath, &governance.AuditPolicy{
			Enabled:        true,
			RedactPatterns: loadedCfg.Governance.RedactPatterns,
		})
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}

		filter, err := auditFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		entries, err := logger.Query(cmd.Context(), filter)
		if err != nil {
			return fmt.Errorf("audit query failed: %w", err)
		}

		fmt.Println(formatter.NewTableFormatter().FormatAudit(entries))
		return nil
	},
}

func auditFilterFromFlags(cmd *cobra.Command) (*governance.AuditFilter, error) {
	sessionID, _ := cmd.Flags().GetString("session")
	toolName, _ := cmd.Flags().GetString("tool")
	verdict, _ := cmd.Flags().GetString("verdict")
	origin, _ := cmd.Flags().GetString("origin")
	since, _ := cmd.Flags().GetString("since")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := &governance.AuditFilter{
		SessionID: sessionID,
		ToolName:  toolName,
		Verdict:   governance.Verdict(verdict),
		Origin:    governance.Origin(origin),
		Limit:     limit,
	}

	if since != "" {
		d, err := time.ParseDuration(since)
		if err != nil {
			return nil, fmt.Errorf("invalid --since duration %q: %w", since, err)
		}
		filter.StartTime = time.Now().Add(-d)
	}

	return filter, nil
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().StringP("workspace", "w", "", "Target workspace ID")
	auditCmd.Flags().String("session", "", "Filter by session ID")
	auditCmd.Flags().String("tool", "", "Filter by tool name")
	auditCmd.Flags().String("verdict", "", "Filter by verdict (allow, deny, error)")
	auditCmd.Flags().String("origin", "", "Filter by origin (auto, decision, reset)")
	auditCmd.Flags().String("since", "", "Only entries newer than this duration (e.g. 24h)")
	auditCmd.Flags().IntP("limit", "n", 50, "Maximum entries to show")
}
