package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/sekisho/cmd/sekisho/runtime"
	"github.com/harunnryd/sekisho/internal/config"
	"github.com/harunnryd/sekisho/internal/egress/formatter"
	"github.com/harunnryd/sekisho/internal/governance"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage workspace approval policy",
	Long:  `Manage the standing approval policy: tools and Bash prefixes granted without asking, and the durable approval ledger.`,
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective approval policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		loadedCfg, err := loadConfigForCommand(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("=== Workspace Policy ===")
		fmt.Printf("Default Mode:     %s\n", loadedCfg.Permission.DefaultMode)
		fmt.Printf("Auto-Allow Tools: %v\n", loadedCfg.Governance.AutoAllow)
		fmt.Printf("Bash Prefixes:    %v\n", loadedCfg.Governance.BashPrefixes)
		fmt.Printf("Audit Enabled:    %v\n", loadedCfg.Governance.AuditEnabled)
		fmt.Printf("Idempotency TTL:  %s\n", loadedCfg.Governance.IdempotencyTTL)
		return nil
	},
}

var policyAllowCmd = &cobra.Command{
	Use:   "allow <tool-or-prefix>",
	Short: "Grant a tool or Bash prefix without asking",
	Long: `Add a standing grant to the workspace policy.

Without flags the argument is a tool name added to auto_allow. With
--bash it is treated as a command prefix: 'sekisho policy allow --bash
"git status"' approves every Bash command starting with that text.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		grant := strings.TrimSpace(args[0])
		asBash, _ := cmd.Flags().GetBool("bash")
		if grant == "" {
			return fmt.Errorf("grant must not be empty")
		}

		configPath, err := resolvePolicyConfigPath(cmd)
		if err != nil {
			return fmt.Errorf("failed to resolve config path: %w", err)
		}

		loadedCfg, err := loadConfigForCommand(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		gov := loadedCfg.Governance
		if asBash {
			if containsGrant(gov.BashPrefixes, grant) {
				fmt.Printf("Bash prefix already granted: %s\n", grant)
				return nil
			}
			gov.BashPrefixes = append(gov.BashPrefixes, grant)
		} else {
			if containsGrant(gov.AutoAllow, grant) {
				fmt.Printf("Tool already granted: %s\n", grant)
				return nil
			}
			gov.AutoAllow = append(gov.AutoAllow, grant)
		}

		if err := savePolicyConfig(configPath, gov); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if asBash {
			fmt.Printf("✓ Bash prefix granted: %s\n", grant)
		} else {
			fmt.Printf("✓ Tool granted: %s\n", grant)
		}
		fmt.Println("Running sessions pick this up on their next reset or restart.")
		return nil
	},
}

var policyRevokeCmd = &cobra.Command{
	Use:   "revoke <tool-or-prefix>",
	Short: "Remove a standing grant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		grant := strings.TrimSpace(args[0])

		configPath, err := resolvePolicyConfigPath(cmd)
		if err != nil {
			return fmt.Errorf("failed to resolve config path: %w", err)
		}

		loadedCfg, err := loadConfigForCommand(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		gov := loadedCfg.Governance
		before := len(gov.AutoAllow) + len(gov.BashPrefixes)
		gov.AutoAllow = removeGrant(gov.AutoAllow, grant)
		gov.BashPrefixes = removeGrant(gov.BashPrefixes, grant)
		if len(gov.AutoAllow)+len(gov.BashPrefixes) == before {
			return fmt.Errorf("no standing grant named %q", grant)
		}

		if err := savePolicyConfig(configPath, gov); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("✓ Grant revoked: %s\n", grant)
		return nil
	},
}

var policyApprovalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List recorded approvals",
	Long:  `List the durable approval ledger: requests still pending plus settled grants and denials.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workspaceID := runtime.ResolveWorkspaceID(cmd)

		loadedCfg, err := loadConfigForCommand(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ledger, err := governance.OpenLedger(workspaceID, loadedCfg.Daemon.WorkspacePath)
		if err != nil {
			return fmt.Errorf("failed to open approval ledger: %w", err)
		}

		status, _ := cmd.Flags().GetString("status")
		var approvals []governance.Approval
		if status != "" {
			approvals = ledger.List(governance.ApprovalStatus(strings.ToUpper(status)))
		} else {
			approvals = ledger.List()
		}

		fmt.Println(formatter.NewTableFormatter().FormatApprovals(approvals))
		return nil
	},
}

func containsGrant(grants []string, grant string) bool {
	for _, g := range grants {
		if g == grant {
			return true
		}
	}
	return false
}

func removeGrant(grants []string, grant string) []string {
	out := grants[:0]
	for _, g := range grants {
		if g != grant {
			out = append(out, g)
		}
	}
	return out
}

// savePolicyConfig rewrites only the governance section, keeping whatever
// else the file holds.
func savePolicyConfig(configPath string, gov config.GovernanceConfig) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	cfgData := map[string]interface{}{}
	if data, err := os.ReadFile(configPath); err == nil && len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfgData); err != nil {
			return err
		}
	}

	section := map[string]interface{}{
		"auto_allow":    gov.AutoAllow,
		"bash_prefixes": gov.BashPrefixes,
		"audit_enabled": gov.AuditEnabled,
	}
	if gov.IdempotencyTTL != "" {
		section["idempotency_ttl"] = gov.IdempotencyTTL
	}
	if len(gov.RedactPatterns) > 0 {
		section["redact_patterns"] = gov.RedactPatterns
	}
	cfgData["governance"] = section

	data, err := yaml.Marshal(cfgData)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}

func resolvePolicyConfigPath(cmd *cobra.Command) (string, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return "", err
	}

	if configPath != "" {
		return configPath, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(home, ".sekisho", "config.yaml"), nil
}

func init() {
	policyAllowCmd.Flags().Bool("bash", false, "Treat the argument as a Bash command prefix")
	policyApprovalsCmd.Flags().String("status", "", "Filter by status (pending, granted, denied)")
	policyApprovalsCmd.Flags().StringP("workspace", "w", "", "Target workspace ID")

	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyAllowCmd)
	policyCmd.AddCommand(policyRevokeCmd)
	policyCmd.AddCommand(policyApprovalsCmd)
	rootCmd.AddCommand(policyCmd)
}
