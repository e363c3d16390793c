package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Settle a pending permission request on the running daemon",
}

var decideApproveCmd = &cobra.Command{
	Use:   "approve <tool-call-id>",
	Short: "Approve a pending tool call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postDecision(cmd, args[0], true)
	},
}

var decideDenyCmd = &cobra.Command{
	Use:   "deny <tool-call-id>",
	Short: "Deny a pending tool call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postDecision(cmd, args[0], false)
	},
}

func postDecision(cmd *cobra.Command, toolCallID string, approved bool) error {
	reason, _ := cmd.Flags().GetString("reason")
	sessionID, _ := cmd.Flags().GetString("session")
	allowTools, _ := cmd.Flags().GetStringSlice("allow-tools")
	mode, _ := cmd.Flags().GetString("mode")

	payload := map[string]any{
		"id":       toolCallID,
		"approved": approved,
		"source":   "cli",
	}
	if reason = strings.TrimSpace(reason); reason != "" {
		payload["reason"] = reason
	}
	if sessionID != "" {
		payload["session_id"] = sessionID
	}
	if len(allowTools) > 0 {
		payload["allowTools"] = allowTools
	}
	if mode != "" {
		payload["mode"] = mode
	}

	body, err := daemonPost("/api/v1/decisions", payload)
	if err != nil {
		return err
	}

	verb := "Denied"
	if approved {
		verb = "Approved"
	}
	fmt.Printf("%s %s\n", verb, toolCallID)
	if body != "" {
		fmt.Println(body)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(decideCmd)
	decideCmd.AddCommand(decideApproveCmd)
	decideCmd.AddCommand(decideDenyCmd)

	for _, c := range []*cobra.Command{decideApproveCmd, decideDenyCmd} {
		c.Flags().String("reason", "", "Reason recorded with the decision")
		c.Flags().String("session", "", "Session holding the request (usually found automatically)")
		c.Flags().StringSlice("allow-tools", nil, "Tool grants to persist alongside an approval")
		c.Flags().String("mode", "", "Permission mode to switch the session to")
	}
}
