package main

import (
	"encoding/json"
	"fmt"

	"github.com/harunnryd/sekisho/internal/ingress"

	"github.com/spf13/cobra"
)

var signalCmd = &cobra.Command{
	Use:   "signal <event>",
	Short: "Send a lifecycle signal to a session on the running daemon",
	Long: `Send a lifecycle signal to a session on the running daemon.

'restart' tells the checkpoint the agent stream was restarted: every
permission check suspended on the old stream is rejected and session
grants are reseeded from workspace policy. Any other event name is
delivered as a plain system event.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		if sessionID == "" {
			return fmt.Errorf("--session is required")
		}

		event := args[0]
		payload := map[string]any{
			"source":     "cli",
			"type":       string(ingress.TypeSystemEvent),
			"session_id": sessionID,
			"content":    event,
		}

		if event == "restart" {
			frame, err := json.Marshal(map[string]string{
				"type":       "system",
				"subtype":    "init",
				"session_id": sessionID,
			})
			if err != nil {
				return fmt.Errorf("encode restart frame: %w", err)
			}
			payload["type"] = string(ingress.TypeAgentEnvelope)
			payload["content"] = string(frame)
		}

		body, err := daemonPost("/api/v1/events", payload)
		if err != nil {
			return err
		}

		fmt.Printf("Signalled %s to session %s\n", event, sessionID)
		if body != "" {
			fmt.Println(body)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(signalCmd)
	signalCmd.Flags().StringP("session", "s", "", "Target session ID")
}
