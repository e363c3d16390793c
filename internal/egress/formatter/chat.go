package formatter

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/sekisho/internal/permission"
	"github.com/harunnryd/sekisho/internal/tool"
)

const (
	maxInputPreview = 600
	maxPlanPreview  = 1500
)

// PermissionPrompt renders a suspended permission request as chat text.
// Question and plan-exit tools get their own shapes; everything else is
// tool name plus input preview plus the decision commands.
func PermissionPrompt(snap permission.Snapshot) string {
	switch {
	case tool.IsQuestion(snap.ToolName):
		return questionPrompt(snap)
	case tool.IsPlanExit(snap.ToolName):
		return planPrompt(snap)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Permission required: %s\n", snap.ToolName)
	if tool.Describe(snap.ToolName).Risk == tool.RiskHigh {
		b.WriteString("⚠️ High-risk tool\n")
	}
	b.WriteString("\n")
	b.WriteString(InputPreview(snap.ToolName, snap.Input))
	fmt.Fprintf(&b, "\n\nID: %s\n", snap.ToolCallID)
	fmt.Fprintf(&b, "Reply /approve %s or /deny %s <reason>", snap.ToolCallID, snap.ToolCallID)
	return b.String()
}

func questionPrompt(snap permission.Snapshot) string {
	var b strings.Builder
	b.WriteString("The agent has a question:\n")

	for i, q := range ParseQuestions(snap.Input) {
		fmt.Fprintf(&b, "\n%d. %s\n", i+1, q.Text)
		for j, opt := range q.Options {
			fmt.Fprintf(&b, "   %d) %s\n", j+1, opt)
		}
		if q.MultiSelect {
			b.WriteString("   (multiple answers allowed, comma-separated)\n")
		}
	}

	fmt.Fprintf(&b, "\nID: %s\n", snap.ToolCallID)
	fmt.Fprintf(&b, "Reply /answer %s <your answer> or /deny %s", snap.ToolCallID, snap.ToolCallID)
	return b.String()
}

func planPrompt(snap permission.Snapshot) string {
	plan, _ := snap.Input["plan"].(string)
	plan = strings.TrimSpace(plan)
	if plan == "" {
		plan = "(no plan text)"
	}
	if len(plan) > maxPlanPreview {
		plan = plan[:maxPlanPreview] + "\n…"
	}

	var b strings.Builder
	b.WriteString("Plan review requested:\n\n")
	b.WriteString(plan)
	fmt.Fprintf(&b, "\n\nID: %s\n", snap.ToolCallID)
	fmt.Fprintf(&b, "Approve with /approve %s [default|acceptEdits] or send feedback with /deny %s <feedback>", snap.ToolCallID, snap.ToolCallID)
	return b.String()
}

// Question is one entry of a question tool's input.
type Question struct {
	Text        string
	Header      string
	Options     []string
	MultiSelect bool
}

// Key returns the identifier answers are recorded under.
func (q Question) Key() string {
	if q.Header != "" {
		return q.Header
	}
	return q.Text
}

// ParseQuestions extracts the questions array from a question tool input.
func ParseQuestions(input map[string]any) []Question {
	raw, ok := input["questions"].([]any)
	if !ok {
		return nil
	}

	questions := make([]Question, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		q := Question{}
		q.Text, _ = entry["question"].(string)
		q.Header, _ = entry["header"].(string)
		q.MultiSelect, _ = entry["multiSelect"].(bool)
		if opts, ok := entry["options"].([]any); ok {
			for _, opt := range opts {
				switch v := opt.(type) {
				case string:
					q.Options = append(q.Options, v)
				case map[string]any:
					if label, ok := v["label"].(string); ok {
						q.Options = append(q.Options, label)
					}
				}
			}
		}
		if q.Text == "" && q.Header == "" {
			continue
		}
		questions = append(questions, q)
	}
	return questions
}

// InputPreview renders a tool input compactly. Bash shows the command
// line; file tools show the path; everything else is truncated JSON.
func InputPreview(toolName string, input map[string]any) string {
	if tool.IsBash(toolName) {
		if command, ok := input["command"].(string); ok {
			preview := "$ " + command
			if desc, ok := input["description"].(string); ok && desc != "" {
				preview += "\n" + desc
			}
			return truncate(preview, maxInputPreview)
		}
	}

	if path, ok := input["file_path"].(string); ok && path != "" {
		return truncate(path, maxInputPreview)
	}

	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return truncate(string(data), maxInputPreview)
}

// VerdictNotice renders a delivered verdict as chat text.
func VerdictNotice(evt permission.VerdictEvent) string {
	name := evt.ToolName
	if name == "" {
		name = "tool"
	}

	if evt.Error != "" {
		return fmt.Sprintf("⚠️ %s: %s", name, evt.Error)
	}
	if evt.Result.Allowed() {
		return fmt.Sprintf("✅ Approved: %s", name)
	}
	if msg := strings.TrimSpace(evt.Result.Message); msg != "" {
		return fmt.Sprintf("❌ Denied: %s (%s)", name, truncate(msg, 200))
	}
	return fmt.Sprintf("❌ Denied: %s", name)
}

// StatusText renders session permission state as chat text.
func StatusText(state permission.State, pending []permission.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s\n", state.SessionID)
	fmt.Fprintf(&b, "Mode: %s\n", state.Mode)

	if len(state.AllowedTools) > 0 {
		fmt.Fprintf(&b, "Allowed tools: %s\n", strings.Join(state.AllowedTools, ", "))
	}
	if len(state.BashLiterals)+len(state.BashPrefixes) > 0 {
		fmt.Fprintf(&b, "Bash grants: %d literal, %d prefix\n", len(state.BashLiterals), len(state.BashPrefixes))
	}

	fmt.Fprintf(&b, "Pending approvals: %d", len(pending))
	for _, snap := range pending {
		age := time.Since(snap.CreatedAt).Round(time.Second)
		fmt.Fprintf(&b, "\n  %s  %s (%s)", snap.ToolCallID, snap.ToolName, age)
	}
	return b.String()
}

// ReminderNotice renders a stale-approval reminder.
func ReminderNotice(snap permission.Snapshot, age time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Still waiting on %s (%s)\n", snap.ToolName, age.Round(time.Second))
	b.WriteString(InputPreview(snap.ToolName, snap.Input))
	fmt.Fprintf(&b, "\nReply /approve %s or /deny %s", snap.ToolCallID, snap.ToolCallID)
	return b.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "…"
}
