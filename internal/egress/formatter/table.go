package formatter

import (
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/sekisho/internal/governance"
	"github.com/harunnryd/sekisho/internal/permission"
	"github.com/harunnryd/sekisho/internal/store"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
)

// TableFormatter renders governance and session state as terminal tables.
type TableFormatter struct {
	headerStyle  lipgloss.Style
	cellStyle    lipgloss.Style
	oddRowStyle  lipgloss.Style
	evenRowStyle lipgloss.Style
	borderStyle  lipgloss.Style
}

func NewTableFormatter() *TableFormatter {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")
	lightGray := lipgloss.Color("241")

	return &TableFormatter{
		headerStyle: lipgloss.NewStyle().
			Foreground(purple).
			Bold(true).
			Align(lipgloss.Center).
			Padding(0, 1),
		cellStyle: lipgloss.NewStyle().
			Padding(0, 1),
		oddRowStyle: lipgloss.NewStyle().
			Foreground(gray).
			Padding(0, 1),
		evenRowStyle: lipgloss.NewStyle().
			Foreground(lightGray).
			Padding(0, 1),
		borderStyle: lipgloss.NewStyle().
			Foreground(purple),
	}
}

func (f *TableFormatter) newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return f.headerStyle
			case row%2 == 0:
				return f.evenRowStyle
			default:
				return f.oddRowStyle
			}
		}).
		Headers(headers...)
}

// FormatApprovals renders the approval ledger.
func (f *TableFormatter) FormatApprovals(approvals []governance.Approval) string {
	if len(approvals) == 0 {
		return "No approvals recorded"
	}

	t := f.newTable("ID", "Session", "Tool", "Status", "Origin", "Age")
	for _, app := range approvals {
		t.Row(
			truncateString(app.ID, 26),
			truncateString(app.SessionID, 16),
			truncateString(app.Tool, 16),
			string(app.Status),
			string(app.Origin),
			time.Since(app.CreatedAt).Round(time.Second).String(),
		)
	}
	return t.String()
}

// FormatAudit renders audit trail entries.
func (f *TableFormatter) FormatAudit(entries []*governance.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries found"
	}

	t := f.newTable("Time", "Session", "Tool", "Verdict", "Origin", "By", "Reason")
	for _, entry := range entries {
		t.Row(
			entry.Timestamp.Format("01-02 15:04:05"),
			truncateString(entry.SessionID, 16),
			truncateString(entry.ToolName, 16),
			string(entry.Verdict),
			string(entry.Origin),
			truncateString(entry.DecidedBy, 12),
			truncateString(entry.Reason, 24),
		)
	}
	return t.String()
}

// FormatPending renders suspended permission requests.
func (f *TableFormatter) FormatPending(snaps []permission.Snapshot) string {
	if len(snaps) == 0 {
		return "No pending approvals"
	}

	t := f.newTable("ID", "Tool", "Input", "Waiting")
	for _, snap := range snaps {
		t.Row(
			truncateString(snap.ToolCallID, 26),
			truncateString(snap.ToolName, 16),
			truncateString(InputPreview(snap.ToolName, snap.Input), 40),
			time.Since(snap.CreatedAt).Round(time.Second).String(),
		)
	}
	return t.String()
}

// FormatSessions renders the session index.
func (f *TableFormatter) FormatSessions(sessions []*store.SessionMeta) string {
	if len(sessions) == 0 {
		return "No sessions found"
	}

	t := f.newTable("ID", "Title", "Status", "Mode", "Source", "Updated")
	for _, sess := range sessions {
		mode := sess.Mode
		if mode == "" {
			mode = "default"
		}
		t.Row(
			truncateString(sess.ID, 22),
			truncateString(sess.Title, 20),
			sess.Status,
			mode,
			sess.Metadata["source"],
			sess.UpdatedAt.Format("01-02 15:04"),
		)
	}
	return t.String()
}

// FormatState renders one session's permission state as a detail card.
func (f *TableFormatter) FormatState(state permission.State) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return f.headerStyle
			}
			return f.cellStyle
		})

	t.Row("Session", state.SessionID)
	t.Row("Mode", string(state.Mode))
	t.Row("Allowed tools", strings.Join(state.AllowedTools, ", "))
	t.Row("Bash literals", strings.Join(state.BashLiterals, ", "))
	t.Row("Bash prefixes", strings.Join(state.BashPrefixes, ", "))
	t.Row("Pending", fmt.Sprintf("%d", state.PendingCount))
	t.Row("Recorded calls", fmt.Sprintf("%d", state.RecordedCalls))
	t.Row("Decisions", fmt.Sprintf("%d", state.Decisions))

	return t.String()
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
