package egress

import (
	"context"
	"log/slog"
	"time"

	"github.com/harunnryd/sekisho/internal/adapter"
	"github.com/harunnryd/sekisho/internal/egress/formatter"
	"github.com/harunnryd/sekisho/internal/permission"
)

// Publisher renders permission traffic and routes it to the session's
// chat surface. Delivery failures are logged, never propagated: a dead
// adapter must not take the permission flow down with it.
type Publisher struct {
	egress Egress
}

func NewPublisher(egress Egress) *Publisher {
	return &Publisher{egress: egress}
}

// PublishRequest announces a suspended permission request.
func (p *Publisher) PublishRequest(ctx context.Context, snap permission.Snapshot) {
	prompt := adapter.Prompt{
		Text:       formatter.PermissionPrompt(snap),
		ToolCallID: snap.ToolCallID,
	}
	if err := p.egress.SendPrompt(ctx, snap.SessionID, prompt); err != nil {
		slog.Warn("Failed to publish permission prompt",
			"session_id", snap.SessionID, "tool_call_id", snap.ToolCallID, "error", err)
	}
}

// PublishVerdict confirms a delivered verdict. Auto approvals stay
// silent; nobody wants a chat line for every Read.
func (p *Publisher) PublishVerdict(ctx context.Context, evt permission.VerdictEvent) {
	if evt.Origin == permission.OriginAuto {
		return
	}
	if err := p.egress.Send(ctx, evt.SessionID, formatter.VerdictNotice(evt)); err != nil {
		slog.Warn("Failed to publish verdict",
			"session_id", evt.SessionID, "tool_call_id", evt.ToolCallID, "error", err)
	}
}

// PublishStatus reports session permission state.
func (p *Publisher) PublishStatus(ctx context.Context, sessionID string, state permission.State, pending []permission.Snapshot) {
	if err := p.egress.Send(ctx, sessionID, formatter.StatusText(state, pending)); err != nil {
		slog.Warn("Failed to publish status", "session_id", sessionID, "error", err)
	}
}

// PublishReminder re-announces a stale pending request.
func (p *Publisher) PublishReminder(ctx context.Context, snap permission.Snapshot, age time.Duration) {
	if err := p.egress.Send(ctx, snap.SessionID, formatter.ReminderNotice(snap, age)); err != nil {
		slog.Warn("Failed to publish reminder",
			"session_id", snap.SessionID, "tool_call_id", snap.ToolCallID, "error", err)
	}
}

// PublishText sends plain text to the session's surface.
func (p *Publisher) PublishText(ctx context.Context, sessionID, text string) {
	if err := p.egress.Send(ctx, sessionID, text); err != nil {
		slog.Warn("Failed to publish message", "session_id", sessionID, "error", err)
	}
}
