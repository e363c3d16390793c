package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/sekisho/internal/config"
	"github.com/harunnryd/sekisho/internal/logger"
)

// Engine ties the approval ledger and the audit trail to the configured
// standing policy. One engine serves a workspace; session-level state
// (modes, runtime grants) lives elsewhere.
type Engine struct {
	cfg    config.GovernanceConfig
	audit  AuditLogger
	ledger *Ledger

	idempotencyTTL time.Duration
}

func NewEngine(cfg config.GovernanceConfig, workspaceID string, workspaceRootPath string) (*Engine, error) {
	policy := &AuditPolicy{
		Enabled:        cfg.AuditEnabled,
		RedactPatterns: cfg.RedactPatterns,
	}

	audit, err := NewAuditLogger(workspaceID, workspaceRootPath, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to init audit logger: %w", err)
	}

	ledger, err := OpenLedger(workspaceID, workspaceRootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open approval ledger: %w", err)
	}

	ttl, err := config.DurationOrDefault(cfg.IdempotencyTTL, config.DefaultGovernanceIdempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("invalid governance.idempotency_ttl: %w", err)
	}

	return &Engine{
		cfg:            cfg,
		audit:          audit,
		ledger:         ledger,
		idempotencyTTL: ttl,
	}, nil
}

// SeedGrants returns the configured standing grants in allowTools form:
// plain tool names from auto_allow plus Bash prefix grants.
func (e *Engine) SeedGrants() []string {
	grants := make([]string, 0, len(e.cfg.AutoAllow)+len(e.cfg.BashPrefixes))
	grants = append(grants, e.cfg.AutoAllow...)
	for _, prefix := range e.cfg.BashPrefixes {
		grants = append(grants, fmt.Sprintf("Bash(%s:*)", prefix))
	}
	return grants
}

// RecordPending persists a suspended permission request to the approval
// ledger. Failures are logged, not returned: bookkeeping must never block
// the permission flow.
func (e *Engine) RecordPending(ctx context.Context, sessionID, toolCallID, toolName string, input map[string]any) {
	raw, err := json.Marshal(input)
	if err != nil {
		slog.Warn("Failed to encode pending approval input", "tool_call_id", toolCallID, "error", err)
		raw = nil
	}
	if err := e.ledger.RecordPending(toolCallID, sessionID, toolName, raw); err != nil {
		slog.Warn("Failed to record pending approval", "tool_call_id", toolCallID, "error", err)
	}
}

// VerdictRecord is one delivered verdict for the ledger and audit trail.
type VerdictRecord struct {
	SessionID  string
	ToolCallID string
	ToolName   string
	Verdict    Verdict
	Origin     Origin
	Channel    string
	DecidedBy  string
	Reason     string
	Input      map[string]any
	Elapsed    time.Duration
	Error      string
}

// RecordVerdict settles the ledger entry (when one exists) and appends an
// audit line. Auto verdicts fire before any tool call is correlated, so
// they carry no tool-call id and skip the ledger.
func (e *Engine) RecordVerdict(ctx context.Context, rec VerdictRecord) {
	if rec.ToolCallID != "" {
		err := e.ledger.RecordVerdict(rec.ToolCallID, rec.SessionID, rec.ToolName,
			rec.Verdict, rec.Origin, rec.DecidedBy, rec.Reason)
		if err != nil {
			slog.Warn("Failed to settle approval", "tool_call_id", rec.ToolCallID, "error", err)
		}
	}

	var raw json.RawMessage
	if rec.Input != nil {
		if data, err := json.Marshal(rec.Input); err == nil {
			raw = data
		}
	}

	entry := &AuditEntry{
		Timestamp:  time.Now(),
		TraceID:    logger.GetTraceID(ctx),
		SessionID:  rec.SessionID,
		ToolCallID: rec.ToolCallID,
		ToolName:   rec.ToolName,
		Verdict:    rec.Verdict,
		Origin:     rec.Origin,
		Channel:    rec.Channel,
		DecidedBy:  rec.DecidedBy,
		Reason:     rec.Reason,
		Input:      raw,
		Elapsed:    rec.Elapsed,
		Error:      rec.Error,
	}
	if err := e.audit.Log(ctx, entry); err != nil {
		slog.Warn("Failed to append audit entry", "tool_call_id", rec.ToolCallID, "error", err)
	}
}

// Audit exposes the audit trail for queries.
func (e *Engine) Audit() AuditLogger {
	return e.audit
}

// Approvals exposes the approval ledger.
func (e *Engine) Approvals() *Ledger {
	return e.ledger
}

// IdempotencyTTL returns how long processed event keys are remembered.
func (e *Engine) IdempotencyTTL() time.Duration {
	return e.idempotencyTTL
}
