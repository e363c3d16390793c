package governance

import (
	"encoding/json"
	"time"
)

// Verdict is the terminal outcome of a permission request as the audit
// trail records it.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
	VerdictError Verdict = "error"
)

// Origin records who produced a verdict.
type Origin string

const (
	OriginAuto     Origin = "auto"     // grant, allowlist, or mode
	OriginDecision Origin = "decision" // explicit human decision
	OriginReset    Origin = "reset"    // session reset rejected the request
)

// AuditPolicy controls the audit trail. RedactPatterns are regular
// expressions (or literal strings) scrubbed from recorded inputs.
type AuditPolicy struct {
	Enabled        bool
	RedactPatterns []string
}

// AuditEntry is one line of governance/audit.log.
type AuditEntry struct {
	Timestamp  time.Time       `json:"ts"`
	TraceID    string          `json:"trace_id,omitempty"`
	SessionID  string          `json:"session_id"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name"`
	Verdict    Verdict         `json:"verdict"`
	Origin     Origin          `json:"origin"`
	Channel    string          `json:"channel,omitempty"`
	DecidedBy  string          `json:"decided_by,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Elapsed    time.Duration   `json:"elapsed_ns,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// AuditFilter narrows a Query. Zero fields match everything.
type AuditFilter struct {
	SessionID string
	ToolName  string
	Verdict   Verdict
	Origin    Origin
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}
