package governance

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestAuditLoggerAppendsEntries(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	logger, err := NewAuditLogger("ws-audit-append", "", &AuditPolicy{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}

	ctx := context.Background()
	if err := logger.Log(ctx, &AuditEntry{
		SessionID:  "sess-1",
		ToolCallID: "tc_1",
		ToolName:   "Bash",
		Verdict:    VerdictAllow,
		Origin:     OriginDecision,
		Input:      json.RawMessage(`{"command":"ls"}`),
	}); err != nil {
		t.Fatalf("first Log failed: %v", err)
	}

	if err := logger.Log(ctx, &AuditEntry{
		SessionID:  "sess-1",
		ToolCallID: "tc_2",
		ToolName:   "Edit",
		Verdict:    VerdictDeny,
		Origin:     OriginDecision,
		Reason:     "not now",
	}); err != nil {
		t.Fatalf("second Log failed: %v", err)
	}

	entries, err := logger.Query(ctx, nil)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestAuditLoggerRedactsByRegex(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	logger, err := NewAuditLogger("ws-audit-redact", "", &AuditPolicy{
		Enabled:        true,
		RedactPatterns: []string{`secret-[0-9]+`},
	})
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}

	ctx := context.Background()
	if err := logger.Log(ctx, &AuditEntry{
		Timestamp:  time.Now(),
		SessionID:  "sess-1",
		ToolCallID: "tc_1",
		ToolName:   "Bash",
		Verdict:    VerdictAllow,
		Origin:     OriginDecision,
		Input:      json.RawMessage(`{"command":"curl -H 'X-Token: secret-12345'"}`),
	}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	entries, err := logger.Query(ctx, nil)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	input := string(entries[0].Input)
	if strings.Contains(input, "secret-12345") {
		t.Fatalf("input was not redacted: %s", input)
	}
	if !strings.Contains(input, "[REDACTED]") {
		t.Fatalf("expected redaction marker in input: %s", input)
	}
}

func TestAuditLoggerQueryFilter(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	logger, err := NewAuditLogger("ws-audit-filter", "", &AuditPolicy{Enabled: true})
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}

	ctx := context.Background()
	for i, v := range []Verdict{VerdictAllow, VerdictDeny, VerdictAllow} {
		if err := logger.Log(ctx, &AuditEntry{
			SessionID: "sess-1",
			ToolName:  "Bash",
			Verdict:   v,
			Origin:    OriginDecision,
			ToolCallID: []string{
				"tc_1", "tc_2", "tc_3",
			}[i],
		}); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	denied, err := logger.Query(ctx, &AuditFilter{Verdict: VerdictDeny})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(denied) != 1 || denied[0].ToolCallID != "tc_2" {
		t.Fatalf("expected only tc_2 denied, got %+v", denied)
	}

	limited, err := logger.Query(ctx, &AuditFilter{Limit: 1})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(limited) != 1 || limited[0].ToolCallID != "tc_3" {
		t.Fatalf("limit must keep the newest entry, got %+v", limited)
	}
}

func TestAuditLoggerDisabled(t *testing.T) {
	logger, err := NewAuditLogger("ws-audit-off", "", nil)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}

	if err := logger.Log(context.Background(), &AuditEntry{ToolName: "Bash"}); err != nil {
		t.Fatalf("disabled logger must accept and drop entries: %v", err)
	}
}
