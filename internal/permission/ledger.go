package permission

import (
	"reflect"
	"sync"
	"time"
)

// ToolCallRecord is one tool invocation observed in the agent output stream.
type ToolCallRecord struct {
	ID         string
	Name       string
	Input      map[string]any
	Used       bool
	ObservedAt time.Time
}

// ToolCallLedger records tool invocations so a later permission check can be
// resolved to the exact call that triggered it. Records are append-only for
// the lifetime of a session; the Used flag is monotonic false to true.
type ToolCallLedger struct {
	mu      sync.Mutex
	records []*ToolCallRecord
}

func NewToolCallLedger() *ToolCallLedger {
	return &ToolCallLedger{}
}

// Record appends a tool invocation observed in an assistant message.
func (l *ToolCallLedger) Record(id, name string, input map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, &ToolCallRecord{
		ID:         id,
		Name:       name,
		Input:      input,
		ObservedAt: time.Now(),
	})
}

// MarkResultObserved flips the Used flag for the record matching a
// tool_result block. Covers calls that completed without a permission
// check, so they never become stale correlation targets.
func (l *ToolCallLedger) MarkResultObserved(toolUseID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range l.records {
		if rec.ID == toolUseID && !rec.Used {
			rec.Used = true
			return true
		}
	}
	return false
}

// Resolve finds the tool-call id for a permission check. It scans in
// reverse insertion order for an unused record whose name matches and whose
// input is deep-equal: identical calls can repeat within a session, and the
// most recent unused occurrence is the one whose permission check fires
// next. On match the record is marked used.
func (l *ToolCallLedger) Resolve(name string, input map[string]any) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.records) - 1; i >= 0; i-- {
		rec := l.records[i]
		if rec.Used || rec.Name != name {
			continue
		}
		if !reflect.DeepEqual(rec.Input, input) {
			continue
		}
		rec.Used = true
		return rec.ID, true
	}
	return "", false
}

// Len returns the number of recorded tool calls.
func (l *ToolCallLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Clear drops every record.
func (l *ToolCallLedger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
}
