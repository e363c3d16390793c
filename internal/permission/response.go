package permission

import (
	"sync"
	"time"
)

// ResponseRecord is a received decision plus bookkeeping, kept for
// isAborted queries and duplicate-delivery tolerance after the pending
// entry is gone.
type ResponseRecord struct {
	ToolCallID string
	ToolName   string
	Payload    map[string]any
	Decision   Decision
	ReceivedAt time.Time
}

// ResponseLedger stores decision records keyed by tool-call id. A later
// payload for the same id merges into the existing record instead of
// replacing it, and the original ReceivedAt is preserved.
type ResponseLedger struct {
	mu      sync.Mutex
	records map[string]*ResponseRecord
}

func NewResponseLedger() *ResponseLedger {
	return &ResponseLedger{
		records: make(map[string]*ResponseRecord),
	}
}

// Merge records a decision payload. Payload keys overwrite previously
// recorded keys one by one; keys absent from the new payload survive.
func (l *ResponseLedger) Merge(toolCallID, toolName string, payload map[string]any) *ResponseRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.ensureLocked(toolCallID)
	if toolName != "" {
		rec.ToolName = toolName
	}
	l.overlayLocked(rec, payload)
	return rec
}

// Amend overlays extra payload keys onto an existing record, such as the
// computed exit mode written back after a plan approval.
func (l *ResponseLedger) Amend(toolCallID string, extra map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.ensureLocked(toolCallID)
	l.overlayLocked(rec, extra)
}

func (l *ResponseLedger) ensureLocked(toolCallID string) *ResponseRecord {
	rec, ok := l.records[toolCallID]
	if !ok {
		rec = &ResponseRecord{
			ToolCallID: toolCallID,
			Payload:    map[string]any{"id": toolCallID},
			ReceivedAt: time.Now(),
		}
		l.records[toolCallID] = rec
	}
	return rec
}

func (l *ResponseLedger) overlayLocked(rec *ResponseRecord, payload map[string]any) {
	for key, value := range payload {
		rec.Payload[key] = value
	}
	if merged, err := NormalizeDecision(rec.Payload); err == nil {
		rec.Decision = merged
	}
}

// Get returns the record for a tool-call id.
func (l *ResponseLedger) Get(toolCallID string) (*ResponseRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[toolCallID]
	return rec, ok
}

// Len returns the number of recorded decisions.
func (l *ResponseLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Clear drops every record.
func (l *ResponseLedger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make(map[string]*ResponseRecord)
}
