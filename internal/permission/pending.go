package permission

import (
	"fmt"
	"sort"
	"sync"
	"time"

	sekishoErrors "github.com/harunnryd/sekisho/internal/errors"
)

// completion is the one-shot outcome delivered to a suspended permission
// check: either a verdict or an error (abort, reset).
type completion struct {
	result Result
	err    error
}

// PendingRequest is an in-flight permission check suspended until a human
// decision arrives. The done channel is buffered so delivery never blocks
// the resolver; each request receives exactly one completion.
type PendingRequest struct {
	ToolCallID string
	ToolName   string
	Input      map[string]any
	CreatedAt  time.Time

	done chan completion
}

func newPendingRequest(toolCallID, toolName string, input map[string]any) *PendingRequest {
	return &PendingRequest{
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Input:      input,
		CreatedAt:  time.Now(),
		done:       make(chan completion, 1),
	}
}

// Snapshot is a read-only view of a pending request for prompts and status.
type Snapshot struct {
	SessionID  string
	ToolCallID string
	ToolName   string
	Input      map[string]any
	CreatedAt  time.Time
}

func (r *PendingRequest) snapshot(sessionID string) Snapshot {
	return Snapshot{
		SessionID:  sessionID,
		ToolCallID: r.ToolCallID,
		ToolName:   r.ToolName,
		Input:      r.Input,
		CreatedAt:  r.CreatedAt,
	}
}

// PendingTable tracks suspended permission checks keyed by tool-call id.
// An entry is removed from the table before its completion is delivered,
// so a verdict can never be delivered twice.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*PendingRequest
}

func NewPendingTable() *PendingTable {
	return &PendingTable{
		entries: make(map[string]*PendingRequest),
	}
}

// Register inserts a pending request. At most one request may exist per
// tool-call id at a time.
func (t *PendingTable) Register(req *PendingRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[req.ToolCallID]; exists {
		return fmt.Errorf("permission request already pending for %s: %w", req.ToolCallID, sekishoErrors.ErrDecisionPending)
	}
	t.entries[req.ToolCallID] = req
	return nil
}

// Get returns the pending request for a tool-call id without removing it.
func (t *PendingTable) Get(toolCallID string) (*PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.entries[toolCallID]
	return req, ok
}

// take removes and returns the entry for a tool-call id.
func (t *PendingTable) take(toolCallID string) (*PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.entries[toolCallID]
	if ok {
		delete(t.entries, toolCallID)
	}
	return req, ok
}

// Resolve removes the entry and delivers a verdict to its waiter. Returns
// false when no entry exists, which callers treat as a late decision.
func (t *PendingTable) Resolve(toolCallID string, res Result) bool {
	req, ok := t.take(toolCallID)
	if !ok {
		return false
	}
	req.done <- completion{result: res}
	return true
}

// Reject removes the entry and delivers an error to its waiter.
func (t *PendingTable) Reject(toolCallID string, err error) bool {
	req, ok := t.take(toolCallID)
	if !ok {
		return false
	}
	req.done <- completion{err: err}
	return true
}

// RejectAll rejects every pending request with the same error and returns
// the rejected entries. No request is dropped without its waiter hearing
// about it.
func (t *PendingTable) RejectAll(err error) []*PendingRequest {
	t.mu.Lock()
	rejected := make([]*PendingRequest, 0, len(t.entries))
	for _, req := range t.entries {
		rejected = append(rejected, req)
	}
	t.entries = make(map[string]*PendingRequest)
	t.mu.Unlock()

	for _, req := range rejected {
		req.done <- completion{err: err}
	}
	return rejected
}

// Snapshots returns a view of every pending request for the given session,
// oldest first.
func (t *PendingTable) Snapshots(sessionID string) []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Snapshot, 0, len(t.entries))
	for _, req := range t.entries {
		out = append(out, req.snapshot(sessionID))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of suspended requests.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
