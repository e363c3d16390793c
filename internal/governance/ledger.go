package governance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	sekishoErrors "github.com/harunnryd/sekisho/internal/errors"
	"github.com/harunnryd/sekisho/internal/store"

	"github.com/natefinch/atomic"
)

type ApprovalStatus string

const (
	StatusPending ApprovalStatus = "PENDING"
	StatusGranted ApprovalStatus = "GRANTED"
	StatusDenied  ApprovalStatus = "DENIED"
)

// Approval is the durable record of one permission request, keyed by the
// tool-call id. It outlives the in-memory session so a restarted daemon
// can still answer what was asked and what was decided.
type Approval struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Tool       string          `json:"tool"`
	Input      json.RawMessage `json:"input,omitempty"`
	Status     ApprovalStatus  `json:"status"`
	Origin     Origin          `json:"origin,omitempty"`
	DecidedBy  string          `json:"decided_by,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// Ledger persists approvals to governance/approvals.json.
type Ledger struct {
	storePath string
	approvals map[string]Approval
	mu        sync.RWMutex
}

func OpenLedger(workspaceID string, workspaceRootPath string) (*Ledger, error) {
	base, err := store.GetGovernanceDir(workspaceID, workspaceRootPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("failed to create governance dir: %w", err)
	}

	l := &Ledger{
		storePath: filepath.Join(base, "approvals.json"),
		approvals: make(map[string]Approval),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load() error {
	data, err := os.ReadFile(l.storePath)
	if err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &l.approvals); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) save() error {
	data, err := json.MarshalIndent(l.approvals, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(l.storePath, bytes.NewReader(data))
}

// RecordPending registers a suspended permission request.
func (l *Ledger) RecordPending(id, sessionID, toolName string, input json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.approvals[id]; ok && existing.Status != StatusPending {
		return fmt.Errorf("approval %s is already %s: %w", id, existing.Status, sekishoErrors.ErrAlreadyResolved)
	}

	l.approvals[id] = Approval{
		ID:        id,
		SessionID: sessionID,
		Tool:      toolName,
		Input:     input,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	if err := l.save(); err != nil {
		return fmt.Errorf("failed to persist approval: %w", err)
	}

	slog.Info("Approval required", "id", id, "tool", toolName)
	return nil
}

// RecordVerdict resolves an approval. Auto verdicts have no pending
// record; the entry is created on the spot so the ledger stays complete.
func (l *Ledger) RecordVerdict(id, sessionID, toolName string, verdict Verdict, origin Origin, decidedBy, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	app, ok := l.approvals[id]
	if !ok {
		app = Approval{
			ID:        id,
			SessionID: sessionID,
			Tool:      toolName,
			CreatedAt: time.Now(),
		}
	} else if app.Status != StatusPending {
		return fmt.Errorf("approval %s is already %s: %w", id, app.Status, sekishoErrors.ErrAlreadyResolved)
	}

	if verdict == VerdictAllow {
		app.Status = StatusGranted
	} else {
		app.Status = StatusDenied
	}
	app.Origin = origin
	app.DecidedBy = decidedBy
	app.Reason = reason
	now := time.Now()
	app.ResolvedAt = &now
	l.approvals[id] = app

	return l.save()
}

// IsGranted checks if a specific approval ID has been granted.
func (l *Ledger) IsGranted(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	app, ok := l.approvals[id]
	return ok && app.Status == StatusGranted
}

func (l *Ledger) Get(id string) (Approval, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	app, ok := l.approvals[id]
	return app, ok
}

// List returns approvals matching any of the given statuses, newest
// first. Without statuses it returns everything.
func (l *Ledger) List(statuses ...ApprovalStatus) []Approval {
	l.mu.RLock()
	defer l.mu.RUnlock()

	filter := make(map[ApprovalStatus]struct{}, len(statuses))
	for _, status := range statuses {
		filter[status] = struct{}{}
	}

	approvals := make([]Approval, 0, len(l.approvals))
	for _, approval := range l.approvals {
		if len(filter) > 0 {
			if _, ok := filter[approval.Status]; !ok {
				continue
			}
		}
		approvals = append(approvals, approval)
	}

	sort.Slice(approvals, func(i, j int) bool {
		return approvals[i].CreatedAt.After(approvals[j].CreatedAt)
	})
	return approvals
}

// Pending returns unresolved approvals, newest first.
func (l *Ledger) Pending() []Approval {
	return l.List(StatusPending)
}
