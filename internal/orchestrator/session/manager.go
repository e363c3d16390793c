package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/sekisho/internal/config"
	"github.com/harunnryd/sekisho/internal/egress"
	sekishoErrors "github.com/harunnryd/sekisho/internal/errors"
	"github.com/harunnryd/sekisho/internal/governance"
	"github.com/harunnryd/sekisho/internal/logger"
	"github.com/harunnryd/sekisho/internal/orchestrator/queue"
	"github.com/harunnryd/sekisho/internal/permission"
	"github.com/harunnryd/sekisho/internal/store"

	"github.com/oklog/ulid/v2"
)

// Session bundles one conversation's permission engine and agent input
// queue. The engine answers the agent's permission checks; the queue
// carries synthetic messages (plan restarts, /clear) back to the agent.
type Session struct {
	ID     string
	Engine *permission.Engine
	Queue  *queue.Queue
}

// Manager owns the live sessions. It lazily builds a session from its
// persisted metadata, wires the permission engine's callbacks into
// governance, the transcript, and the chat surfaces, and persists mode
// and grant changes so they survive a daemon restart.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	store      *store.Worker
	governance *governance.Engine
	publisher  *egress.Publisher

	defaultMode  permission.Mode
	retryDelay   time.Duration
	queueSize    int
	historyLimit int
}

type Options struct {
	Store      *store.Worker
	Governance *governance.Engine
	Publisher  *egress.Publisher

	DefaultMode  permission.Mode
	RetryDelay   time.Duration
	QueueSize    int
	HistoryLimit int
}

func NewManager(opts Options) *Manager {
	mode := opts.DefaultMode
	if !mode.Valid() {
		mode = permission.ModeDefault
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = config.DefaultOrchestratorQueueSize
	}
	historyLimit := opts.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = config.DefaultOrchestratorHistoryLimit
	}

	return &Manager{
		sessions:     make(map[string]*Session),
		store:        opts.Store,
		governance:   opts.Governance,
		publisher:    opts.Publisher,
		defaultMode:  mode,
		retryDelay:   opts.RetryDelay,
		queueSize:    queueSize,
		historyLimit: historyLimit,
	}
}

// Get returns the live session, building it from persisted metadata on
// first touch.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, sekishoErrors.InvalidInput("session id is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[sessionID]; ok {
		return sess, nil
	}

	sess, err := m.build(sessionID)
	if err != nil {
		return nil, err
	}
	m.sessions[sessionID] = sess
	return sess, nil
}

// Peek returns the live session without creating one.
func (m *Manager) Peek(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// Live returns every in-memory session, for status and watchdog scans.
func (m *Manager) Live() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

func (m *Manager) build(sessionID string) (*Session, error) {
	mode := m.defaultMode
	var restored []string

	meta, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, sekishoErrors.Wrap(err, "failed to load session metadata")
	}
	if meta != nil {
		if parsed, ok := permission.ParseMode(meta.Mode); ok {
			mode = parsed
		}
		restored = append(restored, meta.AllowedTools...)
		for _, literal := range meta.BashLiterals {
			restored = append(restored, fmt.Sprintf("Bash(%s)", literal))
		}
		for _, prefix := range meta.BashPrefixes {
			restored = append(restored, fmt.Sprintf("Bash(%s:*)", prefix))
		}
	}

	q := queue.New(m.queueSize)
	eng := permission.NewEngine(sessionID, permission.Options{
		Mode:       mode,
		RetryDelay: m.retryDelay,
		Queue:      q,
		OnRequest: func(ctx context.Context, snap permission.Snapshot) {
			m.onRequest(ctx, snap)
		},
		OnModeChange: func(mode permission.Mode) {
			m.persistState(sessionID)
		},
		OnVerdict: func(ctx context.Context, evt permission.VerdictEvent) {
			m.onVerdict(ctx, evt)
		},
	})

	if m.governance != nil {
		eng.GrantTools(m.governance.SeedGrants())
	}
	eng.GrantTools(restored)

	slog.Info("Session activated", "session_id", sessionID, "mode", mode, "restored_grants", len(restored))
	return &Session{ID: sessionID, Engine: eng, Queue: q}, nil
}

func (m *Manager) onRequest(ctx context.Context, snap permission.Snapshot) {
	if m.governance != nil {
		m.governance.RecordPending(ctx, snap.SessionID, snap.ToolCallID, snap.ToolName, snap.Input)
	}

	entry := store.TranscriptEntry{
		ID:         ulid.Make().String(),
		Timestamp:  time.Now(),
		Role:       store.RoleSystem,
		Content:    "Permission requested: " + snap.ToolName,
		Name:       snap.ToolName,
		ToolCallID: snap.ToolCallID,
	}
	if err := m.appendEntry(snap.SessionID, entry); err != nil {
		slog.Warn("Failed to persist permission request", "session_id", snap.SessionID, "error", err)
	}

	if m.publisher != nil {
		m.publisher.PublishRequest(ctx, snap)
	}
}

func (m *Manager) onVerdict(ctx context.Context, evt permission.VerdictEvent) {
	if m.governance != nil {
		m.governance.RecordVerdict(ctx, governance.VerdictRecord{
			SessionID:  evt.SessionID,
			ToolCallID: evt.ToolCallID,
			ToolName:   evt.ToolName,
			Verdict:    mapVerdict(evt),
			Origin:     governance.Origin(evt.Origin),
			Channel:    logger.GetChannel(ctx),
			DecidedBy:  logger.GetActor(ctx),
			Reason:     evt.Result.Message,
			Elapsed:    evt.Elapsed,
			Error:      evt.Error,
		})
	}

	content := "denied"
	if evt.Error != "" {
		content = "failed: " + evt.Error
	} else if evt.Result.Allowed() {
		content = "approved"
	} else if evt.Result.Message != "" {
		content = "denied: " + evt.Result.Message
	}
	entry := store.TranscriptEntry{
		ID:         ulid.Make().String(),
		Timestamp:  time.Now(),
		Role:       store.RoleVerdict,
		Content:    content,
		Name:       evt.ToolName,
		ToolCallID: evt.ToolCallID,
		Metadata: map[string]any{
			"origin":     string(evt.Origin),
			"behavior":   evt.Result.Behavior,
			"elapsed_ms": evt.Elapsed.Milliseconds(),
		},
	}
	if err := m.appendEntry(evt.SessionID, entry); err != nil {
		slog.Warn("Failed to persist verdict", "session_id", evt.SessionID, "error", err)
	}

	// Decisions can carry new grants or a mode change.
	if evt.Origin == permission.OriginDecision {
		m.persistState(evt.SessionID)
	}

	if m.publisher != nil {
		m.publisher.PublishVerdict(ctx, evt)
	}
}

func mapVerdict(evt permission.VerdictEvent) governance.Verdict {
	if evt.Error != "" {
		return governance.VerdictError
	}
	if evt.Result.Allowed() {
		return governance.VerdictAllow
	}
	return governance.VerdictDeny
}

// Persist writes the session's mode and grants back to the index.
func (m *Manager) Persist(sessionID string) {
	m.persistState(sessionID)
}

func (m *Manager) persistState(sessionID string) {
	sess, ok := m.Peek(sessionID)
	if !ok {
		return
	}
	state := sess.Engine.State()

	meta, err := m.store.GetSession(sessionID)
	if err != nil {
		slog.Warn("Failed to load session for persist", "session_id", sessionID, "error", err)
		return
	}
	if meta == nil {
		meta = &store.SessionMeta{
			ID:        sessionID,
			Title:     "Session " + sessionID,
			Status:    "active",
			CreatedAt: time.Now(),
		}
	}

	meta.Mode = string(state.Mode)
	meta.AllowedTools = state.AllowedTools
	meta.BashLiterals = state.BashLiterals
	meta.BashPrefixes = state.BashPrefixes
	meta.UpdatedAt = time.Now()

	if err := m.store.SaveSession(meta); err != nil {
		slog.Warn("Failed to persist session state", "session_id", sessionID, "error", err)
	}
}

// AppendMessage persists a conversation message to the transcript.
func (m *Manager) AppendMessage(sessionID string, role store.Role, content string, metadata map[string]any) error {
	return m.appendEntry(sessionID, store.TranscriptEntry{
		ID:        ulid.Make().String(),
		Timestamp: time.Now(),
		Role:      role,
		Content:   content,
		Metadata:  metadata,
	})
}

func (m *Manager) appendEntry(sessionID string, entry store.TranscriptEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return sekishoErrors.Wrap(err, "failed to encode transcript entry")
	}
	return m.store.WriteTranscript(sessionID, line)
}

// History returns the last entries of a session transcript, oldest first.
func (m *Manager) History(sessionID string, limit int) ([]store.TranscriptEntry, error) {
	if limit <= 0 {
		limit = m.historyLimit
	}
	lines, err := m.store.ReadTranscript(sessionID, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]store.TranscriptEntry, 0, len(lines))
	for _, line := range lines {
		var entry store.TranscriptEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			slog.Debug("Skipping malformed transcript line", "session_id", sessionID)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// AllPending returns the pending snapshots of every live session.
func (m *Manager) AllPending() []permission.Snapshot {
	var out []permission.Snapshot
	for _, sess := range m.Live() {
		out = append(out, sess.Engine.Pending()...)
	}
	return out
}

// FindPending locates the live session holding a pending request for the
// given tool-call id. Decisions typed in one chat can settle a request
// suspended under any session.
func (m *Manager) FindPending(toolCallID string) (*Session, bool) {
	for _, sess := range m.Live() {
		for _, snap := range sess.Engine.Pending() {
			if snap.ToolCallID == toolCallID {
				return sess, true
			}
		}
	}
	return nil, false
}

// ResetPermissions rejects pending requests and clears permission state,
// keeping the transcript. Used when the agent stream restarts. Workspace
// policy grants are re-applied; only session-accumulated grants are lost.
func (m *Manager) ResetPermissions(ctx context.Context, sessionID, reason string) {
	if sess, ok := m.Peek(sessionID); ok {
		sess.Engine.Reset(ctx, reason)
		if m.governance != nil {
			sess.Engine.GrantTools(m.governance.SeedGrants())
		}
		m.persistState(sessionID)
	}
}

// Clear wipes the session: pending requests are rejected, queued agent
// input is dropped, and the transcript is deleted.
func (m *Manager) Clear(ctx context.Context, sessionID, reason string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if ok {
		sess.Engine.Reset(ctx, reason)
		dropped := sess.Queue.Clear()
		sess.Queue.Close()
		if dropped > 0 {
			slog.Info("Dropped queued agent input", "session_id", sessionID, "dropped", dropped)
		}
	}
	return m.store.ResetSession(sessionID)
}

// Close shuts down every live session queue.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sess := range m.sessions {
		sess.Queue.Close()
		delete(m.sessions, id)
	}
}
