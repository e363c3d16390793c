package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/sekisho/internal/agent"
	"github.com/harunnryd/sekisho/internal/config"
	"github.com/harunnryd/sekisho/internal/egress"
	sekishoErrors "github.com/harunnryd/sekisho/internal/errors"
	"github.com/harunnryd/sekisho/internal/governance"
	"github.com/harunnryd/sekisho/internal/ingress"
	"github.com/harunnryd/sekisho/internal/logger"
	"github.com/harunnryd/sekisho/internal/orchestrator/command"
	"github.com/harunnryd/sekisho/internal/orchestrator/queue"
	"github.com/harunnryd/sekisho/internal/orchestrator/session"
	"github.com/harunnryd/sekisho/internal/permission"
	"github.com/harunnryd/sekisho/internal/store"
)

// Kernel orchestrates the high-level request flow: human decisions and
// commands on one side, agent stream observation and permission checks on
// the other.
type Kernel interface {
	Execute(ctx context.Context, evt *ingress.Event) error
	CheckToolPermission(ctx context.Context, sessionID, toolUseID, toolName string, input map[string]any) (permission.Result, error)
	NextAgentInput(ctx context.Context, sessionID string) (*queue.Item, error)
	Sessions() *session.Manager
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) (*ComponentHealth, error)
}

type ComponentHealth struct {
	Name    string
	Healthy bool
	Error   error
}

type DefaultKernel struct {
	cfg     config.Config
	running bool
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc

	// Managers
	sessions *session.Manager
	command  command.Handler
}

func NewKernel(
	cfg config.Config,
	store *store.Worker,
	gov *governance.Engine,
	eg egress.Egress,
) (*DefaultKernel, error) {
	retryDelay, err := config.DurationOrDefault(
		cfg.Permission.CorrelationRetry,
		config.DefaultPermissionCorrelationRetry,
	)
	if err != nil {
		return nil, fmt.Errorf("parse permission correlation retry: %w", err)
	}

	mode, ok := permission.ParseMode(cfg.Permission.DefaultMode)
	if !ok {
		mode = permission.ModeDefault
	}

	// Initialize Managers
	sessMgr := session.NewManager(session.Options{
		Store:        store,
		Governance:   gov,
		Publisher:    egress.NewPublisher(eg),
		DefaultMode:  mode,
		RetryDelay:   retryDelay,
		QueueSize:    cfg.Orchestrator.QueueSize,
		HistoryLimit: cfg.Orchestrator.HistoryLimit,
	})
	cmdHandler := command.NewHandler(sessMgr, store, eg)

	return &DefaultKernel{
		cfg:      cfg,
		sessions: sessMgr,
		command:  cmdHandler,
	}, nil
}

// Sessions exposes the session manager for components that watch or feed
// sessions directly (watchdog, the run-mode bridge).
func (k *DefaultKernel) Sessions() *session.Manager {
	return k.sessions
}

func (k *DefaultKernel) Init(ctx context.Context) error {
	k.ctx, k.cancel = context.WithCancel(ctx)
	slog.Info("Kernel initialized")
	return nil
}

func (k *DefaultKernel) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return nil
	}
	k.running = true
	slog.Info("Kernel started")
	return nil
}

func (k *DefaultKernel) Stop(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.running {
		return nil
	}
	k.running = false
	k.cancel()
	k.sessions.Close()
	slog.Info("Kernel stopped")
	return nil
}

func (k *DefaultKernel) Health(ctx context.Context) (*ComponentHealth, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	status := &ComponentHealth{
		Name:    "Kernel",
		Healthy: k.running,
	}
	if !k.running {
		status.Error = fmt.Errorf("kernel not running")
	}
	return status, nil
}

func (k *DefaultKernel) Execute(ctx context.Context, evt *ingress.Event) error {
	ctx = logger.WithTraceID(ctx, evt.ID)
	ctx = logger.WithSessionID(ctx, evt.SessionID)
	ctx = tagDecisionContext(ctx, evt)
	slog.Info("Kernel executing event", "id", evt.ID, "type", evt.Type)

	// Slash Commands
	if evt.Type == ingress.TypeCommand || (evt.Type == ingress.TypeUserMessage && k.command.CanHandle(evt.Content)) {
		return k.command.Execute(ctx, evt.SessionID, evt.Content)
	}

	switch evt.Type {
	case ingress.TypeDecision:
		return k.handleDecision(ctx, evt)
	case ingress.TypeAgentEnvelope:
		return k.handleEnvelope(ctx, evt)
	case ingress.TypeUserMessage, ingress.TypeCron:
		return k.enqueueAgentInput(ctx, evt)
	case ingress.TypeSystemEvent:
		slog.Debug("System event observed", "id", evt.ID, "content", evt.Content)
	}

	return nil
}

// tagDecisionContext carries the deciding human and the surface they used
// into the verdict pipeline, where governance records pick them up.
func tagDecisionContext(ctx context.Context, evt *ingress.Event) context.Context {
	if evt.Source != "" {
		ctx = logger.WithChannel(ctx, evt.Source)
	}
	actor := evt.Metadata["user_name"]
	if actor == "" {
		actor = evt.Metadata["user_id"]
	}
	if actor != "" {
		ctx = logger.WithActor(ctx, actor)
	}
	return ctx
}

// handleDecision routes an asynchronous human decision to the engine
// holding the pending request. Bad payloads and late decisions are logged
// and dropped; neither may take the lane worker down.
func (k *DefaultKernel) handleDecision(ctx context.Context, evt *ingress.Event) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(evt.Content), &payload); err != nil {
		slog.Warn("Decision payload is not valid JSON", "id", evt.ID, "content", evt.Content)
		return nil
	}

	d, err := permission.NormalizeDecision(payload)
	if err != nil {
		slog.Warn("Decision payload rejected", "id", evt.ID, "payload", payload, "error", err)
		return nil
	}

	target, ok := k.sessions.FindPending(d.ToolCallID)
	if !ok {
		target, err = k.sessions.Get(ctx, evt.SessionID)
		if err != nil {
			return err
		}
	}

	if err := target.Engine.HandleDecision(ctx, payload); err != nil {
		if sekishoErrors.IsCategory(err, sekishoErrors.ErrNotFound) {
			slog.Warn("Decision for unknown or settled request, dropping", "tool_call_id", d.ToolCallID)
			return nil
		}
		return err
	}
	return nil
}

// handleEnvelope feeds one agent stream frame into the session's ledgers.
// Assistant frames record tool invocations, user frames retire them, and a
// system init marks a fresh stream that invalidates everything suspended
// on the old one.
func (k *DefaultKernel) handleEnvelope(ctx context.Context, evt *ingress.Event) error {
	env, err := agent.ParseEnvelope([]byte(evt.Content))
	if err != nil {
		return err
	}

	sess, err := k.sessions.Get(ctx, evt.SessionID)
	if err != nil {
		return err
	}

	switch env.Type {
	case agent.EnvelopeAssistant:
		_, uses, err := env.AssistantContent()
		if err != nil {
			return err
		}
		for _, use := range uses {
			sess.Engine.ObserveToolUse(use.ID, use.Name, use.Input)
		}
	case agent.EnvelopeUser:
		results, err := env.ToolResults()
		if err != nil {
			return err
		}
		for _, res := range results {
			sess.Engine.ObserveToolResult(res.ToolUseID)
		}
	case agent.EnvelopeSystem:
		if env.Subtype == "init" {
			k.sessions.ResetPermissions(ctx, evt.SessionID, "agent stream restarted")
		}
	case agent.EnvelopeControlRequest:
		// Permission checks block; they arrive on the control endpoint or
		// the run-mode bridge, never the observation lane.
		slog.Warn("Control request on the observation lane, ignoring",
			"id", evt.ID, "request_id", env.RequestID)
	case agent.EnvelopeResult:
		slog.Debug("Agent turn finished", "session_id", evt.SessionID, "is_error", env.IsError)
	}
	return nil
}

// enqueueAgentInput appends chat text or a fired scheduled prompt to the
// agent input queue, tagged with the session's current mode.
func (k *DefaultKernel) enqueueAgentInput(ctx context.Context, evt *ingress.Event) error {
	sess, err := k.sessions.Get(ctx, evt.SessionID)
	if err != nil {
		return err
	}

	id, err := sess.Queue.Push(evt.Content, sess.Engine.Mode())
	if err != nil {
		return err
	}

	slog.Debug("Agent input queued", "item_id", id, "session_id", evt.SessionID, "source", evt.Source)
	return nil
}

// CheckToolPermission is the synchronous checkpoint: it suspends the
// calling goroutine until a verdict exists for the tool call. A provided
// toolUseID seeds the ledger so correlation cannot race the assistant
// frame carrying the same invocation.
func (k *DefaultKernel) CheckToolPermission(ctx context.Context, sessionID, toolUseID, toolName string, input map[string]any) (permission.Result, error) {
	ctx = logger.WithSessionID(ctx, sessionID)

	sess, err := k.sessions.Get(ctx, sessionID)
	if err != nil {
		return permission.Result{}, err
	}

	if toolUseID != "" {
		sess.Engine.ObserveToolUse(toolUseID, toolName, input)
	}

	return sess.Engine.HandleToolCall(ctx, toolName, input)
}

// NextAgentInput blocks until queued input is available for the session or
// ctx expires. Long-poll callers bound the wait with their own deadline.
func (k *DefaultKernel) NextAgentInput(ctx context.Context, sessionID string) (*queue.Item, error) {
	sess, err := k.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Queue.Next(ctx)
}
