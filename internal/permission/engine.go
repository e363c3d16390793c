package permission

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	sekishoErrors "github.com/harunnryd/sekisho/internal/errors"
	"github.com/harunnryd/sekisho/internal/tool"
)

// Fixed agent-facing messages. Denials carry either the human's reason or
// one of these.
const (
	noAnswersMessage = "No answers were provided."

	declinedMessage = "The user declined this tool use. The requested change was NOT applied. Stop what you are doing and wait for further instructions."

	planInterruptMessage = "Plan review is handled outside this tool call. Stop here and wait for the next user message."

	planRestartMessage = "Your plan was approved. Continue with the implementation."

	clearCommand = "/clear"
)

// DefaultRetryDelay bounds the single correlation retry.
const DefaultRetryDelay = time.Second

// MessageQueue is the outbound agent input queue the engine injects
// synthetic messages into. Unshifted items run before anything already
// queued; UnshiftIsolate additionally isolates the item from prior queued
// context.
type MessageQueue interface {
	Unshift(text string, modeContext Mode)
	UnshiftIsolate(text string, modeContext Mode)
}

// VerdictOrigin distinguishes how a verdict came to be.
type VerdictOrigin string

const (
	OriginAuto     VerdictOrigin = "auto"
	OriginDecision VerdictOrigin = "decision"
	OriginReset    VerdictOrigin = "reset"
)

// VerdictEvent describes one delivered verdict, for auditing.
type VerdictEvent struct {
	SessionID  string
	ToolCallID string
	ToolName   string
	Origin     VerdictOrigin
	Result     Result
	Error      string
	Elapsed    time.Duration
}

// Options configure an Engine. Zero values fall back to defaults.
type Options struct {
	Mode       Mode
	RetryDelay time.Duration
	Queue      MessageQueue

	// OnRequest fires after a permission request is suspended, so the
	// chat surfaces can prompt the human.
	OnRequest func(ctx context.Context, snap Snapshot)
	// OnModeChange fires after the session mode changes.
	OnModeChange func(mode Mode)
	// OnVerdict fires for every delivered verdict.
	OnVerdict func(ctx context.Context, evt VerdictEvent)
}

// Engine reconciles the agent's synchronous permission checks with
// asynchronous human decisions for one session. It owns the session's
// mode, grant sets and ledgers; one Engine exists per session.
type Engine struct {
	sessionID string
	queue     MessageQueue

	ledger    *ToolCallLedger
	pending   *PendingTable
	responses *ResponseLedger

	mu           sync.RWMutex
	mode         Mode
	bash         *BashPermissionSet
	allowedTools map[string]struct{}

	retryDelay time.Duration

	onRequest    func(ctx context.Context, snap Snapshot)
	onModeChange func(mode Mode)
	onVerdict    func(ctx context.Context, evt VerdictEvent)
}

func NewEngine(sessionID string, opts Options) *Engine {
	mode := opts.Mode
	if !mode.Valid() {
		mode = ModeDefault
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}

	return &Engine{
		sessionID:    sessionID,
		queue:        opts.Queue,
		ledger:       NewToolCallLedger(),
		pending:      NewPendingTable(),
		responses:    NewResponseLedger(),
		mode:         mode,
		bash:         NewBashPermissionSet(),
		allowedTools: make(map[string]struct{}),
		retryDelay:   retryDelay,
		onRequest:    opts.OnRequest,
		onModeChange: opts.OnModeChange,
		onVerdict:    opts.OnVerdict,
	}
}

// SessionID returns the owning session id.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// ObserveToolUse records a tool_use block observed in an assistant message.
func (e *Engine) ObserveToolUse(toolCallID, toolName string, input map[string]any) {
	e.ledger.Record(toolCallID, toolName, input)
	slog.Debug("Tool call recorded", "session_id", e.sessionID, "tool", toolName, "tool_call_id", toolCallID)
}

// ObserveToolResult marks the recorded call for a tool_result block as
// used, so completed calls never become stale correlation targets.
func (e *Engine) ObserveToolResult(toolUseID string) {
	if e.ledger.MarkResultObserved(toolUseID) {
		slog.Debug("Tool result observed", "session_id", e.sessionID, "tool_call_id", toolUseID)
	}
}

// HandleToolCall is the entry point for every tool the agent wants to run.
// It either auto-approves from session state, or correlates the check to a
// recorded tool call, suspends, and waits for a human decision. Returned
// errors mean the tool call itself failed (correlation failure, abort,
// reset); a denial is a normal Result, not an error.
func (e *Engine) HandleToolCall(ctx context.Context, toolName string, input map[string]any) (Result, error) {
	started := time.Now()

	// Question tools always surface to a human; they ask on the agent's
	// behalf, so no grant or mode may silence them.
	if !tool.IsQuestion(toolName) {
		if res, ok := e.autoApprove(toolName, input); ok {
			slog.Info("Tool call auto-approved", "session_id", e.sessionID, "tool", toolName, "mode", e.Mode())
			e.emitVerdict(ctx, VerdictEvent{
				SessionID: e.sessionID,
				ToolName:  toolName,
				Origin:    OriginAuto,
				Result:    res,
				Elapsed:   time.Since(started),
			})
			return res, nil
		}
	}

	toolCallID, err := e.correlate(ctx, toolName, input)
	if err != nil {
		return Result{}, err
	}

	req := newPendingRequest(toolCallID, toolName, input)
	if err := e.pending.Register(req); err != nil {
		return Result{}, err
	}

	slog.Info("Permission request suspended",
		"session_id", e.sessionID, "tool", toolName, "tool_call_id", toolCallID)
	if e.onRequest != nil {
		e.onRequest(ctx, req.snapshot(e.sessionID))
	}

	select {
	case <-ctx.Done():
		if _, ok := e.pending.take(toolCallID); ok {
			slog.Debug("Permission request cancelled", "session_id", e.sessionID, "tool_call_id", toolCallID)
			return Result{}, ctx.Err()
		}
		// A resolution raced the cancellation and already left the
		// table; its completion is imminent.
		c := <-req.done
		return c.result, c.err
	case c := <-req.done:
		return c.result, c.err
	}
}

// correlate resolves the tool-call id for a permission check. The message
// carrying the tool_use block may not have reached the ledger when the
// check fires, so one bounded retry absorbs that ordering race; after it,
// failure is final and fatal to this call only.
func (e *Engine) correlate(ctx context.Context, toolName string, input map[string]any) (string, error) {
	if id, ok := e.ledger.Resolve(toolName, input); ok {
		return id, nil
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(e.retryDelay):
	}

	if id, ok := e.ledger.Resolve(toolName, input); ok {
		return id, nil
	}

	slog.Error("Tool call correlation failed", "session_id", e.sessionID, "tool", toolName)
	return "", sekishoErrors.CorrelationFailed(fmt.Sprintf("no recorded tool call matches %s", toolName))
}

// autoApprove applies session policy that can answer without a human:
// Bash grants, the generic allowlist, then mode-based approval.
func (e *Engine) autoApprove(toolName string, input map[string]any) (Result, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if tool.IsBash(toolName) {
		if command, ok := input["command"].(string); ok && e.bash.Allows(command) {
			return Allow(input), true
		}
	}
	if _, ok := e.allowedTools[toolName]; ok {
		return Allow(input), true
	}
	if e.mode == ModeBypassPermissions {
		return Allow(input), true
	}
	if e.mode == ModeAcceptEdits && tool.IsEdit(toolName) {
		return Allow(input), true
	}
	return Result{}, false
}

// HandleDecision routes a human decision to its suspended permission
// check. Unknown or late decisions are logged and dropped; transports may
// redeliver or race, so that path must stay a no-op.
func (e *Engine) HandleDecision(ctx context.Context, payload map[string]any) error {
	d, err := NormalizeDecision(payload)
	if err != nil {
		slog.Warn("Dropping malformed decision payload", "session_id", e.sessionID, "error", err)
		return err
	}

	req, ok := e.pending.Get(d.ToolCallID)
	if !ok {
		slog.Warn("Dropping decision with no pending request",
			"session_id", e.sessionID, "tool_call_id", d.ToolCallID)
		return sekishoErrors.NotFound(fmt.Sprintf("no pending permission request for %s", d.ToolCallID))
	}

	e.applyGrants(d.AllowTools)
	if d.Mode != "" {
		e.SetMode(d.Mode)
	}
	e.responses.Merge(d.ToolCallID, req.ToolName, d.Raw)

	var res Result
	switch {
	case tool.IsQuestion(req.ToolName):
		res = resolveQuestion(req, d)
	case tool.IsPlanExit(req.ToolName):
		res = e.resolvePlanExit(req, d)
	default:
		res = resolveGeneric(req, d)
	}

	if !e.pending.Resolve(d.ToolCallID, res) {
		slog.Warn("Pending request vanished before resolution",
			"session_id", e.sessionID, "tool_call_id", d.ToolCallID)
		return sekishoErrors.NotFound(fmt.Sprintf("no pending permission request for %s", d.ToolCallID))
	}

	slog.Info("Permission request resolved",
		"session_id", e.sessionID, "tool", req.ToolName,
		"tool_call_id", d.ToolCallID, "behavior", res.Behavior)
	e.emitVerdict(ctx, VerdictEvent{
		SessionID:  e.sessionID,
		ToolCallID: d.ToolCallID,
		ToolName:   req.ToolName,
		Origin:     OriginDecision,
		Result:     res,
		Elapsed:    time.Since(req.CreatedAt),
	})
	return nil
}

// resolveQuestion feeds collected answers back through the allow verdict.
func resolveQuestion(req *PendingRequest, d Decision) Result {
	if len(d.Answers) == 0 {
		return Deny(noAnswersMessage)
	}

	updated := make(map[string]any, len(req.Input)+len(d.Answers))
	for k, v := range req.Input {
		updated[k] = v
	}
	for k, answers := range d.Answers {
		updated[k] = answers
	}
	return Allow(updated)
}

// resolvePlanExit always denies the tool call itself; leaving plan mode
// happens through the mode change and queue injection below, never through
// tool approval.
func (e *Engine) resolvePlanExit(req *PendingRequest, d Decision) Result {
	if d.Approved {
		exitMode := planExitMode(d)
		e.SetMode(exitMode)
		e.responses.Amend(req.ToolCallID, map[string]any{"mode": string(exitMode)})

		if e.queue != nil {
			e.queue.Unshift(planRestartMessage, exitMode)
			if d.ClearContext {
				e.queue.UnshiftIsolate(clearCommand, exitMode)
			}
		}
		slog.Info("Plan approved",
			"session_id", e.sessionID, "mode", exitMode, "clear_context", d.ClearContext)
	}
	return DenyInterrupt(planInterruptMessage)
}

// planExitMode picks the mode to enter after plan approval.
func planExitMode(d Decision) Mode {
	if d.Mode.exitTarget() {
		return d.Mode
	}
	if d.AutoApproveEdits {
		return ModeAcceptEdits
	}
	return ModeDefault
}

// resolveGeneric maps a binary approval onto the original input; the human
// cannot edit tool arguments in this flow.
func resolveGeneric(req *PendingRequest, d Decision) Result {
	if d.Approved {
		return Allow(req.Input)
	}
	if reason := strings.TrimSpace(d.Reason); reason != "" {
		return Deny(reason)
	}
	return Deny(declinedMessage)
}

// applyGrants merges allowTools entries from a decision: Bash grant
// strings feed the Bash set, everything else joins the generic allowlist.
// Question tools are never globally allowed, and a bare Bash grant is too
// broad to record.
func (e *Engine) applyGrants(perms []string) {
	if len(perms) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, perm := range perms {
		perm = strings.TrimSpace(perm)
		if perm == "" {
			continue
		}
		if e.bash.Grant(perm) {
			slog.Info("Bash grant recorded", "session_id", e.sessionID, "grant", perm)
			continue
		}
		if strings.HasPrefix(perm, bashGrantPrefix) || tool.IsBash(perm) {
			continue
		}
		if tool.IsQuestion(perm) {
			continue
		}
		e.allowedTools[perm] = struct{}{}
		slog.Info("Tool allowed for session", "session_id", e.sessionID, "tool", perm)
	}
}

// GrantTools merges permission grants from outside a decision, such as a
// chat allow command or configured seed grants.
func (e *Engine) GrantTools(perms []string) {
	e.applyGrants(perms)
}

// SetMode changes the session mode. Invalid modes are ignored.
func (e *Engine) SetMode(mode Mode) {
	if !mode.Valid() {
		slog.Warn("Ignoring invalid permission mode", "session_id", e.sessionID, "mode", mode)
		return
	}

	e.mu.Lock()
	changed := e.mode != mode
	e.mode = mode
	e.mu.Unlock()

	if changed {
		slog.Info("Permission mode changed", "session_id", e.sessionID, "mode", mode)
		if e.onModeChange != nil {
			e.onModeChange(mode)
		}
	}
}

// Mode returns the current session mode.
func (e *Engine) Mode() Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// IsAborted reports whether the recorded decision for a tool call denied
// it. Plan-exit calls always count as aborted: their approval is
// redirected into side effects and the call itself is denied regardless.
func (e *Engine) IsAborted(toolCallID string) bool {
	rec, ok := e.responses.Get(toolCallID)
	if !ok {
		return false
	}
	if tool.IsPlanExit(rec.ToolName) {
		return true
	}
	return !rec.Decision.Approved
}

// Reset rejects every pending request with the supplied reason, then
// clears ledgers and grants. The session mode survives; reset reacts to a
// stream-level discontinuity, not a policy change.
func (e *Engine) Reset(ctx context.Context, reason string) {
	err := fmt.Errorf("%s: %w", reason, sekishoErrors.ErrPermissionDenied)
	rejected := e.pending.RejectAll(err)

	for _, req := range rejected {
		e.emitVerdict(ctx, VerdictEvent{
			SessionID:  e.sessionID,
			ToolCallID: req.ToolCallID,
			ToolName:   req.ToolName,
			Origin:     OriginReset,
			Error:      reason,
			Elapsed:    time.Since(req.CreatedAt),
		})
	}

	e.mu.Lock()
	e.bash.Clear()
	e.allowedTools = make(map[string]struct{})
	e.mu.Unlock()

	e.ledger.Clear()
	e.responses.Clear()

	slog.Info("Permission state reset",
		"session_id", e.sessionID, "reason", reason, "rejected", len(rejected))
}

// Pending returns a snapshot of every suspended request, oldest first.
func (e *Engine) Pending() []Snapshot {
	return e.pending.Snapshots(e.sessionID)
}

// State is a point-in-time view of session permission state.
type State struct {
	SessionID     string
	Mode          Mode
	BashLiterals  []string
	BashPrefixes  []string
	AllowedTools  []string
	PendingCount  int
	RecordedCalls int
	Decisions     int
}

// State returns the session permission state for status rendering.
func (e *Engine) State() State {
	e.mu.RLock()
	allowed := make([]string, 0, len(e.allowedTools))
	for name := range e.allowedTools {
		allowed = append(allowed, name)
	}
	literals := e.bash.Literals()
	prefixes := e.bash.Prefixes()
	mode := e.mode
	e.mu.RUnlock()
	sort.Strings(allowed)

	return State{
		SessionID:     e.sessionID,
		Mode:          mode,
		BashLiterals:  literals,
		BashPrefixes:  prefixes,
		AllowedTools:  allowed,
		PendingCount:  e.pending.Len(),
		RecordedCalls: e.ledger.Len(),
		Decisions:     e.responses.Len(),
	}
}

func (e *Engine) emitVerdict(ctx context.Context, evt VerdictEvent) {
	if e.onVerdict != nil {
		e.onVerdict(ctx, evt)
	}
}
