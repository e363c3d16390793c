package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/sekisho/internal/egress/formatter"
	"github.com/harunnryd/sekisho/internal/orchestrator/session"
	"github.com/harunnryd/sekisho/internal/permission"
	"github.com/harunnryd/sekisho/internal/store"

	"github.com/google/shlex"
)

type Handler interface {
	CanHandle(input string) bool
	Execute(ctx context.Context, sessionID string, input string) error
}

// DefaultCommandHandler executes chat slash commands: decisions on
// pending permission requests, standing grants, mode changes, and
// session maintenance.
type DefaultCommandHandler struct {
	sessions *session.Manager
	store    *store.Worker
	output   commandOutput
}

type commandOutput interface {
	Send(ctx context.Context, sessionID string, content string) error
}

const commandOutputPrefix = "[CMD] "
const defaultCommandSessionSource = "cli"

func NewHandler(sessions *session.Manager, st *store.Worker, output commandOutput) *DefaultCommandHandler {
	return &DefaultCommandHandler{
		sessions: sessions,
		store:    st,
		output:   output,
	}
}

func (h *DefaultCommandHandler) CanHandle(input string) bool {
	return strings.HasPrefix(input, "/")
}

func (h *DefaultCommandHandler) Execute(ctx context.Context, sessionID string, input string) error {
	parts, parseErr := shlex.Split(input)
	if parseErr != nil {
		parts = strings.Fields(input)
	}
	if len(parts) == 0 {
		return nil
	}
	cmd := parts[0]
	args := parts[1:]

	slog.Info("Executing slash command", "cmd", cmd, "session", sessionID)

	var msg string
	var err error

	switch cmd {
	case "/approve":
		msg, err = h.handleApprove(ctx, sessionID, args)
	case "/deny":
		msg, err = h.handleDeny(ctx, sessionID, args)
	case "/answer":
		msg, err = h.handleAnswer(ctx, sessionID, args)
	case "/allow":
		msg, err = h.handleAllow(ctx, sessionID, args)
	case "/mode":
		msg, err = h.handleMode(ctx, sessionID, args)
	case "/status":
		msg, err = h.handleStatus(ctx, sessionID)
	case "/clear":
		msg, err = h.handleClear(ctx, sessionID)
	case "/reset":
		msg, err = h.handleReset(ctx, sessionID)
	case "/help":
		msg = h.helpText()
	default:
		msg = fmt.Sprintf("Unknown command: %s", cmd)
	}

	if err != nil {
		msg = fmt.Sprintf("Command failed: %v", err)
		slog.Error("Command execution failed", "cmd", cmd, "error", err)
	}

	if h.sessions != nil {
		if err := h.sessions.AppendMessage(sessionID, store.RoleSystem, msg, map[string]any{"command": cmd}); err != nil {
			return err
		}
	}
	if h.output != nil {
		if err := h.output.Send(ctx, sessionID, formatCommandOutput(msg)); err != nil {
			return fmt.Errorf("send command output: %w", err)
		}
	}

	return nil
}

// decide routes a decision payload to the session holding the pending
// request. Decisions typed in one chat can settle a request suspended
// under any live session; the tool-call id is the key.
func (h *DefaultCommandHandler) decide(ctx context.Context, sessionID, toolCallID string, payload map[string]any) error {
	target, ok := h.sessions.FindPending(toolCallID)
	if !ok {
		var err error
		target, err = h.sessions.Get(ctx, sessionID)
		if err != nil {
			return err
		}
	}
	return target.Engine.HandleDecision(ctx, payload)
}

func (h *DefaultCommandHandler) handleApprove(ctx context.Context, sessionID string, args []string) (string, error) {
	if len(args) < 1 {
		return "Usage: /approve <id> [default|acceptEdits|bypassPermissions]", nil
	}
	id := args[0]

	payload := map[string]any{"id": id, "approved": true}
	if len(args) > 1 {
		mode, ok := permission.ParseMode(args[1])
		if !ok {
			return fmt.Sprintf("Unknown mode: %s", args[1]), nil
		}
		payload["mode"] = string(mode)
	}

	if err := h.decide(ctx, sessionID, id, payload); err != nil {
		return "", err
	}
	return fmt.Sprintf("Approved: %s", id), nil
}

func (h *DefaultCommandHandler) handleDeny(ctx context.Context, sessionID string, args []string) (string, error) {
	if len(args) < 1 {
		return "Usage: /deny <id> [reason]", nil
	}
	id := args[0]

	payload := map[string]any{"id": id, "approved": false}
	if reason := strings.TrimSpace(strings.Join(args[1:], " ")); reason != "" {
		payload["decision"] = reason
	}

	if err := h.decide(ctx, sessionID, id, payload); err != nil {
		return "", err
	}
	return fmt.Sprintf("Denied: %s", id), nil
}

// handleAnswer resolves a question-tool request. The answer text is
// keyed to the first question; multi-select answers are comma-separated.
func (h *DefaultCommandHandler) handleAnswer(ctx context.Context, sessionID string, args []string) (string, error) {
	if len(args) < 2 {
		return "Usage: /answer <id> <answer>", nil
	}
	id := args[0]
	text := strings.TrimSpace(strings.Join(args[1:], " "))

	target, ok := h.sessions.FindPending(id)
	if !ok {
		return fmt.Sprintf("No pending request with id %s", id), nil
	}

	var questions []formatter.Question
	for _, snap := range target.Engine.Pending() {
		if snap.ToolCallID == id {
			questions = formatter.ParseQuestions(snap.Input)
			break
		}
	}
	if len(questions) == 0 {
		return fmt.Sprintf("Request %s has no questions to answer", id), nil
	}

	q := questions[0]
	answers := []string{text}
	if q.MultiSelect && strings.Contains(text, ",") {
		answers = answers[:0]
		for _, part := range strings.Split(text, ",") {
			if part = strings.TrimSpace(part); part != "" {
				answers = append(answers, part)
			}
		}
	}

	payload := map[string]any{
		"id":       id,
		"approved": true,
		"answers":  map[string]any{q.Key(): answers},
	}
	if err := target.Engine.HandleDecision(ctx, payload); err != nil {
		return "", err
	}
	return fmt.Sprintf("Answer sent: %s", id), nil
}

func (h *DefaultCommandHandler) handleAllow(ctx context.Context, sessionID string, args []string) (string, error) {
	if len(args) < 1 {
		return "Usage: /allow <tool|Bash(cmd)|Bash(cmd:*)> ...", nil
	}

	sess, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	sess.Engine.GrantTools(args)
	h.sessions.Persist(sessionID)

	return fmt.Sprintf("Allowed for this session: %s", strings.Join(args, ", ")), nil
}

func (h *DefaultCommandHandler) handleMode(ctx context.Context, sessionID string, args []string) (string, error) {
	sess, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}

	if len(args) < 1 {
		return fmt.Sprintf("Current mode: %s", sess.Engine.Mode()), nil
	}

	mode, ok := permission.ParseMode(args[0])
	if !ok {
		return fmt.Sprintf("Unknown mode: %s (default, acceptEdits, bypassPermissions, plan)", args[0]), nil
	}
	sess.Engine.SetMode(mode)
	return fmt.Sprintf("Mode set to %s", mode), nil
}

func (h *DefaultCommandHandler) handleStatus(ctx context.Context, sessionID string) (string, error) {
	sess, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}

	status := formatter.StatusText(sess.Engine.State(), sess.Engine.Pending())
	if queued := sess.Queue.Len(); queued > 0 {
		status += fmt.Sprintf("\nQueued agent input: %d", queued)
	}
	return status, nil
}

func (h *DefaultCommandHandler) handleClear(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	if h.store == nil {
		return "", fmt.Errorf("store not initialized")
	}
	existing, err := h.store.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	source := sessionSourceOrDefault(existing)
	title := "Session " + sessionID
	if existing != nil && strings.TrimSpace(existing.Title) != "" {
		title = existing.Title
	}

	if err := h.sessions.Clear(ctx, sessionID, "session cleared"); err != nil {
		return "", err
	}
	if err := h.store.SaveSession(&store.SessionMeta{
		ID:        sessionID,
		Title:     title,
		Status:    "active",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Metadata:  map[string]string{"source": source},
	}); err != nil {
		return "", err
	}

	return "Session cleared.", nil
}

func (h *DefaultCommandHandler) handleReset(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	h.sessions.ResetPermissions(ctx, sessionID, "permission state reset by user")
	return "Permission state reset. Pending requests were rejected; grants and ledgers cleared.", nil
}

func (h *DefaultCommandHandler) helpText() string {
	return strings.Join([]string{
		"Available commands:",
		"/approve <id> [mode] - approve a pending request",
		"/deny <id> [reason] - deny a pending request",
		"/answer <id> <text> - answer the agent's question",
		"/allow <grant>... - grant tools for this session, e.g. Bash(git push:*)",
		"/mode [mode] - show or set the permission mode",
		"/status - session mode, grants, and pending approvals",
		"/clear - wipe the session transcript and state",
		"/reset - reject pending requests and clear grants",
		"/help - this text",
	}, "\n")
}

func formatCommandOutput(msg string) string {
	if strings.HasPrefix(msg, commandOutputPrefix) {
		return msg
	}
	return commandOutputPrefix + msg
}

func sessionSourceOrDefault(meta *store.SessionMeta) string {
	if meta != nil && meta.Metadata != nil {
		source := strings.TrimSpace(meta.Metadata["source"])
		if source != "" {
			return source
		}
	}
	return defaultCommandSessionSource
}
