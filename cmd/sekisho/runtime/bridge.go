package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/sekisho/internal/agent"
	"github.com/harunnryd/sekisho/internal/concurrency"
	sekishoErrors "github.com/harunnryd/sekisho/internal/errors"
	"github.com/harunnryd/sekisho/internal/ingress"
	"github.com/harunnryd/sekisho/internal/orchestrator/queue"
	"github.com/harunnryd/sekisho/internal/permission"
	"github.com/harunnryd/sekisho/internal/store"

	"github.com/oklog/ulid/v2"
)

// Bridge attaches one agent process to the checkpoint over a pipe pair.
// Frames from the agent stream feed the session ledgers, can_use_tool
// control requests suspend on the permission engine, and queued input
// flows back as user envelopes. The bridge never spawns the agent; it
// speaks to whatever is on the other end of the descriptors.
type Bridge struct {
	components *RuntimeComponents
	scanner    *agent.Scanner

	writeMu sync.Mutex
	enc     *json.Encoder

	sessMu     sync.RWMutex
	sessionID  string
	fallbackID string
	feedCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewBridge wires the agent stream on in to the checkpoint, answering on
// out. Frame size is capped by the agent config.
func NewBridge(components *RuntimeComponents, in io.Reader, out io.Writer) *Bridge {
	maxBytes := agent.DefaultMaxEnvelopeBytes
	if components.Config != nil && components.Config.Agent.MaxEnvelopeBytes > 0 {
		maxBytes = components.Config.Agent.MaxEnvelopeBytes
	}

	return &Bridge{
		components: components,
		scanner:    agent.NewScanner(in, maxBytes),
		enc:        json.NewEncoder(out),
		fallbackID: fmt.Sprintf("agent-%d", time.Now().Unix()),
	}
}

type scannedFrame struct {
	env *agent.Envelope
	err error
}

// Run pumps the agent stream until EOF or shutdown. Malformed frames are
// skipped; a broken scan (oversized frame, read failure) ends the bridge.
func (b *Bridge) Run() error {
	ctx := b.components.Ctx
	frames := make(chan scannedFrame)

	concurrency.SafeGo(func() {
		defer close(frames)
		for {
			env, err := b.scanner.Next()
			if err != nil {
				if errors.Is(err, sekishoErrors.ErrMalformedEnvelope) {
					slog.Warn("Skipping malformed agent frame", "error", err)
					continue
				}
				select {
				case frames <- scannedFrame{err: err}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case frames <- scannedFrame{env: env}:
			case <-ctx.Done():
				return
			}
		}
	}, nil)

	defer func() {
		b.stopFeeder()
		b.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if frame.err != nil {
				if errors.Is(frame.err, io.EOF) {
					slog.Info("Agent stream closed")
					return nil
				}
				return fmt.Errorf("agent stream failed: %w", frame.err)
			}
			b.dispatch(ctx, frame.env)
		}
	}
}

// dispatch runs on the reader loop so ledger observations keep stream
// order. Only the blocking permission check leaves this goroutine.
func (b *Bridge) dispatch(ctx context.Context, env *agent.Envelope) {
	sessionID := b.resolveSession(env.SessionID)

	switch env.Type {
	case agent.EnvelopeControlRequest:
		b.handleControl(ctx, sessionID, env)
	case agent.EnvelopeControlResponse:
		slog.Debug("Agent acknowledged control frame", "session_id", sessionID)
	default:
		b.forward(ctx, sessionID, env)
	}
}

// resolveSession adopts the frame's session id, falling back to a
// generated one for agents that never name their session. A change of id
// re-targets the input feeder.
func (b *Bridge) resolveSession(id string) string {
	if id == "" {
		b.sessMu.RLock()
		current := b.sessionID
		b.sessMu.RUnlock()
		if current != "" {
			return current
		}
		id = b.fallbackID
	}

	b.sessMu.Lock()
	if b.sessionID == id {
		b.sessMu.Unlock()
		return id
	}
	previous := b.feedCancel
	b.sessionID = id
	b.sessMu.Unlock()

	if previous != nil {
		previous()
	}

	b.components.StoreWorker.SaveSession(&store.SessionMeta{
		ID:        id,
		Title:     "Agent Session",
		Status:    "active",
		Metadata:  map[string]string{"source": "agent"},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	})

	feedCtx, cancel := context.WithCancel(b.components.Ctx)
	b.sessMu.Lock()
	b.feedCancel = cancel
	b.sessMu.Unlock()

	b.wg.Add(1)
	concurrency.SafeGo(func() {
		defer b.wg.Done()
		b.feed(feedCtx, id)
	}, nil)

	slog.Info("Agent bridge session attached", "session_id", id)
	return id
}

func (b *Bridge) stopFeeder() {
	b.sessMu.Lock()
	cancel := b.feedCancel
	b.feedCancel = nil
	b.sessMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// handleControl answers control requests. can_use_tool suspends on the
// permission engine in its own goroutine so the reader keeps draining
// frames while a human decides; everything else is acknowledged as seen.
func (b *Bridge) handleControl(ctx context.Context, sessionID string, env *agent.Envelope) {
	requestID := env.RequestID
	if env.Request == nil {
		b.write(agent.NewControlError(requestID, fmt.Errorf("control_request missing body")))
		return
	}

	req := env.Request
	switch req.Subtype {
	case agent.SubtypeCanUseTool:
		concurrency.SafeGo(func() {
			res, err := b.components.Orchestrator.CheckToolPermission(ctx, sessionID, req.ToolUseID, req.ToolName, req.Input)
			if err != nil {
				b.write(agent.NewControlError(requestID, err))
				return
			}
			b.write(agent.NewControlResponse(requestID, res))
		}, func(interface{}) {
			b.write(agent.NewControlError(requestID, fmt.Errorf("permission check failed")))
		})
	default:
		b.write(agent.NewControlResponse(requestID, map[string]string{"subtype": req.Subtype}))
	}
}

// forward hands a stream frame to the kernel inline, so assistant
// observations land in the ledger before any later frame is read.
func (b *Bridge) forward(ctx context.Context, sessionID string, env *agent.Envelope) {
	content, err := json.Marshal(env)
	if err != nil {
		slog.Warn("Could not re-encode agent frame", "session_id", sessionID, "error", err)
		return
	}

	evt := ingress.NewEvent("agent", ingress.TypeAgentEnvelope, sessionID, string(content), nil)
	if err := b.components.Orchestrator.Execute(ctx, &evt); err != nil {
		slog.Warn("Agent frame handling failed", "session_id", sessionID, "type", env.Type, "error", err)
	}
}

// feed drains the session's input queue into the agent. A mode change is
// announced with a set_permission_mode control request ahead of the text;
// isolated items go out bare, with no mode context.
func (b *Bridge) feed(ctx context.Context, sessionID string) {
	var lastMode permission.Mode

	for {
		item, err := b.components.Orchestrator.NextAgentInput(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Agent input feed failed, retrying", "session_id", sessionID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if !item.Isolate && item.Mode != "" && item.Mode != lastMode {
			b.write(&agent.Envelope{
				Type:      agent.EnvelopeControlRequest,
				RequestID: ulid.Make().String(),
				SessionID: sessionID,
				Request: &agent.ControlRequestBody{
					Subtype: agent.SubtypeSetPermissionMode,
					Mode:    string(item.Mode),
				},
			})
			lastMode = item.Mode
		}

		env, err := userEnvelope(sessionID, item)
		if err != nil {
			slog.Warn("Could not frame agent input", "session_id", sessionID, "item_id", item.ID, "error", err)
			continue
		}
		b.write(env)
	}
}

func userEnvelope(sessionID string, item *queue.Item) (*agent.Envelope, error) {
	msg, err := json.Marshal(map[string]any{
		"role":    "user",
		"content": item.Text,
	})
	if err != nil {
		return nil, err
	}
	return &agent.Envelope{
		Type:      agent.EnvelopeUser,
		SessionID: sessionID,
		Message:   msg,
	}, nil
}

// write serializes one frame to the agent. Writers race from the feeder
// and verdict goroutines; the mutex keeps frames whole.
func (b *Bridge) write(env *agent.Envelope) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.enc.Encode(env); err != nil {
		slog.Warn("Agent bridge write failed", "error", err)
	}
}
