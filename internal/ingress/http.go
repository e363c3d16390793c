package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/harunnryd/sekisho/internal/config"
	sekishoErrors "github.com/harunnryd/sekisho/internal/errors"
	"github.com/harunnryd/sekisho/internal/orchestrator/queue"
	"github.com/harunnryd/sekisho/internal/permission"
)

// Checkpoint is the orchestrator surface the HTTP API drives directly:
// blocking permission checks and agent input draining. Everything else
// goes through the ingress lanes.
type Checkpoint interface {
	CheckToolPermission(ctx context.Context, sessionID, toolUseID, toolName string, input map[string]any) (permission.Result, error)
	NextAgentInput(ctx context.Context, sessionID string) (*queue.Item, error)
}

// API serves the checkpoint's HTTP surface: envelope and decision intake,
// the blocking permission check, and agent input long-polling.
type API struct {
	ingress     *Ingress
	checkpoint  Checkpoint
	pollTimeout time.Duration
}

func NewAPI(in *Ingress, checkpoint Checkpoint, pollTimeout time.Duration) *API {
	if pollTimeout <= 0 {
		d, err := config.DurationOrDefault("", config.DefaultAgentQueuePollTimeout)
		if err == nil {
			pollTimeout = d
		}
	}
	return &API{
		ingress:     in,
		checkpoint:  checkpoint,
		pollTimeout: pollTimeout,
	}
}

// Register mounts the API routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/events", a.handleEvents)
	mux.HandleFunc("/api/v1/decisions", a.handleDecisions)
	mux.HandleFunc("/api/v1/control", a.handleControl)
	mux.HandleFunc("/api/v1/queue", a.handleQueue)
}

type eventRequest struct {
	Source    string            `json:"source"`
	Type      string            `json:"type"`
	SessionID string            `json:"session_id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata"`
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Source == "" || req.Content == "" {
		http.Error(w, "Missing required fields: source, content", http.StatusBadRequest)
		return
	}

	eventType := EventType(req.Type)
	if eventType == "" {
		eventType = TypeUserMessage // Default to user
	}

	// Envelope frames name their own session; honor it when the request
	// body did not.
	if eventType == TypeAgentEnvelope && req.SessionID == "" {
		var frame struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal([]byte(req.Content), &frame); err == nil {
			req.SessionID = frame.SessionID
		}
	}

	evt := NewEvent(req.Source, eventType, req.SessionID, req.Content, req.Metadata)
	a.submit(w, r, &evt)
}

// handleDecisions accepts a decision payload keyed by tool-call id. The
// whole body is the payload; session_id and source ride alongside for
// routing when the id is not pending anywhere.
func (a *API) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if _, err := permission.NormalizeDecision(payload); err != nil {
		http.Error(w, "Decision payload has no tool call id", http.StatusBadRequest)
		return
	}

	source, _ := payload["source"].(string)
	if source == "" {
		source = "http"
	}
	sessionID, _ := payload["session_id"].(string)

	content, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	evt := NewEvent(source, TypeDecision, sessionID, string(content), nil)
	a.submit(w, r, &evt)
}

func (a *API) submit(w http.ResponseWriter, r *http.Request, evt *Event) {
	if err := a.ingress.Submit(r.Context(), evt); err != nil {
		if errors.Is(err, sekishoErrors.ErrDuplicateEvent) {
			// Idempotency: Return 200 OK for duplicates, but log it
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"duplicate","id":"` + evt.ID + `"}`))
			return
		}
		if errors.Is(err, sekishoErrors.ErrTransient) {
			// Queue full or any transient error
			http.Error(w, "Queue full", http.StatusTooManyRequests)
			return
		}
		slog.Error("Failed to submit event", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"status":"accepted","id":"` + evt.ID + `"}`))
}

type controlRequest struct {
	SessionID string         `json:"session_id"`
	ToolName  string         `json:"tool_name"`
	ToolUseID string         `json:"tool_use_id"`
	Input     map[string]any `json:"input"`
}

// handleControl is the synchronous checkpoint over HTTP. The connection
// stays open until a verdict exists, so the server write deadline is
// lifted for this request.
func (a *API) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.checkpoint == nil {
		http.Error(w, "Checkpoint unavailable", http.StatusServiceUnavailable)
		return
	}

	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.ToolName == "" {
		http.Error(w, "Missing required fields: session_id, tool_name", http.StatusBadRequest)
		return
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}

	liftWriteDeadline(w)

	res, err := a.checkpoint.CheckToolPermission(r.Context(), req.SessionID, req.ToolUseID, req.ToolName, req.Input)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		slog.Error("Permission check failed", "session_id", req.SessionID, "tool", req.ToolName, "error", err)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(res)
}

type queueItemResponse struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Mode    string `json:"mode"`
	Isolate bool   `json:"isolate,omitempty"`
}

// handleQueue long-polls the session's agent input queue. An empty queue
// after the poll window answers 204.
func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.checkpoint == nil {
		http.Error(w, "Checkpoint unavailable", http.StatusServiceUnavailable)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "Missing required query parameter: session_id", http.StatusBadRequest)
		return
	}

	wait := a.pollTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 && d < wait {
			wait = d
		}
	}

	liftWriteDeadline(w)

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	item, err := a.checkpoint.NextAgentInput(ctx, sessionID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		slog.Error("Agent queue poll failed", "session_id", sessionID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(queueItemResponse{
		ID:      item.ID,
		Text:    item.Text,
		Mode:    string(item.Mode),
		Isolate: item.Isolate,
	})
}

// liftWriteDeadline clears the per-connection write deadline so a blocking
// handler can outlive the server's WriteTimeout.
func liftWriteDeadline(w http.ResponseWriter) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.Debug("Could not lift write deadline", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
