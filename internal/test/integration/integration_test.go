package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/sekisho/internal/adapter"
	"github.com/harunnryd/sekisho/internal/concurrency"
	"github.com/harunnryd/sekisho/internal/config"
	"github.com/harunnryd/sekisho/internal/egress"
	sekishoErrors "github.com/harunnryd/sekisho/internal/errors"
	"github.com/harunnryd/sekisho/internal/governance"
	"github.com/harunnryd/sekisho/internal/ingress"
	"github.com/harunnryd/sekisho/internal/orchestrator"
	"github.com/harunnryd/sekisho/internal/permission"
	"github.com/harunnryd/sekisho/internal/store"
	"github.com/harunnryd/sekisho/internal/worker"
)

// stack is the daemon pipeline wired the way the daemon assembles it:
// ingress lanes feeding lane workers, workers feeding the kernel, and the
// HTTP API on top.
type stack struct {
	worker  *store.Worker
	gov     *governance.Engine
	kernel  *orchestrator.DefaultKernel
	ingress *ingress.Ingress
	server  *httptest.Server
}

func startStack(t *testing.T, govCfg config.GovernanceConfig) *stack {
	t.Helper()
	_ = setupTestEnv(t)

	workspaceID := fmt.Sprintf("e2e-%d", time.Now().UnixNano())

	sw, err := store.NewWorker(workspaceID, "", store.RuntimeConfig{})
	if err != nil {
		t.Fatalf("create store worker: %v", err)
	}
	sw.Start()
	t.Cleanup(func() { sw.Stop() })

	gov, err := governance.NewEngine(govCfg, workspaceID, "")
	if err != nil {
		t.Fatalf("create governance engine: %v", err)
	}

	eg := egress.NewEgress(sw)
	if err := eg.Register(adapter.NewNullAdapter("notify")); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	eg.SetNotify("notify")

	var cfg config.Config
	cfg.Permission.CorrelationRetry = "100ms"
	cfg.Orchestrator.QueueSize = 16
	cfg.Governance = govCfg

	kernel, err := orchestrator.NewKernel(cfg, sw, gov, eg)
	if err != nil {
		t.Fatalf("create kernel: %v", err)
	}
	ctx := context.Background()
	if err := kernel.Init(ctx); err != nil {
		t.Fatalf("init kernel: %v", err)
	}
	if err := kernel.Start(ctx); err != nil {
		t.Fatalf("start kernel: %v", err)
	}
	t.Cleanup(func() { kernel.Stop(context.Background()) })

	ing := ingress.NewIngress(16, 16, ingress.RuntimeConfig{}, sw)
	locks := concurrency.NewSimpleSessionLockManager()

	interactive := worker.NewWorker("interactive", ing.InteractiveQueue(), sw, kernel, locks, worker.RuntimeConfig{})
	if _, err := interactive.Start(ctx); err != nil {
		t.Fatalf("start interactive worker: %v", err)
	}
	t.Cleanup(func() { interactive.Stop(context.Background()) })

	background := worker.NewWorker("background", ing.BackgroundQueue(), sw, kernel, locks, worker.RuntimeConfig{})
	if _, err := background.Start(ctx); err != nil {
		t.Fatalf("start background worker: %v", err)
	}
	t.Cleanup(func() { background.Stop(context.Background()) })

	api := ingress.NewAPI(ing, kernel, 2*time.Second)
	mux := http.NewServeMux()
	api.Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &stack{worker: sw, gov: gov, kernel: kernel, ingress: ing, server: server}
}

func postJSON(t *testing.T, url string, payload map[string]any) (int, []byte) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, data
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type controlOutcome struct {
	status int
	body   []byte
	err    error
}

// asyncControl issues the blocking permission check in the background; the
// connection stays open until someone decides.
func asyncControl(t *testing.T, baseURL, sessionID, toolName string, input map[string]any) chan controlOutcome {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"session_id": sessionID,
		"tool_name":  toolName,
		"input":      input,
	})
	if err != nil {
		t.Fatalf("encode control payload: %v", err)
	}

	outcomes := make(chan controlOutcome, 1)
	go func() {
		resp, err := http.Post(baseURL+"/api/v1/control", "application/json", bytes.NewReader(payload))
		if err != nil {
			outcomes <- controlOutcome{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		outcomes <- controlOutcome{status: resp.StatusCode, body: body, err: err}
	}()
	return outcomes
}

func TestPermissionFlowOverHTTP(t *testing.T) {
	st := startStack(t, config.GovernanceConfig{AuditEnabled: true})

	// The agent stream reports a tool invocation.
	frame := `{"type": "assistant", "session_id": "agent-e2e", "message": {"role": "assistant", "content": [{"type": "tool_use", "id": "toolu_e2e", "name": "Bash", "input": {"command": "terraform apply"}}]}}`
	status, _ := postJSON(t, st.server.URL+"/api/v1/events", map[string]any{
		"source":  "agent",
		"type":    "agent_envelope",
		"content": frame,
	})
	if status != http.StatusAccepted {
		t.Fatalf("expected 202 for envelope, got %d", status)
	}

	waitFor(t, "tool call observation", func() bool {
		sess, ok := st.kernel.Sessions().Peek("agent-e2e")
		return ok && sess.Engine.State().RecordedCalls == 1
	})

	outcomes := asyncControl(t, st.server.URL, "agent-e2e", "Bash", map[string]any{"command": "terraform apply"})

	waitFor(t, "suspended permission request", func() bool {
		sess, ok := st.kernel.Sessions().Peek("agent-e2e")
		return ok && len(sess.Engine.Pending()) == 1
	})

	// The suspension is durable before anyone decides.
	pending := st.gov.Approvals().Pending()
	if len(pending) != 1 || pending[0].ID != "toolu_e2e" {
		t.Fatalf("expected pending approval for toolu_e2e, got %+v", pending)
	}
	if pending[0].Tool != "Bash" {
		t.Fatalf("expected Bash on the ledger, got %q", pending[0].Tool)
	}

	// A human approves from chat.
	status, _ = postJSON(t, st.server.URL+"/api/v1/decisions", map[string]any{
		"id":       "toolu_e2e",
		"approved": true,
		"source":   "telegram",
	})
	if status != http.StatusAccepted {
		t.Fatalf("expected 202 for decision, got %d", status)
	}

	select {
	case out := <-outcomes:
		if out.err != nil {
			t.Fatalf("control request: %v", out.err)
		}
		if out.status != http.StatusOK {
			t.Fatalf("expected 200 from control, got %d: %s", out.status, out.body)
		}
		var res permission.Result
		if err := json.Unmarshal(out.body, &res); err != nil {
			t.Fatalf("decode verdict: %v", err)
		}
		if !res.Allowed() {
			t.Fatalf("expected allow verdict, got %+v", res)
		}
		if res.UpdatedInput["command"] != "terraform apply" {
			t.Fatalf("expected original input back, got %+v", res.UpdatedInput)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("control request never resolved")
	}

	app, ok := st.gov.Approvals().Get("toolu_e2e")
	if !ok || app.Status != governance.StatusGranted {
		t.Fatalf("expected granted approval on the ledger, got %+v", app)
	}
	if app.Origin != governance.OriginDecision {
		t.Fatalf("expected decision origin, got %q", app.Origin)
	}
}

func TestUserMessageReachesAgentQueue(t *testing.T) {
	st := startStack(t, config.GovernanceConfig{})

	status, _ := postJSON(t, st.server.URL+"/api/v1/events", map[string]any{
		"source":     "telegram",
		"session_id": "chat-e2e",
		"content":    "ship the release notes",
	})
	if status != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", status)
	}

	resp, err := http.Get(st.server.URL + "/api/v1/queue?session_id=chat-e2e")
	if err != nil {
		t.Fatalf("poll queue: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from queue poll, got %d", resp.StatusCode)
	}

	var item struct {
		ID   string `json:"id"`
		Text string `json:"text"`
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		t.Fatalf("decode queue item: %v", err)
	}
	if item.ID == "" {
		t.Fatal("expected a queue item id")
	}
	if item.Text != "ship the release notes" {
		t.Fatalf("unexpected text: %q", item.Text)
	}
	if item.Mode != string(permission.ModeDefault) {
		t.Fatalf("unexpected mode: %q", item.Mode)
	}

	// A drained queue long-polls out to 204.
	resp2, err := http.Get(st.server.URL + "/api/v1/queue?session_id=chat-e2e&timeout=100ms")
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on empty queue, got %d", resp2.StatusCode)
	}
}

func TestDuplicateEventsIgnored(t *testing.T) {
	st := startStack(t, config.GovernanceConfig{})

	evt := ingress.NewEvent("telegram", ingress.TypeUserMessage, "chat-dup", "run the backfill", nil)
	if err := st.ingress.Submit(context.Background(), &evt); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := st.ingress.Submit(context.Background(), &evt); !errors.Is(err, sekishoErrors.ErrDuplicateEvent) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}

	// Only one copy reaches the agent.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, err := st.kernel.NextAgentInput(ctx, "chat-dup")
	if err != nil {
		t.Fatalf("next agent input: %v", err)
	}
	if item.Text != "run the backfill" {
		t.Fatalf("unexpected text: %q", item.Text)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel2()
	if _, err := st.kernel.NextAgentInput(ctx2, "chat-dup"); err == nil {
		t.Fatal("expected empty queue after the duplicate was dropped")
	}
}

func TestStreamRestartRejectsSuspendedCheck(t *testing.T) {
	st := startStack(t, config.GovernanceConfig{})

	frame := `{"type": "assistant", "session_id": "agent-restart", "message": {"role": "assistant", "content": [{"type": "tool_use", "id": "toolu_r1", "name": "Write", "input": {"file_path": "/srv/app.conf"}}]}}`
	status, _ := postJSON(t, st.server.URL+"/api/v1/events", map[string]any{
		"source":  "agent",
		"type":    "agent_envelope",
		"content": frame,
	})
	if status != http.StatusAccepted {
		t.Fatalf("expected 202 for envelope, got %d", status)
	}

	waitFor(t, "tool call observation", func() bool {
		sess, ok := st.kernel.Sessions().Peek("agent-restart")
		return ok && sess.Engine.State().RecordedCalls == 1
	})

	outcomes := asyncControl(t, st.server.URL, "agent-restart", "Write", map[string]any{"file_path": "/srv/app.conf"})

	waitFor(t, "suspended permission request", func() bool {
		sess, ok := st.kernel.Sessions().Peek("agent-restart")
		return ok && len(sess.Engine.Pending()) == 1
	})

	// The agent process restarts; its init frame invalidates the wait.
	status, _ = postJSON(t, st.server.URL+"/api/v1/events", map[string]any{
		"source":  "agent",
		"type":    "agent_envelope",
		"content": `{"type": "system", "subtype": "init", "session_id": "agent-restart"}`,
	})
	if status != http.StatusAccepted {
		t.Fatalf("expected 202 for init frame, got %d", status)
	}

	select {
	case out := <-outcomes:
		if out.err != nil {
			t.Fatalf("control request: %v", out.err)
		}
		if out.status != http.StatusInternalServerError {
			t.Fatalf("expected 500 for invalidated check, got %d: %s", out.status, out.body)
		}
		if !strings.Contains(string(out.body), "restarted") {
			t.Fatalf("expected restart reason in error, got %s", out.body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("control request never rejected")
	}

	sess, ok := st.kernel.Sessions().Peek("agent-restart")
	if !ok {
		t.Fatal("session vanished")
	}
	if n := len(sess.Engine.Pending()); n != 0 {
		t.Fatalf("expected no pending requests after restart, got %d", n)
	}
}
