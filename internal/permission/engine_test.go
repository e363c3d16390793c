package permission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sekishoErrors "github.com/harunnryd/sekisho/internal/errors"
)

type queuedItem struct {
	text    string
	mode    Mode
	isolate bool
}

// recordingQueue mirrors the front-insert queue contract.
type recordingQueue struct {
	mu    sync.Mutex
	items []queuedItem
}

func (q *recordingQueue) Unshift(text string, mode Mode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]queuedItem{{text: text, mode: mode}}, q.items...)
}

func (q *recordingQueue) UnshiftIsolate(text string, mode Mode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]queuedItem{{text: text, mode: mode, isolate: true}}, q.items...)
}

func (q *recordingQueue) snapshot() []queuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queuedItem, len(q.items))
	copy(out, q.items)
	return out
}

func newTestEngine(t *testing.T, queue MessageQueue) *Engine {
	t.Helper()
	return NewEngine("sess-test", Options{
		Queue:      queue,
		RetryDelay: 10 * time.Millisecond,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// suspend starts a HandleToolCall in the background and waits until the
// request is registered.
func suspend(t *testing.T, e *Engine, toolName string, input map[string]any) (<-chan Result, <-chan error) {
	t.Helper()
	resCh := make(chan Result, 1)
	errCh := make(chan error, 1)
	before := len(e.Pending())

	go func() {
		res, err := e.HandleToolCall(context.Background(), toolName, input)
		resCh <- res
		errCh <- err
	}()

	waitFor(t, "pending registration", func() bool { return len(e.Pending()) > before })
	return resCh, errCh
}

func TestHandleToolCall_AutoApprove(t *testing.T) {
	input := map[string]any{"command": "git status"}

	// Bash grants win before any mode check.
	e := newTestEngine(t, nil)
	e.GrantTools([]string{"Bash(git status)"})
	res, err := e.HandleToolCall(context.Background(), "Bash", input)
	if err != nil {
		t.Fatalf("bash literal grant: %v", err)
	}
	if !res.Allowed() {
		t.Errorf("expected allow for granted literal, got %+v", res)
	}

	// Generic allowlist.
	e = newTestEngine(t, nil)
	e.GrantTools([]string{"WebFetch"})
	res, err = e.HandleToolCall(context.Background(), "WebFetch", map[string]any{"url": "https://example.com"})
	if err != nil || !res.Allowed() {
		t.Errorf("expected allow for allowlisted tool, got %+v err=%v", res, err)
	}

	// bypassPermissions allows everything.
	e = newTestEngine(t, nil)
	e.SetMode(ModeBypassPermissions)
	res, err = e.HandleToolCall(context.Background(), "Bash", map[string]any{"command": "rm -rf /tmp/x"})
	if err != nil || !res.Allowed() {
		t.Errorf("expected allow under bypassPermissions, got %+v err=%v", res, err)
	}

	// acceptEdits allows edit-type tools and preserves the input.
	e = newTestEngine(t, nil)
	e.SetMode(ModeAcceptEdits)
	editInput := map[string]any{"path": "a.txt"}
	res, err = e.HandleToolCall(context.Background(), "Write", editInput)
	if err != nil || !res.Allowed() {
		t.Fatalf("expected allow under acceptEdits, got %+v err=%v", res, err)
	}
	if res.UpdatedInput["path"] != "a.txt" {
		t.Errorf("expected original input back, got %+v", res.UpdatedInput)
	}
	if len(e.Pending()) != 0 {
		t.Error("auto-approval must not create a pending entry")
	}
	if e.responses.Len() != 0 {
		t.Error("auto-approval must not touch the response ledger")
	}

	// acceptEdits does not cover non-edit tools.
	e.ObserveToolUse("tc_read", "Bash", map[string]any{"command": "ls"})
	resCh, _ := suspend(t, e, "Bash", map[string]any{"command": "ls"})
	if len(e.Pending()) != 1 {
		t.Fatal("expected a pending entry for non-edit tool under acceptEdits")
	}
	e.Reset(context.Background(), "test cleanup")
	<-resCh
}

func TestHandleToolCall_QuestionToolNeverAutoApproved(t *testing.T) {
	e := newTestEngine(t, nil)
	e.SetMode(ModeBypassPermissions)
	e.GrantTools([]string{"AskUserQuestion"})

	if _, ok := e.allowedTools["AskUserQuestion"]; ok {
		t.Fatal("question tools must never join the generic allowlist")
	}

	e.ObserveToolUse("tc_q1", "AskUserQuestion", map[string]any{"questions": []any{"pick one"}})
	resCh, errCh := suspend(t, e, "AskUserQuestion", map[string]any{"questions": []any{"pick one"}})

	if err := e.HandleDecision(context.Background(), map[string]any{
		"id":       "tc_q1",
		"approved": true,
		"answers":  map[string]any{"0": map[string]any{"answers": []any{"x"}}},
	}); err != nil {
		t.Fatalf("decision: %v", err)
	}

	res := <-resCh
	if err := <-errCh; err != nil {
		t.Fatalf("tool call: %v", err)
	}
	if !res.Allowed() {
		t.Fatalf("expected allow, got %+v", res)
	}
	answers, ok := res.UpdatedInput["0"].([]string)
	if !ok || len(answers) != 1 || answers[0] != "x" {
		t.Errorf("expected flattened answers [x], got %#v", res.UpdatedInput["0"])
	}
	if res.UpdatedInput["questions"] == nil {
		t.Error("original input must survive the answer merge")
	}
}

func TestHandleDecision_QuestionToolWithoutAnswers(t *testing.T) {
	e := newTestEngine(t, nil)
	input := map[string]any{"questions": []any{"pick one"}}
	e.ObserveToolUse("tc_q2", "ask_user_question", input)
	resCh, errCh := suspend(t, e, "ask_user_question", input)

	if err := e.HandleDecision(context.Background(), map[string]any{"id": "tc_q2", "approved": true}); err != nil {
		t.Fatalf("decision: %v", err)
	}

	res := <-resCh
	if err := <-errCh; err != nil {
		t.Fatalf("tool call: %v", err)
	}
	if res.Allowed() {
		t.Fatalf("expected deny, got %+v", res)
	}
	if res.Message != "No answers were provided." {
		t.Errorf("unexpected deny message %q", res.Message)
	}
}

func TestHandleDecision_GenericApproveAndDeny(t *testing.T) {
	e := newTestEngine(t, nil)
	input := map[string]any{"command": "rm -rf /"}
	e.ObserveToolUse("tc_bash", "Bash", input)
	resCh, errCh := suspend(t, e, "Bash", input)

	if err := e.HandleDecision(context.Background(), map[string]any{
		"id": "tc_bash", "approved": false, "reason": "too risky",
	}); err != nil {
		t.Fatalf("decision: %v", err)
	}

	res := <-resCh
	if err := <-errCh; err != nil {
		t.Fatalf("tool call: %v", err)
	}
	if res.Allowed() {
		t.Fatalf("expected deny, got %+v", res)
	}
	if res.Message != "too risky" {
		t.Errorf("expected the human's reason, got %q", res.Message)
	}
	if !e.IsAborted("tc_bash") {
		t.Error("denied call must report aborted")
	}

	// Approval hands back the original input untouched.
	input2 := map[string]any{"file_path": "b.txt"}
	e.ObserveToolUse("tc_read", "Read", input2)
	resCh, errCh = suspend(t, e, "Read", input2)
	if err := e.HandleDecision(context.Background(), map[string]any{"id": "tc_read", "approved": true}); err != nil {
		t.Fatalf("decision: %v", err)
	}
	res = <-resCh
	if err := <-errCh; err != nil {
		t.Fatalf("tool call: %v", err)
	}
	if !res.Allowed() || res.UpdatedInput["file_path"] != "b.txt" {
		t.Errorf("expected allow with original input, got %+v", res)
	}
	if e.IsAborted("tc_read") {
		t.Error("approved call must not report aborted")
	}
}

func TestHandleDecision_DenyWithoutReasonUsesFixedMessage(t *testing.T) {
	e := newTestEngine(t, nil)
	input := map[string]any{"file_path": "a.txt", "old_string": "x", "new_string": "y"}
	e.ObserveToolUse("tc_edit", "Edit", input)
	resCh, _ := suspend(t, e, "Edit", input)

	if err := e.HandleDecision(context.Background(), map[string]any{"id": "tc_edit", "approved": false}); err != nil {
		t.Fatalf("decision: %v", err)
	}

	res := <-resCh
	if res.Allowed() {
		t.Fatalf("expected deny, got %+v", res)
	}
	if res.Message != declinedMessage {
		t.Errorf("expected fixed instructive message, got %q", res.Message)
	}
}

func TestHandleDecision_PlanExitAlwaysDenies(t *testing.T) {
	queue := &recordingQueue{}
	e := newTestEngine(t, queue)
	e.SetMode(ModePlan)

	planInput := map[string]any{"plan": "1. do the thing"}
	e.ObserveToolUse("tc_plan", "exit_plan_mode", planInput)
	resCh, errCh := suspend(t, e, "exit_plan_mode", planInput)

	if err := e.HandleDecision(context.Background(), map[string]any{
		"id":            "tc_plan",
		"approved":      true,
		"clear_context": "true",
		"mode":          "bypassPermissions",
	}); err != nil {
		t.Fatalf("decision: %v", err)
	}

	res := <-resCh
	if err := <-errCh; err != nil {
		t.Fatalf("tool call: %v", err)
	}

	// Approval never reaches the SDK as an allow.
	if res.Allowed() {
		t.Fatalf("plan exit must deny at the SDK level, got %+v", res)
	}
	if !res.Interrupt {
		t.Error("plan exit deny must interrupt the turn")
	}
	if e.Mode() != ModeBypassPermissions {
		t.Errorf("expected mode bypassPermissions after approval, got %s", e.Mode())
	}
	if !e.IsAborted("tc_plan") {
		t.Error("plan exit must always report aborted")
	}

	// /clear lands ahead of the restart message.
	items := queue.snapshot()
	if len(items) != 2 {
		t.Fatalf("expected 2 queued items, got %d", len(items))
	}
	if items[0].text != "/clear" || !items[0].isolate {
		t.Errorf("expected isolated /clear first, got %+v", items[0])
	}
	if items[1].text != planRestartMessage || items[1].mode != ModeBypassPermissions {
		t.Errorf("expected tagged restart second, got %+v", items[1])
	}
}

func TestHandleDecision_PlanExitModeFallbacks(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]any
		want    Mode
	}{
		{
			name:    "explicit mode wins",
			payload: map[string]any{"approved": true, "mode": "default"},
			want:    ModeDefault,
		},
		{
			name:    "plan is not a valid exit target",
			payload: map[string]any{"approved": true, "mode": "plan", "autoApproveEdits": 1},
			want:    ModeAcceptEdits,
		},
		{
			name:    "autoApproveEdits falls back to acceptEdits",
			payload: map[string]any{"approved": true, "auto_approve_edits": "true"},
			want:    ModeAcceptEdits,
		},
		{
			name:    "no hints falls back to default",
			payload: map[string]any{"approved": true},
			want:    ModeDefault,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			queue := &recordingQueue{}
			e := newTestEngine(t, queue)
			e.SetMode(ModePlan)

			input := map[string]any{"plan": "steps"}
			e.ObserveToolUse("tc_plan", "ExitPlanMode", input)
			resCh, _ := suspend(t, e, "ExitPlanMode", input)

			tc.payload["id"] = "tc_plan"
			if err := e.HandleDecision(context.Background(), tc.payload); err != nil {
				t.Fatalf("decision: %v", err)
			}
			<-resCh

			if e.Mode() != tc.want {
				t.Errorf("expected mode %s, got %s", tc.want, e.Mode())
			}
		})
	}
}

func TestHandleDecision_PlanExitDeniedLeavesPlanMode(t *testing.T) {
	queue := &recordingQueue{}
	e := newTestEngine(t, queue)
	e.SetMode(ModePlan)

	input := map[string]any{"plan": "steps"}
	e.ObserveToolUse("tc_plan", "exit_plan_mode", input)
	resCh, _ := suspend(t, e, "exit_plan_mode", input)

	if err := e.HandleDecision(context.Background(), map[string]any{"id": "tc_plan", "approved": false}); err != nil {
		t.Fatalf("decision: %v", err)
	}
	res := <-resCh

	if res.Allowed() {
		t.Fatalf("expected deny, got %+v", res)
	}
	if e.Mode() != ModePlan {
		t.Errorf("denied plan exit must not change mode, got %s", e.Mode())
	}
	if len(queue.snapshot()) != 0 {
		t.Error("denied plan exit must not inject queue messages")
	}
}

func TestHandleDecision_GrantsAndModeApplyGlobally(t *testing.T) {
	e := newTestEngine(t, nil)
	input := map[string]any{"command": "git push"}
	e.ObserveToolUse("tc_push", "Bash", input)
	resCh, _ := suspend(t, e, "Bash", input)

	if err := e.HandleDecision(context.Background(), map[string]any{
		"id":         "tc_push",
		"approved":   true,
		"mode":       "acceptEdits",
		"allowTools": []any{"Bash(git push:*)", "WebFetch", "AskUserQuestion", "Bash"},
	}); err != nil {
		t.Fatalf("decision: %v", err)
	}
	<-resCh

	if e.Mode() != ModeAcceptEdits {
		t.Errorf("decision mode must apply globally, got %s", e.Mode())
	}

	state := e.State()
	if len(state.BashPrefixes) != 1 || state.BashPrefixes[0] != "git push" {
		t.Errorf("expected bash prefix grant, got %+v", state.BashPrefixes)
	}
	if len(state.AllowedTools) != 1 || state.AllowedTools[0] != "WebFetch" {
		t.Errorf("expected only WebFetch allowlisted, got %+v", state.AllowedTools)
	}

	// The merged prefix now auto-approves future calls.
	res, err := e.HandleToolCall(context.Background(), "Bash", map[string]any{"command": "git push --force"})
	if err != nil || !res.Allowed() {
		t.Errorf("expected granted prefix to auto-approve, got %+v err=%v", res, err)
	}
}

func TestHandleDecision_UnknownIDDropped(t *testing.T) {
	e := newTestEngine(t, nil)
	err := e.HandleDecision(context.Background(), map[string]any{"id": "tc_ghost", "approved": true})
	if !errors.Is(err, sekishoErrors.ErrNotFound) {
		t.Fatalf("expected not found for unknown id, got %v", err)
	}
	if e.responses.Len() != 0 {
		t.Error("dropped decision must not record state")
	}
}

func TestHandleToolCall_CorrelationRetryAndFailure(t *testing.T) {
	e := newTestEngine(t, nil)
	input := map[string]any{"command": "ls"}

	// The tool_use lands after the check fires; the single retry absorbs it.
	go func() {
		time.Sleep(5 * time.Millisecond)
		e.ObserveToolUse("tc_late", "Bash", input)
	}()
	resCh, errCh := suspend(t, e, "Bash", input)
	if err := e.HandleDecision(context.Background(), map[string]any{"id": "tc_late", "approved": true}); err != nil {
		t.Fatalf("decision: %v", err)
	}
	if res := <-resCh; !res.Allowed() {
		t.Errorf("expected allow after late correlation, got %+v", res)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("tool call: %v", err)
	}

	// No record at all: the retry runs once, then the call fails hard.
	_, err := e.HandleToolCall(context.Background(), "Bash", map[string]any{"command": "never recorded"})
	if !errors.Is(err, sekishoErrors.ErrCorrelationFailed) {
		t.Fatalf("expected correlation failure, got %v", err)
	}
}

func TestHandleToolCall_ContextCancellation(t *testing.T) {
	e := newTestEngine(t, nil)
	input := map[string]any{"command": "sleep 60"}
	e.ObserveToolUse("tc_cancel", "Bash", input)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := e.HandleToolCall(ctx, "Bash", input)
		errCh <- err
	}()
	waitFor(t, "pending registration", func() bool { return len(e.Pending()) == 1 })

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(e.Pending()) != 0 {
		t.Error("cancelled request must leave the pending table")
	}
}

func TestReset_RejectsAllPendingAndClearsState(t *testing.T) {
	e := newTestEngine(t, nil)
	e.GrantTools([]string{"Bash(git status)", "WebFetch"})

	inputs := []map[string]any{
		{"command": "make build"},
		{"file_path": "x.txt"},
	}
	e.ObserveToolUse("tc_1", "Bash", inputs[0])
	e.ObserveToolUse("tc_2", "Read", inputs[1])
	_, errCh1 := suspend(t, e, "Bash", inputs[0])
	_, errCh2 := suspend(t, e, "Read", inputs[1])

	e.Reset(context.Background(), "Session switched to local mode")

	for i, errCh := range []<-chan error{errCh1, errCh2} {
		err := <-errCh
		if err == nil {
			t.Fatalf("pending request %d must be rejected by reset", i+1)
		}
		if !errors.Is(err, sekishoErrors.ErrPermissionDenied) {
			t.Errorf("expected permission denied category, got %v", err)
		}
	}

	state := e.State()
	if state.PendingCount != 0 || state.RecordedCalls != 0 || state.Decisions != 0 {
		t.Errorf("reset must empty ledgers, got %+v", state)
	}
	if len(state.BashLiterals)+len(state.BashPrefixes)+len(state.AllowedTools) != 0 {
		t.Errorf("reset must clear grants, got %+v", state)
	}
	if state.Mode != ModeDefault {
		t.Errorf("mode must survive reset, got %s", state.Mode)
	}
}

func TestResponseLedger_MergePreservesReceivedAt(t *testing.T) {
	l := NewResponseLedger()

	l.Merge("tc_1", "Bash", map[string]any{"id": "tc_1", "approved": false, "reason": "wait"})
	rec, _ := l.Get("tc_1")
	first := rec.ReceivedAt

	time.Sleep(5 * time.Millisecond)
	l.Merge("tc_1", "Bash", map[string]any{"id": "tc_1", "approved": true})

	rec, ok := l.Get("tc_1")
	if !ok {
		t.Fatal("record missing after merge")
	}
	if !rec.ReceivedAt.Equal(first) {
		t.Error("merge must preserve the original ReceivedAt")
	}
	if !rec.Decision.Approved {
		t.Error("later payload keys must overwrite earlier ones")
	}
	if rec.Decision.Reason != "wait" {
		t.Error("keys absent from the later payload must survive")
	}
}

func TestEngine_VerdictHook(t *testing.T) {
	var mu sync.Mutex
	var events []VerdictEvent
	e := NewEngine("sess-test", Options{
		RetryDelay: 10 * time.Millisecond,
		OnVerdict: func(_ context.Context, evt VerdictEvent) {
			mu.Lock()
			events = append(events, evt)
			mu.Unlock()
		},
	})
	e.SetMode(ModeBypassPermissions)

	if _, err := e.HandleToolCall(context.Background(), "Bash", map[string]any{"command": "ls"}); err != nil {
		t.Fatalf("tool call: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("expected 1 verdict event, got %d", len(events))
	}
	if events[0].Origin != OriginAuto || !events[0].Result.Allowed() {
		t.Errorf("unexpected verdict event %+v", events[0])
	}
}
