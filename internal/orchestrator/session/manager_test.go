package session

import (
	"context"
	"testing"
	"time"

	"github.com/harunnryd/sekisho/internal/config"
	"github.com/harunnryd/sekisho/internal/governance"
	"github.com/harunnryd/sekisho/internal/permission"
	"github.com/harunnryd/sekisho/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *store.Worker, *governance.Engine) {
	t.Helper()
	root := t.TempDir()

	w, err := store.NewWorker("default", root, store.RuntimeConfig{})
	require.NoError(t, err)
	w.Start()
	t.Cleanup(w.Stop)

	gov, err := governance.NewEngine(config.GovernanceConfig{
		AutoAllow:      []string{"Read"},
		BashPrefixes:   []string{"git status"},
		IdempotencyTTL: "1h",
		AuditEnabled:   true,
	}, "default", root)
	require.NoError(t, err)

	m := NewManager(Options{
		Store:       w,
		Governance:  gov,
		DefaultMode: permission.ModeDefault,
		RetryDelay:  10 * time.Millisecond,
		QueueSize:   8,
	})
	t.Cleanup(m.Close)
	return m, w, gov
}

func TestManagerGetAppliesSeedGrants(t *testing.T) {
	m, _, _ := newTestManager(t)

	sess, err := m.Get(context.Background(), "sess-1")
	require.NoError(t, err)

	state := sess.Engine.State()
	assert.Equal(t, permission.ModeDefault, state.Mode)
	assert.Contains(t, state.AllowedTools, "Read")
	assert.Contains(t, state.BashPrefixes, "git status")

	// Second Get returns the same live session.
	again, err := m.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Same(t, sess, again)
}

func TestManagerRestoresPersistedState(t *testing.T) {
	m, w, _ := newTestManager(t)

	require.NoError(t, w.SaveSession(&store.SessionMeta{
		ID:           "sess-2",
		Title:        "restored",
		Status:       "active",
		Mode:         "acceptEdits",
		AllowedTools: []string{"WebSearch"},
		BashLiterals: []string{"ls"},
		BashPrefixes: []string{"npm run"},
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}))

	sess, err := m.Get(context.Background(), "sess-2")
	require.NoError(t, err)

	state := sess.Engine.State()
	assert.Equal(t, permission.ModeAcceptEdits, state.Mode)
	assert.Contains(t, state.AllowedTools, "WebSearch")
	assert.Contains(t, state.BashLiterals, "ls")
	assert.Contains(t, state.BashPrefixes, "npm run")
}

func TestManagerDecisionRoundTrip(t *testing.T) {
	m, _, gov := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Get(ctx, "sess-3")
	require.NoError(t, err)

	input := map[string]any{"command": "make deploy"}
	sess.Engine.ObserveToolUse("toolu_01", "Bash", input)

	type outcome struct {
		res permission.Result
		err error
	}
	results := make(chan outcome, 1)
	go func() {
		res, err := sess.Engine.HandleToolCall(ctx, "Bash", input)
		results <- outcome{res, err}
	}()

	require.Eventually(t, func() bool {
		return len(sess.Engine.Pending()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sess.Engine.HandleDecision(ctx, map[string]any{
		"id":         "toolu_01",
		"approved":   true,
		"allowTools": []any{"Bash(make deploy:*)"},
	}))

	select {
	case out := <-results:
		require.NoError(t, out.err)
		assert.True(t, out.res.Allowed())
	case <-time.After(2 * time.Second):
		t.Fatal("verdict never delivered")
	}

	// The verdict settled the approval ledger.
	assert.True(t, gov.Approvals().IsGranted("toolu_01"))

	// Request and verdict both landed in the transcript.
	entries, err := m.History("sess-3", 0)
	require.NoError(t, err)
	var roles []store.Role
	for _, entry := range entries {
		roles = append(roles, entry.Role)
	}
	assert.Contains(t, roles, store.RoleSystem)
	assert.Contains(t, roles, store.RoleVerdict)
}

func TestManagerPersistsGrantsAfterDecision(t *testing.T) {
	m, w, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Get(ctx, "sess-4")
	require.NoError(t, err)

	input := map[string]any{"command": "npm run build"}
	sess.Engine.ObserveToolUse("toolu_02", "Bash", input)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = sess.Engine.HandleToolCall(ctx, "Bash", input)
	}()

	require.Eventually(t, func() bool {
		return len(sess.Engine.Pending()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sess.Engine.HandleDecision(ctx, map[string]any{
		"id":         "toolu_02",
		"approved":   true,
		"allowTools": []any{"Bash(npm run:*)"},
		"mode":       "acceptEdits",
	}))
	<-done

	meta, err := w.GetSession("sess-4")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "acceptEdits", meta.Mode)
	assert.Contains(t, meta.BashPrefixes, "npm run")
}

func TestManagerClearDropsSession(t *testing.T) {
	m, w, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Get(ctx, "sess-5")
	require.NoError(t, err)
	require.NoError(t, m.AppendMessage("sess-5", store.RoleUser, "hello", nil))
	sess.Queue.Unshift("queued", permission.ModeDefault)

	require.NoError(t, m.Clear(ctx, "sess-5", "user cleared session"))

	_, live := m.Peek("sess-5")
	assert.False(t, live)

	meta, err := w.GetSession("sess-5")
	require.NoError(t, err)
	assert.Nil(t, meta)

	entries, err := m.History("sess-5", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
