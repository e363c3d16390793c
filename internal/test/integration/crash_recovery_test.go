package integration_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/harunnryd/sekisho/internal/store"
)

func TestCrashRecovery(t *testing.T) {
	_ = setupTestEnv(t)
	workspaceID := fmt.Sprintf("crash-recovery-test-%d", time.Now().UnixNano())

	sw, err := store.NewWorker(workspaceID, "", store.RuntimeConfig{})
	if err != nil {
		t.Fatalf("Failed to create StoreWorker: %v", err)
	}
	sw.Start()

	sessionID := "test-session-crash"
	sw.SaveSession(&store.SessionMeta{
		ID:        sessionID,
		Title:     "Test Session",
		Status:    "active",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Metadata:  map[string]string{"source": "telegram"},
	})

	sw.WriteTranscript(sessionID, []byte(`{"role":"user","content":"Hello before crash","ts":"2024-01-01T00:00:00Z"}`))

	sw.Stop()

	sw2, err := store.NewWorker(workspaceID, "", store.RuntimeConfig{})
	if err != nil {
		t.Fatalf("Failed to recreate StoreWorker: %v", err)
	}
	sw2.Start()
	defer sw2.Stop()

	sessionMeta, err := sw2.GetSession(sessionID)
	if err != nil {
		t.Fatalf("Failed to recover session metadata: %v", err)
	}
	if sessionMeta == nil {
		t.Fatal("Expected session metadata to survive restart")
	}

	if sessionMeta.ID != sessionID {
		t.Errorf("Expected session ID %s, got %s", sessionID, sessionMeta.ID)
	}

	if sessionMeta.Status != "active" {
		t.Errorf("Expected status 'active', got '%s'", sessionMeta.Status)
	}

	if sessionMeta.Metadata["source"] != "telegram" {
		t.Errorf("Expected metadata source=telegram, got source=%s", sessionMeta.Metadata["source"])
	}

	lines, err := sw2.ReadTranscript(sessionID, 0)
	if err != nil {
		t.Fatalf("Failed to read transcript after recovery: %v", err)
	}

	if len(lines) != 1 {
		t.Errorf("Expected 1 transcript entry, got %d", len(lines))
	}

	expectedContent := `{"role":"user","content":"Hello before crash","ts":"2024-01-01T00:00:00Z"}`
	if lines[0] != expectedContent {
		t.Errorf("Expected content '%s', got '%s'", expectedContent, lines[0])
	}
}

func TestGrantStateSurvivesRestart(t *testing.T) {
	_ = setupTestEnv(t)
	workspaceID := fmt.Sprintf("grant-recovery-test-%d", time.Now().UnixNano())

	sw, err := store.NewWorker(workspaceID, "", store.RuntimeConfig{})
	if err != nil {
		t.Fatalf("Failed to create StoreWorker: %v", err)
	}
	sw.Start()

	sessionID := "test-session-grants"
	sw.SaveSession(&store.SessionMeta{
		ID:           sessionID,
		Title:        "Grant Session",
		Status:       "active",
		Mode:         "acceptEdits",
		AllowedTools: []string{"WebFetch"},
		BashLiterals: []string{"make test"},
		BashPrefixes: []string{"git log"},
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	})

	sw.Stop()

	sw2, err := store.NewWorker(workspaceID, "", store.RuntimeConfig{})
	if err != nil {
		t.Fatalf("Failed to recreate StoreWorker: %v", err)
	}
	sw2.Start()
	defer sw2.Stop()

	meta, err := sw2.GetSession(sessionID)
	if err != nil {
		t.Fatalf("Failed to recover session: %v", err)
	}
	if meta == nil {
		t.Fatal("Expected session to survive restart")
	}

	if meta.Mode != "acceptEdits" {
		t.Errorf("Expected mode acceptEdits, got %q", meta.Mode)
	}
	if len(meta.AllowedTools) != 1 || meta.AllowedTools[0] != "WebFetch" {
		t.Errorf("Expected allowed tools [WebFetch], got %v", meta.AllowedTools)
	}
	if len(meta.BashLiterals) != 1 || meta.BashLiterals[0] != "make test" {
		t.Errorf("Expected bash literals [make test], got %v", meta.BashLiterals)
	}
	if len(meta.BashPrefixes) != 1 || meta.BashPrefixes[0] != "git log" {
		t.Errorf("Expected bash prefixes [git log], got %v", meta.BashPrefixes)
	}
}

func TestSessionResetDropsTranscript(t *testing.T) {
	_ = setupTestEnv(t)
	workspaceID := fmt.Sprintf("reset-test-%d", time.Now().UnixNano())

	sw, err := store.NewWorker(workspaceID, "", store.RuntimeConfig{})
	if err != nil {
		t.Fatalf("Failed to create StoreWorker: %v", err)
	}
	sw.Start()
	defer sw.Stop()

	keepID := "session-keep"
	resetID := "session-reset"
	for _, id := range []string{keepID, resetID} {
		sw.SaveSession(&store.SessionMeta{
			ID:        id,
			Title:     "Session " + id,
			Status:    "active",
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		})
		sw.WriteTranscript(id, []byte(`{"role":"user","content":"first"}`))
		sw.WriteTranscript(id, []byte(`{"role":"verdict","content":"approved"}`))
	}

	if err := sw.ResetSession(resetID); err != nil {
		t.Fatalf("Failed to reset session: %v", err)
	}

	lines, err := sw.ReadTranscript(resetID, 0)
	if err != nil {
		t.Fatalf("Failed to read transcript after reset: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("Expected empty transcript after reset, got %d entries", len(lines))
	}

	meta, err := sw.GetSession(resetID)
	if err != nil {
		t.Fatalf("Failed to query reset session: %v", err)
	}
	if meta != nil {
		t.Errorf("Expected reset session to leave the index, got %+v", meta)
	}

	// The other session is untouched.
	lines, err = sw.ReadTranscript(keepID, 0)
	if err != nil {
		t.Fatalf("Failed to read untouched transcript: %v", err)
	}
	if len(lines) != 2 {
		t.Errorf("Expected 2 entries in untouched transcript, got %d", len(lines))
	}
	meta, err = sw.GetSession(keepID)
	if err != nil || meta == nil {
		t.Errorf("Expected untouched session to remain, got %+v / %v", meta, err)
	}
}
