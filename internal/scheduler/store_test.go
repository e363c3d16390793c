package scheduler

import (
	"path/filepath"
	"testing"
	"time"
)

func TestStore_AddValidatesTask(t *testing.T) {
	st, err := NewStore(filepath.Join(t.TempDir(), "tasks.json"))
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		task Task
	}{
		{"no session", Task{Schedule: "* * * * *", Content: "x"}},
		{"no content", Task{SessionID: "s1", Schedule: "* * * * *"}},
		{"bad schedule", Task{SessionID: "s1", Schedule: "not a cron", Content: "x"}},
	}
	for _, tc := range cases {
		if err := st.Add(&tc.task); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}

	task := Task{SessionID: "s1", Schedule: "@every 10s", Content: "check builds"}
	if err := st.Add(&task); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if task.ID == "" {
		t.Error("Add should assign an id")
	}
	if task.NextRun.IsZero() {
		t.Error("Add should compute the first fire time")
	}
}

func TestStore_PersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	st, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}

	task := Task{SessionID: "s1", Schedule: "@every 1h", Content: "nightly sweep"}
	if err := st.Add(&task); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	tasks := reloaded.List()
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task after reload, got %d", len(tasks))
	}
	if tasks[0].Content != "nightly sweep" || tasks[0].SessionID != "s1" {
		t.Errorf("task not persisted correctly: %+v", tasks[0])
	}

	if err := reloaded.Remove(task.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if len(reloaded.List()) != 0 {
		t.Error("expected empty store after Remove")
	}
	if err := reloaded.Remove(task.ID); err == nil {
		t.Error("expected error removing a missing task")
	}
}

func TestStore_LeaseLifecycle(t *testing.T) {
	st, err := NewStore(filepath.Join(t.TempDir(), "tasks.json"))
	if err != nil {
		t.Fatal(err)
	}

	task := Task{SessionID: "s1", Schedule: "@every 10s", Content: "heartbeat check"}
	if err := st.Add(&task); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if err := st.AcquireLease(task.ID, "run1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Failed to acquire lease: %v", err)
	}

	lease, err := st.GetLease(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if lease == nil || lease.RunID != "run1" {
		t.Fatal("lease not persisted correctly")
	}

	if err := st.AcquireLease(task.ID, "run2", time.Now().Add(time.Minute)); err == nil {
		t.Error("expected error leasing an already leased task")
	}

	// An expired lease is recoverable.
	st.mu.Lock()
	st.data.Tasks[task.ID].Lease.ExpiresAt = time.Now().Add(-time.Minute)
	st.mu.Unlock()

	if err := st.AcquireLease(task.ID, "run3", time.Now().Add(time.Minute)); err != nil {
		t.Errorf("Failed to acquire expired lease: %v", err)
	}

	if err := st.MarkTaskDone(task.ID, "run1"); err == nil {
		t.Error("expected lease mismatch for a stale run id")
	}
	if err := st.MarkTaskDone(task.ID, "run3"); err != nil {
		t.Errorf("Failed to complete task: %v", err)
	}

	lease, _ = st.GetLease(task.ID)
	if lease != nil {
		t.Error("lease should be cleared after completion")
	}
}

func TestStore_ShouldFireAdvancesNextRun(t *testing.T) {
	st, err := NewStore(filepath.Join(t.TempDir(), "tasks.json"))
	if err != nil {
		t.Fatal(err)
	}

	task := Task{SessionID: "s1", Schedule: "* * * * *", Content: "x"}
	if err := st.Add(&task); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// Freshly added: NextRun is in the future.
	fire, _, err := st.ShouldFire(task.ID, task.Schedule)
	if err != nil {
		t.Fatal(err)
	}
	if fire {
		t.Error("task should not fire before NextRun")
	}

	st.mu.Lock()
	st.data.Tasks[task.ID].NextRun = time.Now().Add(-time.Minute)
	st.mu.Unlock()

	fire, next, err := st.ShouldFire(task.ID, task.Schedule)
	if err != nil {
		t.Fatal(err)
	}
	if !fire {
		t.Error("overdue task should fire")
	}
	if !next.After(time.Now()) {
		t.Error("NextRun should advance past now")
	}

	fire, _, _ = st.ShouldFire(task.ID, task.Schedule)
	if fire {
		t.Error("task should not fire twice in one window")
	}
}
