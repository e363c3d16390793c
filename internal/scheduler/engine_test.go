package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/sekisho/internal/config"
	"github.com/harunnryd/sekisho/internal/ingress"
)

type mockIngressSubmitter struct {
	mu        sync.Mutex
	submitted []*ingress.Event
}

func (m *mockIngressSubmitter) Submit(ctx context.Context, evt *ingress.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, evt)
	return nil
}

func (m *mockIngressSubmitter) byType(t ingress.EventType) []*ingress.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ingress.Event
	for _, evt := range m.submitted {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

type mockPruner struct {
	mu    sync.Mutex
	calls int
}

func (m *mockPruner) PruneIdempotency() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return 2
}

func (m *mockPruner) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestScheduler(t *testing.T, cfg config.SchedulerConfig) (*Scheduler, *Store, *mockIngressSubmitter, *mockPruner) {
	t.Helper()
	store, err := NewStore(t.TempDir() + "/scheduler.json")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	submitter := &mockIngressSubmitter{}
	pruner := &mockPruner{}
	sched, err := NewScheduler(store, submitter, pruner, cfg)
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	return sched, store, submitter, pruner
}

func TestScheduler_ComponentLifecycle(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t, config.SchedulerConfig{})
	ctx := context.Background()

	if err := sched.Health(ctx); err == nil {
		t.Error("Health should fail when not initialized")
	}

	if err := sched.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !sched.IsRunning() {
		t.Error("Scheduler should be running after Start")
	}
	if err := sched.Health(ctx); err != nil {
		t.Errorf("Health check failed: %v", err)
	}

	if err := sched.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if sched.IsRunning() {
		t.Error("Scheduler should not be running after Stop")
	}
	if err := sched.Health(ctx); err == nil {
		t.Error("Health should fail after Stop")
	}
}

func TestScheduler_GracefulShutdown(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t, config.SchedulerConfig{})

	ctx := context.Background()
	sched.Init(ctx)
	sched.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- sched.Stop(shutdownCtx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	case <-shutdownCtx.Done():
		t.Error("Stop timed out")
	}
}

func TestScheduler_DueTaskFiresIntoSessionQueue(t *testing.T) {
	sched, store, submitter, _ := newTestScheduler(t, config.SchedulerConfig{})
	ctx := context.Background()
	sched.Init(ctx)

	task := &Task{
		SessionID: "session-1",
		Schedule:  "* * * * *",
		Content:   "summarize overnight failures",
	}
	if err := store.Add(task); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// Force the task due.
	store.mu.Lock()
	store.data.Tasks[task.ID].NextRun = time.Now().Add(-time.Minute)
	store.mu.Unlock()

	sched.onTick(ctx)

	fired := submitter.byType(ingress.TypeCron)
	if len(fired) != 1 {
		t.Fatalf("expected 1 cron event, got %d", len(fired))
	}
	evt := fired[0]
	if evt.SessionID != "session-1" {
		t.Errorf("expected session-1, got %s", evt.SessionID)
	}
	if evt.Content != "summarize overnight failures" {
		t.Errorf("unexpected content: %s", evt.Content)
	}
	if evt.Metadata["task_id"] != task.ID {
		t.Errorf("expected task id in metadata, got %v", evt.Metadata)
	}

	// The lease must be released and NextRun advanced; an immediate
	// second tick fires nothing.
	sched.onTick(ctx)
	if n := len(submitter.byType(ingress.TypeCron)); n != 1 {
		t.Fatalf("expected no second fire, got %d cron events", n)
	}
}

func TestScheduler_TaskWithoutSessionSkipped(t *testing.T) {
	sched, store, submitter, _ := newTestScheduler(t, config.SchedulerConfig{})
	ctx := context.Background()
	sched.Init(ctx)

	// Bypass Add validation to simulate a hand-edited task file.
	store.mu.Lock()
	store.data.Tasks["orphan"] = &Task{
		ID:       "orphan",
		Schedule: "* * * * *",
		Content:  "text",
		NextRun:  time.Now().Add(-time.Minute),
	}
	store.mu.Unlock()

	sched.onTick(ctx)

	if n := len(submitter.byType(ingress.TypeCron)); n != 0 {
		t.Fatalf("expected orphan task skipped, got %d cron events", n)
	}
}

func TestScheduler_HeartbeatEveryTick(t *testing.T) {
	sched, _, submitter, _ := newTestScheduler(t, config.SchedulerConfig{})
	ctx := context.Background()
	sched.Init(ctx)

	sched.onTick(ctx)
	sched.onTick(ctx)

	beats := submitter.byType(ingress.TypeSystemEvent)
	if len(beats) != 2 {
		t.Fatalf("expected 2 heartbeats, got %d", len(beats))
	}
	if beats[0].Content != "heartbeat tick" {
		t.Errorf("unexpected heartbeat content: %s", beats[0].Content)
	}
}

func TestScheduler_PruneHonoursInterval(t *testing.T) {
	sched, _, _, pruner := newTestScheduler(t, config.SchedulerConfig{PruneInterval: "1h"})
	ctx := context.Background()
	sched.Init(ctx)

	sched.onTick(ctx)
	sched.onTick(ctx)

	if pruner.count() != 1 {
		t.Fatalf("expected a single prune within the interval, got %d", pruner.count())
	}

	sched.mu.Lock()
	sched.lastPrune = time.Now().Add(-2 * time.Hour)
	sched.mu.Unlock()

	sched.onTick(ctx)
	if pruner.count() != 2 {
		t.Fatalf("expected prune after interval elapsed, got %d", pruner.count())
	}
}
