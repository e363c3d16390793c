// Package scheduler fires persisted cron tasks into the event pipeline.
// Tasks are scheduled prompts for the agent; the engine also emits a
// liveness heartbeat and prunes expired idempotency keys on a slower
// cadence. A lease per run keeps a crash-looping daemon from double
// firing.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/sekisho/internal/config"
	sekishoErrors "github.com/harunnryd/sekisho/internal/errors"
	"github.com/harunnryd/sekisho/internal/ingress"
)

type Scheduler struct {
	store         *Store
	ingressSubmit IngressSubmitter
	pruner        IdempotencyPruner

	mu            sync.RWMutex
	ctx           context.Context
	cancel        context.CancelFunc
	running       bool
	ticker        *time.Ticker
	inFlightTasks uint
	lastPrune     time.Time

	tickInterval         time.Duration
	shutdownTimeout      time.Duration
	leaseDuration        time.Duration
	maxCatchupRuns       int
	inFlightPollInterval time.Duration
	pruneInterval        time.Duration
	heartbeatWorkspaceID string
}

type IngressSubmitter interface {
	Submit(ctx context.Context, evt *ingress.Event) error
}

// IdempotencyPruner drops expired processed-event keys.
type IdempotencyPruner interface {
	PruneIdempotency() int
}

func NewScheduler(store *Store, ingressSubmit IngressSubmitter, pruner IdempotencyPruner, cfg config.SchedulerConfig) (*Scheduler, error) {
	tickInterval, err := config.DurationOrDefault(cfg.TickInterval, config.DefaultSchedulerTickInterval)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler tick interval: %w", err)
	}

	shutdownTimeout, err := config.DurationOrDefault(cfg.ShutdownTimeout, config.DefaultSchedulerShutdownTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler shutdown timeout: %w", err)
	}

	leaseDuration, err := config.DurationOrDefault(cfg.LeaseDuration, config.DefaultSchedulerLeaseDuration)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler lease duration: %w", err)
	}

	inFlightPollInterval, err := config.DurationOrDefault(cfg.InFlightPollInterval, config.DefaultSchedulerInFlightPollInterval)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler in-flight poll interval: %w", err)
	}

	pruneInterval, err := config.DurationOrDefault(cfg.PruneInterval, config.DefaultSchedulerPruneInterval)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler prune interval: %w", err)
	}

	maxCatchupRuns := cfg.MaxCatchupRuns
	if maxCatchupRuns <= 0 {
		maxCatchupRuns = config.DefaultSchedulerMaxCatchupRuns
	}

	heartbeatWorkspaceID := strings.TrimSpace(cfg.HeartbeatWorkspaceID)
	if heartbeatWorkspaceID == "" {
		heartbeatWorkspaceID = config.DefaultSchedulerHeartbeatWorkspaceID
	}

	return &Scheduler{
		store:                store,
		ingressSubmit:        ingressSubmit,
		pruner:               pruner,
		tickInterval:         tickInterval,
		shutdownTimeout:      shutdownTimeout,
		leaseDuration:        leaseDuration,
		maxCatchupRuns:       maxCatchupRuns,
		inFlightPollInterval: inFlightPollInterval,
		pruneInterval:        pruneInterval,
		heartbeatWorkspaceID: heartbeatWorkspaceID,
	}, nil
}

func (s *Scheduler) Init(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	slog.Info("Scheduler initialized")
	return nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.recoverExpiredLeases(ctx)
	s.reportMissedRuns(ctx)

	s.ticker = time.NewTicker(s.tickInterval)

	go s.run(ctx)

	slog.Info("Scheduler started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.waitForInFlightTasks()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Scheduler stopped gracefully")
		return nil
	case <-time.After(s.shutdownTimeout):
		slog.Warn("Scheduler shutdown timeout, force stopping")
		return sekishoErrors.Internal("shutdown timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Health(ctx context.Context) error {
	if s.ctx == nil {
		return sekishoErrors.Internal("scheduler not initialized")
	}
	if !s.IsRunning() {
		return sekishoErrors.Internal("scheduler not running")
	}
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		select {
		case <-s.ticker.C:
			s.onTick(ctx)
		case <-s.ctx.Done():
			slog.Info("Scheduler run loop stopped")
			return
		}
	}
}

func (s *Scheduler) onTick(ctx context.Context) {
	s.processCronTasks(ctx)
	s.processHeartbeat(ctx)
	s.processPrune(ctx)
}

func (s *Scheduler) processCronTasks(ctx context.Context) {
	for _, task := range s.store.List() {
		if task.Schedule == "" {
			continue
		}
		if task.SessionID == "" {
			slog.Warn("Scheduled task has no session, skipping", "task", task.ID)
			continue
		}

		shouldFire, fireTime, err := s.store.ShouldFire(task.ID, task.Schedule)
		if err != nil {
			slog.Error("Failed to check if task should fire", "task", task.ID, "error", err)
			continue
		}

		if shouldFire {
			s.fireTask(ctx, task, fireTime)
		}
	}
}

// fireTask submits the task's prompt as a cron event for its session,
// bracketed by a run lease.
func (s *Scheduler) fireTask(ctx context.Context, task Task, fireTime time.Time) {
	s.mu.Lock()
	s.inFlightTasks++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlightTasks--
		s.mu.Unlock()
	}()

	runID := generateRunID()
	leaseExpiresAt := time.Now().Add(s.leaseDuration)

	if err := s.store.AcquireLease(task.ID, runID, leaseExpiresAt); err != nil {
		slog.Error("Failed to acquire lease", "task", task.ID, "error", err)
		return
	}

	evt := &ingress.Event{
		ID:        generateID(),
		Type:      ingress.TypeCron,
		Source:    "scheduler",
		Content:   task.Content,
		SessionID: task.SessionID,
		Metadata: map[string]string{
			"task_id":          task.ID,
			"run_id":           runID,
			"fire_time":        fireTime.Format(time.RFC3339),
			"lease_expires_at": leaseExpiresAt.Format(time.RFC3339),
		},
	}

	if err := s.ingressSubmit.Submit(ctx, evt); err != nil {
		slog.Error("Failed to submit cron event", "task", task.ID, "error", err)
		return
	}

	if err := s.store.MarkTaskDone(task.ID, runID); err != nil {
		slog.Error("Failed to mark task done", "task", task.ID, "error", err)
	}
}

func (s *Scheduler) processHeartbeat(ctx context.Context) {
	evt := &ingress.Event{
		ID:      generateID(),
		Type:    ingress.TypeSystemEvent,
		Source:  "scheduler",
		Content: "heartbeat tick",
		Metadata: map[string]string{
			"workspace_id": s.heartbeatWorkspaceID,
			"tick_time":    time.Now().Format(time.RFC3339),
		},
	}

	if err := s.ingressSubmit.Submit(ctx, evt); err != nil {
		slog.Warn("Failed to submit heartbeat event", "error", err)
	}
}

// processPrune drops expired idempotency keys once per prune interval.
func (s *Scheduler) processPrune(ctx context.Context) {
	if s.pruner == nil {
		return
	}

	s.mu.Lock()
	due := time.Since(s.lastPrune) >= s.pruneInterval
	if due {
		s.lastPrune = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}

	if pruned := s.pruner.PruneIdempotency(); pruned > 0 {
		slog.Info("Pruned expired idempotency keys", "count", pruned)
	}
}

func (s *Scheduler) recoverExpiredLeases(ctx context.Context) {
	recovered := 0
	for _, task := range s.store.List() {
		if task.Schedule == "" {
			continue
		}

		lease, err := s.store.GetLease(task.ID)
		if err != nil {
			slog.Warn("Failed to get lease", "task", task.ID, "error", err)
			continue
		}

		if lease != nil && time.Now().After(lease.ExpiresAt) {
			slog.Info("Recovering expired lease", "task", task.ID, "run_id", lease.RunID)
			recovered++
		}
	}

	if recovered > 0 {
		slog.Info("Recovered expired leases", "count", recovered)
	}
}

// reportMissedRuns surfaces the tasks that came due while the daemon was
// down. They are reported, not replayed: a stale scheduled prompt firing
// hours late is worse than a skipped one.
func (s *Scheduler) reportMissedRuns(ctx context.Context) {
	missed := 0
	now := time.Now()

	for _, task := range s.store.List() {
		if task.Schedule == "" {
			continue
		}
		if !task.NextRun.IsZero() && task.NextRun.Before(now) {
			missed++
		}
	}

	if missed > s.maxCatchupRuns {
		slog.Warn("Too many missed runs", "missed", missed, "max", s.maxCatchupRuns)

		evt := &ingress.Event{
			ID:      generateID(),
			Type:    ingress.TypeSystemEvent,
			Source:  "scheduler",
			Content: fmt.Sprintf("Missed %d scheduled runs", missed),
			Metadata: map[string]string{
				"workspace_id": s.heartbeatWorkspaceID,
				"missed_count": fmt.Sprintf("%d", missed),
			},
		}

		if err := s.ingressSubmit.Submit(ctx, evt); err != nil {
			slog.Warn("Failed to submit missed runs event", "error", err)
		}
	}
}

func (s *Scheduler) waitForInFlightTasks() {
	ticker := time.NewTicker(s.inFlightPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.RLock()
			count := s.inFlightTasks
			s.mu.RUnlock()

			if count == 0 {
				return
			}
			slog.Info("Waiting for in-flight tasks", "count", count)
		case <-s.ctx.Done():
			return
		}
	}
}
