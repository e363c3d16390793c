// Package watchdog re-announces permission requests that have waited too
// long for a human. Prompts scroll out of view in a busy chat; the
// watchdog surfaces them again until someone decides or the remind limit
// runs out.
package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/sekisho/internal/config"
	"github.com/harunnryd/sekisho/internal/permission"
)

type reminderPublisher interface {
	PublishReminder(ctx context.Context, snap permission.Snapshot, age time.Duration)
}

// Engine polls the pending requests of every live session and republishes
// the ones older than the stale threshold. Each request is reminded at
// most RemindLimit times so an abandoned approval does not spam the
// channel forever.
type Engine struct {
	cfg            config.WatchdogConfig
	pollInterval   time.Duration
	staleThreshold time.Duration
	remindLimit    int
	pending        func() []permission.Snapshot
	publisher      reminderPublisher

	mu         sync.RWMutex
	started    bool
	reminded   map[string]int // tool_call_id -> reminders sent
	lastSweep  time.Time
	sweepCount int
	sentCount  int
}

// NewEngine builds a watchdog over the given pending-snapshot source.
func NewEngine(cfg config.WatchdogConfig, pending func() []permission.Snapshot, publisher reminderPublisher) *Engine {
	pollInterval, err := config.DurationOrDefault(cfg.PollInterval, config.DefaultWatchdogPollInterval)
	if err != nil {
		pollInterval, _ = config.DurationOrDefault("", config.DefaultWatchdogPollInterval)
	}
	staleThreshold, err := config.DurationOrDefault(cfg.StaleThreshold, config.DefaultWatchdogStaleThreshold)
	if err != nil {
		staleThreshold, _ = config.DurationOrDefault("", config.DefaultWatchdogStaleThreshold)
	}
	remindLimit := cfg.RemindLimit
	if remindLimit <= 0 {
		remindLimit = config.DefaultWatchdogRemindLimit
	}

	return &Engine{
		cfg:            cfg,
		pollInterval:   pollInterval,
		staleThreshold: staleThreshold,
		remindLimit:    remindLimit,
		pending:        pending,
		publisher:      publisher,
		reminded:       make(map[string]int),
	}
}

func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started || !e.cfg.Enabled {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	ticker := time.NewTicker(e.pollInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				e.mu.Lock()
				e.started = false
				e.mu.Unlock()
				return
			case <-ticker.C:
				e.Sweep(ctx)
			}
		}
	}()
}

// Sweep republishes every stale pending request still under the reminder
// limit, then drops tracking for requests that have settled.
func (e *Engine) Sweep(ctx context.Context) {
	snaps := e.pending()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSweep = time.Now()
	e.sweepCount++

	live := make(map[string]struct{}, len(snaps))
	for _, snap := range snaps {
		live[snap.ToolCallID] = struct{}{}

		age := time.Since(snap.CreatedAt)
		if age < e.staleThreshold {
			continue
		}
		if e.reminded[snap.ToolCallID] >= e.remindLimit {
			continue
		}
		e.reminded[snap.ToolCallID]++
		e.sentCount++
		slog.Info("Reminding stale permission request",
			"session_id", snap.SessionID, "tool_call_id", snap.ToolCallID,
			"tool", snap.ToolName, "age", age.Round(time.Second),
			"reminder", e.reminded[snap.ToolCallID])
		e.publisher.PublishReminder(ctx, snap, age)
	}

	for id := range e.reminded {
		if _, ok := live[id]; !ok {
			delete(e.reminded, id)
		}
	}
}

func (e *Engine) Status() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return map[string]interface{}{
		"enabled":         e.cfg.Enabled,
		"started":         e.started,
		"poll_interval":   e.pollInterval.String(),
		"stale_threshold": e.staleThreshold.String(),
		"remind_limit":    e.remindLimit,
		"last_sweep":      e.lastSweep,
		"sweep_count":     e.sweepCount,
		"reminders_sent":  e.sentCount,
		"tracked":         len(e.reminded),
	}
}
