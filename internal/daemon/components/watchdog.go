package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/sekisho/internal/config"
	"github.com/harunnryd/sekisho/internal/daemon"
	"github.com/harunnryd/sekisho/internal/egress"
	"github.com/harunnryd/sekisho/internal/watchdog"
)

// WatchdogComponent runs the stale-permission reminder loop over the
// kernel's live sessions.
type WatchdogComponent struct {
	cfg      *config.WatchdogConfig
	orchComp *OrchestratorComponent

	engine      *watchdog.Engine
	cancel      context.CancelFunc
	mu          sync.RWMutex
	initialized bool
}

func NewWatchdogComponent(cfg *config.WatchdogConfig, orchComp *OrchestratorComponent) *WatchdogComponent {
	return &WatchdogComponent{
		cfg:      cfg,
		orchComp: orchComp,
	}
}

func (w *WatchdogComponent) Name() string {
	return "Watchdog"
}

func (w *WatchdogComponent) Dependencies() []string {
	return []string{"Orchestrator"}
}

func (w *WatchdogComponent) Init(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.orchComp == nil {
		return fmt.Errorf("orchestrator component not provided")
	}

	kernel := w.orchComp.GetKernel()
	eg := w.orchComp.GetEgress()
	if kernel == nil || eg == nil {
		return fmt.Errorf("orchestrator not initialized")
	}

	sessions := kernel.Sessions()
	w.engine = watchdog.NewEngine(*w.cfg, sessions.AllPending, egress.NewPublisher(eg))
	w.initialized = true
	slog.Info("Watchdog initialized", "component", w.Name(), "enabled", w.cfg.Enabled)
	return nil
}

func (w *WatchdogComponent) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.initialized {
		return fmt.Errorf("watchdog not initialized")
	}

	// The sweep loop outlives the Start call; it stops when this component
	// stops, not when the caller's ctx does.
	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.engine.Start(runCtx)

	if w.cfg.Enabled {
		slog.Info("Watchdog started", "component", w.Name())
	} else {
		slog.Info("Watchdog disabled, reminder loop not running", "component", w.Name())
	}
	return nil
}

func (w *WatchdogComponent) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	slog.Info("Watchdog stopped", "component", w.Name())
	return nil
}

func (w *WatchdogComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.initialized {
		return &daemon.ComponentHealth{
			Name:    w.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}

	return &daemon.ComponentHealth{
		Name:    w.Name(),
		Healthy: true,
	}, nil
}

func (w *WatchdogComponent) GetEngine() *watchdog.Engine {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.engine
}
