// Package runtime assembles the checkpoint's working parts for the
// in-process commands (run, decide against a local store). The daemon
// subcommand uses the component lifecycle manager instead; this package
// wires the same parts by hand for a single foreground session.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/harunnryd/sekisho/internal/adapter"
	"github.com/harunnryd/sekisho/internal/concurrency"
	"github.com/harunnryd/sekisho/internal/config"
	"github.com/harunnryd/sekisho/internal/egress"
	"github.com/harunnryd/sekisho/internal/governance"
	"github.com/harunnryd/sekisho/internal/ingress"
	"github.com/harunnryd/sekisho/internal/orchestrator"
	"github.com/harunnryd/sekisho/internal/scheduler"
	"github.com/harunnryd/sekisho/internal/store"
	"github.com/harunnryd/sekisho/internal/watchdog"
	"github.com/harunnryd/sekisho/internal/worker"
)

type RuntimeComponents struct {
	Ctx    context.Context
	Cancel context.CancelFunc

	Config      *config.Config
	WorkspaceID string

	StoreWorker       *store.Worker
	Governance        *governance.Engine
	Orchestrator      orchestrator.Kernel
	Ingress           *ingress.Ingress
	Egress            egress.Egress
	InteractiveWorker *worker.Worker
	BackgroundWorker  *worker.Worker
	Scheduler         *scheduler.Scheduler
	Watchdog          *watchdog.Engine
	AdapterMgr        *adapter.RuntimeManager

	Locks *concurrency.SimpleSessionLockManager
}

func NewRuntimeComponents(ctx context.Context, cfg *config.Config, workspaceID string) (*RuntimeComponents, error) {
	cancel := func() {}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel = context.WithCancel(ctx)

	components := &RuntimeComponents{
		Ctx:         ctx,
		Cancel:      cancel,
		Config:      cfg,
		WorkspaceID: workspaceID,
	}

	eventHandler := func(evtCtx context.Context, source string, eventType string, sessionID string, content string, metadata map[string]string) error {
		if components.Ingress == nil {
			return fmt.Errorf("ingress not initialized")
		}

		msgType := ingress.TypeUserMessage
		switch eventType {
		case string(ingress.TypeDecision):
			msgType = ingress.TypeDecision
		case string(ingress.TypeCommand):
			msgType = ingress.TypeCommand
		case string(ingress.TypeCron):
			msgType = ingress.TypeCron
		case string(ingress.TypeSystemEvent):
			msgType = ingress.TypeSystemEvent
		}

		evt := ingress.NewEvent(source, msgType, sessionID, content, metadata)
		return components.Ingress.Submit(evtCtx, &evt)
	}

	adapterMgr, err := adapter.NewRuntimeManager(cfg.Adapters, eventHandler, adapter.RuntimeAdapterOptions{
		IncludeCLI:        true,
		IncludeSystemNull: true,
	})
	if err != nil {
		components.cleanup()
		return nil, fmt.Errorf("init adapters: %w", err)
	}
	components.AdapterMgr = adapterMgr

	storeWorker, err := buildStoreWorker(cfg, workspaceID)
	if err != nil {
		components.cleanup()
		return nil, fmt.Errorf("init store worker: %w", err)
	}
	storeWorker.Start()
	components.StoreWorker = storeWorker

	gov, err := governance.NewEngine(cfg.Governance, workspaceID, cfg.Daemon.WorkspacePath)
	if err != nil {
		components.cleanup()
		return nil, fmt.Errorf("init governance engine: %w", err)
	}
	components.Governance = gov

	egressComponent := egress.NewEgress(storeWorker)
	for _, outputAdapter := range adapterMgr.OutputAdapters() {
		if err := egressComponent.Register(outputAdapter); err != nil {
			components.cleanup()
			return nil, fmt.Errorf("register output adapter %s: %w", outputAdapter.Name(), err)
		}
	}
	egressComponent.SetNotify(resolveNotify(cfg))
	components.Egress = egressComponent

	kernel, err := orchestrator.NewKernel(*cfg, storeWorker, gov, egressComponent)
	if err != nil {
		components.cleanup()
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}
	if err := kernel.Init(ctx); err != nil {
		components.cleanup()
		return nil, fmt.Errorf("init kernel: %w", err)
	}
	components.Orchestrator = kernel

	ing, locks, interactiveWorker, backgroundWorker, err := buildWorkers(cfg, storeWorker, kernel)
	if err != nil {
		components.cleanup()
		return nil, fmt.Errorf("init workers: %w", err)
	}
	components.Ingress = ing
	components.Locks = locks
	components.InteractiveWorker = interactiveWorker
	components.BackgroundWorker = backgroundWorker

	sched, err := buildScheduler(ctx, cfg, workspaceID, ing, storeWorker)
	if err != nil {
		components.cleanup()
		return nil, fmt.Errorf("init scheduler: %w", err)
	}
	components.Scheduler = sched

	components.Watchdog = watchdog.NewEngine(cfg.Watchdog, kernel.Sessions().AllPending, egress.NewPublisher(egressComponent))

	slog.Info("Runtime components initialized successfully", "workspace", workspaceID)
	return components, nil
}

func buildStoreWorker(cfg *config.Config, workspaceID string) (*store.Worker, error) {
	lockTimeout, err := config.DurationOrDefault(cfg.Store.LockTimeout, config.DefaultStoreLockTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse store lock timeout: %w", err)
	}
	lockRetry, err := config.DurationOrDefault(cfg.Store.LockRetry, config.DefaultStoreLockRetry)
	if err != nil {
		return nil, fmt.Errorf("parse store lock retry: %w", err)
	}
	lockMaxRetry := cfg.Store.LockMaxRetry
	if lockMaxRetry <= 0 {
		lockMaxRetry = config.DefaultStoreLockMaxRetry
	}
	inboxSize := cfg.Store.InboxSize
	if inboxSize <= 0 {
		inboxSize = config.DefaultStoreInboxSize
	}

	return store.NewWorker(workspaceID, cfg.Daemon.WorkspacePath, store.RuntimeConfig{
		LockTimeout:  lockTimeout,
		LockRetry:    lockRetry,
		LockMaxRetry: lockMaxRetry,
		InboxSize:    inboxSize,
	})
}

func buildWorkers(cfg *config.Config, storeWorker *store.Worker, kernel orchestrator.Kernel) (*ingress.Ingress, *concurrency.SimpleSessionLockManager, *worker.Worker, *worker.Worker, error) {
	interactiveQueueSize := cfg.Ingress.InteractiveQueueSize
	if interactiveQueueSize <= 0 {
		interactiveQueueSize = config.DefaultIngressInteractiveQueue
	}
	backgroundQueueSize := cfg.Ingress.BackgroundQueueSize
	if backgroundQueueSize <= 0 {
		backgroundQueueSize = config.DefaultIngressBackgroundQueue
	}
	interactiveSubmitTimeout, err := config.DurationOrDefault(cfg.Ingress.InteractiveSubmitTimeout, config.DefaultIngressInteractiveSubmitTimeout)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("parse ingress interactive submit timeout: %w", err)
	}
	drainTimeout, err := config.DurationOrDefault(cfg.Ingress.DrainTimeout, config.DefaultIngressDrainTimeout)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("parse ingress drain timeout: %w", err)
	}
	drainPollInterval, err := config.DurationOrDefault(cfg.Ingress.DrainPollInterval, config.DefaultIngressDrainPollInterval)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("parse ingress drain poll interval: %w", err)
	}
	idempotencyTTL, err := config.DurationOrDefault(cfg.Governance.IdempotencyTTL, config.DefaultGovernanceIdempotencyTTL)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("parse governance idempotency ttl: %w", err)
	}
	workerShutdownTimeout, err := config.DurationOrDefault(cfg.Worker.ShutdownTimeout, config.DefaultWorkerShutdownTimeout)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("parse worker shutdown timeout: %w", err)
	}

	ing := ingress.NewIngress(
		interactiveQueueSize,
		backgroundQueueSize,
		ingress.RuntimeConfig{
			InteractiveSubmitTimeout: interactiveSubmitTimeout,
			DrainTimeout:             drainTimeout,
			DrainPollInterval:        drainPollInterval,
			IdempotencyTTL:           idempotencyTTL,
		},
		storeWorker,
	)

	locks := concurrency.NewSimpleSessionLockManager()

	interactiveWorker := worker.NewWorker(
		"interactive",
		ing.InteractiveQueue(),
		storeWorker,
		kernel,
		locks,
		worker.RuntimeConfig{ShutdownTimeout: workerShutdownTimeout},
	)

	backgroundWorker := worker.NewWorker(
		"background",
		ing.BackgroundQueue(),
		storeWorker,
		kernel,
		locks,
		worker.RuntimeConfig{ShutdownTimeout: workerShutdownTimeout},
	)

	return ing, locks, interactiveWorker, backgroundWorker, nil
}

func buildScheduler(ctx context.Context, cfg *config.Config, workspaceID string, ing *ingress.Ingress, storeWorker *store.Worker) (*scheduler.Scheduler, error) {
	schedulerDir, err := store.GetSchedulerDir(workspaceID, cfg.Daemon.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scheduler directory: %w", err)
	}
	taskStore, err := scheduler.NewStore(filepath.Join(schedulerDir, "tasks.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler store: %w", err)
	}
	sched, err := scheduler.NewScheduler(taskStore, ing, storeWorker, cfg.Scheduler)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	return sched, nil
}

// resolveNotify mirrors the daemon's fallback routing: explicit config,
// then the first enabled chat adapter, then the CLI.
func resolveNotify(cfg *config.Config) string {
	if name := strings.TrimSpace(cfg.Adapters.Notify); name != "" {
		return name
	}
	if cfg.Adapters.Telegram.Enabled {
		return "telegram"
	}
	if cfg.Adapters.Slack.Enabled {
		return "slack"
	}
	return "cli"
}

func (r *RuntimeComponents) Start() error {
	if r.Orchestrator == nil {
		return fmt.Errorf("orchestrator not initialized")
	}

	if err := r.Orchestrator.Start(r.Ctx); err != nil {
		r.cleanup()
		return fmt.Errorf("start orchestrator: %w", err)
	}

	if r.Scheduler != nil {
		if err := r.Scheduler.Start(r.Ctx); err != nil {
			r.cleanup()
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	if r.InteractiveWorker != nil {
		if _, err := r.InteractiveWorker.Start(r.Ctx); err != nil {
			r.cleanup()
			return fmt.Errorf("start interactive worker: %w", err)
		}
	}

	if r.BackgroundWorker != nil {
		if _, err := r.BackgroundWorker.Start(r.Ctx); err != nil {
			r.cleanup()
			return fmt.Errorf("start background worker: %w", err)
		}
	}

	if r.Watchdog != nil {
		r.Watchdog.Start(r.Ctx)
	}

	if r.AdapterMgr != nil {
		r.AdapterMgr.Start(r.Ctx)
	}
	return nil
}

func (r *RuntimeComponents) Stop() {
	slog.Info("Stopping runtime components...")

	r.Cancel()

	if r.Scheduler != nil {
		r.Scheduler.Stop(r.Ctx)
	}

	if r.InteractiveWorker != nil {
		r.InteractiveWorker.Stop(r.Ctx)
	}

	if r.BackgroundWorker != nil {
		r.BackgroundWorker.Stop(r.Ctx)
	}

	if r.Orchestrator != nil {
		r.Orchestrator.Stop(r.Ctx)
	}

	if r.AdapterMgr != nil {
		if err := r.AdapterMgr.Stop(r.Ctx); err != nil {
			slog.Warn("Failed to stop adapter manager", "error", err)
		}
	}

	if r.Ingress != nil {
		r.Ingress.Close()
	}

	if r.StoreWorker != nil {
		r.StoreWorker.Stop()
	}

	slog.Info("Runtime components stopped")
}

func (r *RuntimeComponents) cleanup() {
	slog.Debug("Cleaning up runtime components...")
	r.Stop()
}
