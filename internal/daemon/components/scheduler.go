package components

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/harunnryd/sekisho/internal/config"
	"github.com/harunnryd/sekisho/internal/daemon"
	"github.com/harunnryd/sekisho/internal/scheduler"
	"github.com/harunnryd/sekisho/internal/store"
)

type SchedulerComponent struct {
	sched       *scheduler.Scheduler
	cfg         *config.Config
	ingressComp *IngressComponent
	storeComp   *StoreWorkerComponent
	workspaceID string
}

func NewSchedulerComponent(cfg *config.Config, ingComp *IngressComponent, storeComp *StoreWorkerComponent, workspaceID string) *SchedulerComponent {
	return &SchedulerComponent{
		cfg:         cfg,
		ingressComp: ingComp,
		storeComp:   storeComp,
		workspaceID: workspaceID,
	}
}

func (s *SchedulerComponent) Name() string {
	return "Scheduler"
}

func (s *SchedulerComponent) Dependencies() []string {
	return []string{"Ingress", "StoreWorker"}
}

func (s *SchedulerComponent) Init(ctx context.Context) error {
	if s.ingressComp == nil || s.storeComp == nil {
		return fmt.Errorf("required component dependencies not provided")
	}

	ing := s.ingressComp.GetIngress()
	storeWorker := s.storeComp.GetWorker()
	if ing == nil || storeWorker == nil {
		return fmt.Errorf("required dependencies not initialized")
	}

	schedulerDir, err := store.GetSchedulerDir(s.workspaceID, s.cfg.Daemon.WorkspacePath)
	if err != nil {
		return fmt.Errorf("failed to resolve scheduler directory: %w", err)
	}
	schedulerStorePath := filepath.Join(schedulerDir, "tasks.json")
	taskStore, err := scheduler.NewStore(schedulerStorePath)
	if err != nil {
		return fmt.Errorf("failed to create scheduler store: %w", err)
	}
	sched, err := scheduler.NewScheduler(taskStore, ing, storeWorker, s.cfg.Scheduler)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	s.sched = sched

	if err := s.sched.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	slog.Info("Scheduler initialized", "component", s.Name())
	return nil
}

func (s *SchedulerComponent) Start(ctx context.Context) error {
	if s.sched == nil {
		return fmt.Errorf("scheduler not initialized")
	}

	if err := s.sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	slog.Info("Scheduler started", "component", s.Name())
	return nil
}

func (s *SchedulerComponent) Stop(ctx context.Context) error {
	if s.sched == nil {
		slog.Info("Scheduler not initialized, skipping stop", "component", s.Name())
		return nil
	}

	if err := s.sched.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}

	slog.Info("Scheduler stopped", "component", s.Name())
	return nil
}

func (s *SchedulerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if s.sched == nil {
		return &daemon.ComponentHealth{
			Name:    s.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}

	err := s.sched.Health(ctx)

	if err != nil {
		return &daemon.ComponentHealth{
			Name:    s.Name(),
			Healthy: false,
			Error:   err,
		}, nil
	}

	return &daemon.ComponentHealth{
		Name:    s.Name(),
		Healthy: true,
		Error:   nil,
	}, nil
}

func (s *SchedulerComponent) GetScheduler() *scheduler.Scheduler {
	return s.sched
}
