package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/sekisho/internal/config"
	"github.com/harunnryd/sekisho/internal/daemon"
	"github.com/harunnryd/sekisho/internal/governance"
)

type GovernanceComponent struct {
	cfg               *config.GovernanceConfig
	workspaceID       string
	workspaceRootPath string
	engine            *governance.Engine
	initialized       bool
	started           bool
	mu                sync.RWMutex
	startTime         time.Time
}

func NewGovernanceComponent(cfg *config.GovernanceConfig, workspaceID string, workspaceRootPath string) *GovernanceComponent {
	return &GovernanceComponent{
		cfg:               cfg,
		workspaceID:       workspaceID,
		workspaceRootPath: workspaceRootPath,
		initialized:       false,
		started:           false,
	}
}

func (g *GovernanceComponent) Name() string {
	return "Governance"
}

func (g *GovernanceComponent) Dependencies() []string {
	return []string{"StoreWorker"}
}

func (g *GovernanceComponent) Init(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Check if context is already cancelled
	select {
	case <-ctx.Done():
		return fmt.Errorf("Governance init cancelled: %w", ctx.Err())
	default:
	}

	engine, err := governance.NewEngine(*g.cfg, g.workspaceID, g.workspaceRootPath)
	if err != nil {
		return err
	}

	g.engine = engine
	g.initialized = true
	slog.Info("Governance initialized", "component", g.Name(), "workspace", g.workspaceID)
	return nil
}

func (g *GovernanceComponent) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.initialized {
		return fmt.Errorf("Governance not initialized")
	}

	g.started = true
	g.startTime = time.Now()
	slog.Info("Governance started", "component", g.Name())
	return nil
}

func (g *GovernanceComponent) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		slog.Info("Governance not started, skipping stop", "component", g.Name())
		return nil
	}

	slog.Info("Stopping Governance...", "component", g.Name())
	g.started = false
	slog.Info("Governance stopped", "component", g.Name())
	return nil
}

func (g *GovernanceComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.initialized {
		return &daemon.ComponentHealth{
			Name:    g.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}

	if !g.started {
		return &daemon.ComponentHealth{
			Name:    g.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not started"),
		}, nil
	}

	return &daemon.ComponentHealth{
		Name:    g.Name(),
		Healthy: true,
		Error:   nil,
	}, nil
}

func (g *GovernanceComponent) GetEngine() *governance.Engine {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.engine
}
