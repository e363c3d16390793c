package components

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/sekisho/internal/adapter"
	"github.com/harunnryd/sekisho/internal/config"
	"github.com/harunnryd/sekisho/internal/daemon"
	"github.com/harunnryd/sekisho/internal/egress"
	"github.com/harunnryd/sekisho/internal/orchestrator"
)

type OrchestratorComponent struct {
	kernel         orchestrator.Kernel
	egressMgr      egress.Egress
	cfg            *config.Config
	storeComp      *StoreWorkerComponent
	governanceComp *GovernanceComponent
	adapterMgr     *adapter.RuntimeManager
}

// NewOrchestratorComponent wires the kernel to its store, governance engine
// and outbound chat surfaces. adapterMgr may be nil; chat output then falls
// back to the CLI adapter.
func NewOrchestratorComponent(cfg *config.Config, storeComp *StoreWorkerComponent, govComp *GovernanceComponent, adapterMgr *adapter.RuntimeManager) *OrchestratorComponent {
	return &OrchestratorComponent{
		cfg:            cfg,
		storeComp:      storeComp,
		governanceComp: govComp,
		adapterMgr:     adapterMgr,
	}
}

func (o *OrchestratorComponent) Name() string {
	return "Orchestrator"
}

func (o *OrchestratorComponent) Dependencies() []string {
	return []string{"StoreWorker", "Governance"}
}

func (o *OrchestratorComponent) Init(ctx context.Context) error {
	if o.storeComp == nil || o.governanceComp == nil {
		return fmt.Errorf("required component dependencies not provided")
	}

	storeWorker := o.storeComp.GetWorker()
	gov := o.governanceComp.GetEngine()
	if storeWorker == nil || gov == nil {
		return fmt.Errorf("required dependencies not initialized")
	}

	egressMgr := egress.NewEgress(storeWorker)
	if err := egressMgr.Register(adapter.NewCLIAdapter()); err != nil {
		return fmt.Errorf("failed to register default egress adapter: %w", err)
	}
	if err := egressMgr.Register(adapter.NewNullAdapter("scheduler")); err != nil {
		return fmt.Errorf("failed to register scheduler egress adapter: %w", err)
	}
	if err := egressMgr.Register(adapter.NewNullAdapter("system")); err != nil {
		return fmt.Errorf("failed to register system egress adapter: %w", err)
	}
	if o.adapterMgr != nil {
		for _, out := range o.adapterMgr.OutputAdapters() {
			if err := egressMgr.Register(out); err != nil {
				return fmt.Errorf("failed to register %s egress adapter: %w", out.Name(), err)
			}
		}
	}
	notify := o.resolveNotify()
	egressMgr.SetNotify(notify)
	slog.Info("Egress notify adapter resolved", "adapter", notify)

	kernel, err := orchestrator.NewKernel(*o.cfg, storeWorker, gov, egressMgr)
	if err != nil {
		return fmt.Errorf("failed to create kernel: %w", err)
	}
	o.kernel = kernel
	o.egressMgr = egressMgr

	if err := o.kernel.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize kernel: %w", err)
	}

	slog.Info("Orchestrator kernel initialized", "component", o.Name())
	return nil
}

// resolveNotify picks the adapter that receives permission prompts for
// sessions without a chat surface of their own. Explicit config wins,
// then the first enabled chat adapter, then the CLI.
func (o *OrchestratorComponent) resolveNotify() string {
	if name := strings.TrimSpace(o.cfg.Adapters.Notify); name != "" {
		return name
	}
	if o.cfg.Adapters.Telegram.Enabled {
		return "telegram"
	}
	if o.cfg.Adapters.Slack.Enabled {
		return "slack"
	}
	return "cli"
}

func (o *OrchestratorComponent) Start(ctx context.Context) error {
	if o.kernel == nil {
		return fmt.Errorf("kernel not initialized")
	}

	if err := o.kernel.Start(ctx); err != nil {
		return fmt.Errorf("failed to start kernel: %w", err)
	}

	slog.Info("Orchestrator started", "component", o.Name())
	return nil
}

func (o *OrchestratorComponent) Stop(ctx context.Context) error {
	if o.kernel == nil {
		slog.Info("Kernel not initialized, skipping stop", "component", o.Name())
		return nil
	}

	if err := o.kernel.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop kernel: %w", err)
	}

	slog.Info("Orchestrator stopped", "component", o.Name())
	return nil
}

func (o *OrchestratorComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if o.kernel == nil {
		return &daemon.ComponentHealth{
			Name:    o.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}

	health, err := o.kernel.Health(ctx)
	if err != nil {
		return nil, err
	}

	return &daemon.ComponentHealth{
		Name:    health.Name,
		Healthy: health.Healthy,
		Error:   health.Error,
	}, nil
}

func (o *OrchestratorComponent) GetKernel() orchestrator.Kernel {
	return o.kernel
}

// GetEgress exposes the outbound adapter set for components that publish
// outside the kernel's own paths, such as the watchdog.
func (o *OrchestratorComponent) GetEgress() egress.Egress {
	return o.egressMgr
}
