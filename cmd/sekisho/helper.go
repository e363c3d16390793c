package main

import (
	"fmt"

	"github.com/harunnryd/sekisho/cmd/sekisho/runtime"

	"github.com/harunnryd/sekisho/internal/config"

	"github.com/spf13/cobra"
)

func executeWithRuntime(cmd *cobra.Command, fn func(*runtime.RuntimeComponents) error) error {
	workspaceID := runtime.ResolveWorkspaceID(cmd)

	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sig := NewSignalHandler(cmd.Context())
	sig.Start()
	defer sig.Stop()

	builder := runtime.NewRuntimeBuilder().
		WithContext(sig.Context()).
		WithConfig(cfg).
		WithWorkspace(workspaceID)

	components, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	defer components.Stop()

	return fn(components)
}
