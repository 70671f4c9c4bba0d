package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"vessel/internal/audit"
	"vessel/internal/config"
	"vessel/internal/envproc"
	"vessel/internal/logging"
	"vessel/internal/mcpserver"
	"vessel/internal/session"
	"vessel/internal/snapshot"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a session to a controlling process over MCP stdio",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := snapshot.NewStore(cfg.StateDir)
	if err != nil {
		return err
	}

	var auditStore *audit.Store
	if cfg.AuditDB != "" {
		if err := os.MkdirAll(cfg.StateDir, 0o755); err == nil {
			auditStore, err = audit.Open(cfg.AuditDB, sessionID())
			if err != nil {
				logging.Error("Audit log unavailable: %v", err)
				auditStore = nil
			}
		}
	}

	var launcher envproc.Launcher
	if cfg.Embedded {
		logging.Info("Running environment in-process (no isolation)")
		launcher = &envproc.InProcessLauncher{MaxSteps: cfg.MaxExecutionSteps}
	} else {
		launcher = &envproc.ExecLauncher{MaxSteps: cfg.MaxExecutionSteps}
	}

	controller, err := session.New(cmd.Context(), session.Options{
		Launcher:        launcher,
		Store:           store,
		Audit:           auditStore,
		ApprovalTimeout: cfg.ApprovalTimeout,
	})
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer controller.Close()
	if auditStore != nil {
		defer auditStore.Close()
	}

	if cfg.WorkspaceDir != "" {
		if err := installDefaultWorkspace(cmd.Context(), controller, cfg.WorkspaceDir); err != nil {
			logging.Error("Workspace capability unavailable: %v", err)
		}
	}

	return mcpserver.NewServer(controller).Start()
}

func installDefaultWorkspace(ctx context.Context, controller *session.Controller, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	_, err := controller.InstallCapability(ctx, "workspace",
		map[string]any{"root": dir},
		session.StrategySpec{Kind: session.StrategyContractBased})
	return err
}

func sessionID() string {
	return fmt.Sprintf("pid-%d", os.Getpid())
}
