package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/shellguard/internal/gateway/mcpserver"
	"github.com/jkaninda/shellguard/internal/tools"
	"github.com/jkaninda/shellguard/internal/tools/shell"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve execute_command and check_command as an MCP server over stdio",
	Long: `Expose the sandbox to an MCP client (an agent host) over stdin/stdout.
Every call runs as the identity configured under gateways.mcp.user_id.

When gateways.http is enabled, the HTTP API also starts so operators can
resolve approvals while the agent waits.`,
	RunE: runMCP,
}

func runMCP(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the protocol; logs stay on stderr and stay quiet.
	logger := newLogger(slog.LevelWarn)

	sc, err := initShared(cfg, logger, managerGate)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cancelCleanup := sc.ApprovalMgr.StartCleanup(ctx, 1*time.Minute)
	defer cancelCleanup()

	if h := cfg.Gateways.HTTP; h != nil && h.Enabled {
		gw, _ := buildHTTPGateway(ctx, sc, nil)
		go func() {
			if err := gw.Start(ctx); err != nil {
				logger.Error("http gateway exited", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = gw.Stop(shutdownCtx)
		}()
	}

	reg := tools.NewRegistry()
	reg.Register(shell.NewTool(sc.Coordinator, logger))
	reg.Register(shell.NewCheckTool(sc.Coordinator))

	return mcpserver.New("shellguard", version, cfg.Gateways.MCP.MCPUser(), reg, sc.RBAC, logger).ServeStdio()
}
