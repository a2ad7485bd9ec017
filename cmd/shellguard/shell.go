package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/shellguard/internal/approval"
	"github.com/jkaninda/shellguard/internal/gateway/cli"
)

var shellUser string

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive shell where every line goes through policy",
	Long: `Read commands from the terminal, check each against the bound policy
profile and run the allowed ones. Commands that need approval are
confirmed at the same prompt.`,
	RunE: runShell,
}

func init() {
	shellCmd.Flags().StringVar(&shellUser, "user", cli.DefaultUserID, "identity used for policy bindings and history")
}

func runShell(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(slog.LevelWarn)

	repl := cli.NewGateway(os.Stdin, os.Stdout, shellUser, logger)
	sc, err := initShared(cfg, logger, func(*SharedComponents) approval.Gate { return repl })
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	return repl.Bind(sc.Coordinator).Start(ctx)
}
