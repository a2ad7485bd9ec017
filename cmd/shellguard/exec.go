package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"al.essio.dev/pkg/shellescape"
	"github.com/spf13/cobra"

	"github.com/jkaninda/shellguard/internal/approval"
	"github.com/jkaninda/shellguard/internal/executor"
	"github.com/jkaninda/shellguard/internal/history"
)

// Exit codes for the exec and check commands. A command that ran exits with
// its own status.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitPolicyDenied = 3
	ExitTimedOut     = 124
)

var (
	execWorkdir   string
	execTimeout   int
	execShell     bool
	execProfile   string
	execUser      string
	execNoCapture bool
	execJSON      bool
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- command [args...]",
	Short: "Validate and run one command",
	Long: `Validate a command against the active policy profile and run it.

A single argument is taken as a command line; several arguments are quoted
and joined first, so "shellguard exec -- ls -la 'my dir'" runs ls with two
arguments. When approval is required the prompt is shown on stderr.

Exit codes:
  0    success
  1    execution failure
  3    policy denied or approval refused
  124  timed out
  N    the command's own non-zero exit status`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVarP(&execWorkdir, "workdir", "C", "", "working directory (default: current directory)")
	execCmd.Flags().IntVarP(&execTimeout, "timeout", "t", 0, fmt.Sprintf("timeout in seconds, %d-%d", executor.MinTimeout, executor.MaxTimeout))
	execCmd.Flags().BoolVar(&execShell, "shell", false, "run through the system shell")
	execCmd.Flags().StringVar(&execProfile, "profile", "", "policy profile (default: the user's bound profile)")
	execCmd.Flags().StringVar(&execUser, "user", "cli-user", "user identity for policy bindings and the ledger")
	execCmd.Flags().BoolVar(&execNoCapture, "no-capture", false, "do not capture stdout and stderr")
	execCmd.Flags().BoolVar(&execJSON, "json", false, "print the full result as JSON")
}

// commandLine joins argv into one command line, quoting where needed.
func commandLine(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return shellescape.QuoteCommand(args)
}

func runExec(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(slog.LevelWarn)

	prompt := func(*SharedComponents) approval.Gate {
		return approval.NewPromptGate(os.Stdin, os.Stderr)
	}
	sc, err := initShared(cfg, logger, prompt)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req := executor.Request{
		Command:          commandLine(args),
		WorkingDirectory: execWorkdir,
		Timeout:          execTimeout,
		RunAsShell:       execShell,
		Profile:          execProfile,
		UserID:           execUser,
	}
	if execNoCapture {
		capture := false
		req.CaptureOutput = &capture
	}

	res := sc.Coordinator.Execute(ctx, req)
	if execJSON {
		if err := writeJSON(os.Stdout, res); err != nil {
			return err
		}
	} else {
		if res.FormattedOutput != "" {
			fmt.Fprintln(os.Stdout, res.FormattedOutput)
		}
		if res.Error != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", *res.Error)
		}
	}

	if code := exitCodeFor(res); code != ExitSuccess {
		return &exitError{code: code}
	}
	return nil
}

// exitCodeFor mirrors the command's exit status where there is one.
func exitCodeFor(res *executor.Result) int {
	switch {
	case res.Success:
		return ExitSuccess
	case res.Status == history.StatusDenied:
		return ExitPolicyDenied
	case res.Status == history.StatusTimedOut:
		return ExitTimedOut
	case res.RawData != nil && res.RawData.ExitCode != nil && *res.RawData.ExitCode != 0:
		return *res.RawData.ExitCode
	case errors.Is(res.Err, executor.ErrValidationDenied):
		return ExitPolicyDenied
	default:
		return ExitFailure
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
