// shellguard runs shell commands for agents and operators behind a policy
// engine, an optional approval step and a bounded sandbox.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/shellguard/internal/config"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "shellguard",
	Short: "Policy-checked command execution for agents and operators.",
	Long: `shellguard validates every command against a policy profile, optionally asks
for human approval, and runs it in a bounded child process with a timeout,
capped output and full process-tree cleanup. Every invocation is recorded.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file (env: SHELLGUARD_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (env: SHELLGUARD_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "text or json (env: SHELLGUARD_LOG_FORMAT)")

	rootCmd.AddCommand(execCmd, checkCmd, historyCmd, serveCmd, shellCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// exitError makes the process exit with code without printing anything.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// loadConfig reads the config file, falling back to defaults when it does
// not exist.
func loadConfig() (*config.Config, error) {
	return config.LoadOrDefault(goutils.Env("SHELLGUARD_CONFIG", configPath))
}

// newLogger writes to stderr so stdout stays clean for command output.
func newLogger(defaultLevel slog.Level) *slog.Logger {
	level := defaultLevel
	switch strings.ToLower(goutils.Env("SHELLGUARD_LOG_LEVEL", logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(goutils.Env("SHELLGUARD_LOG_FORMAT", logFormat)) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
