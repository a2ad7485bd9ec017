package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"time"
)

const (
	// MaxOutputBytes caps stdout and stderr independently.
	MaxOutputBytes = 1 << 20 // 1 MiB

	DefaultTimeout = 30 * time.Second

	// DefaultDeadlineBuffer is added to the timeout to form the outer deadline
	// that fires even if the context-driven kill stalls.
	DefaultDeadlineBuffer = 2 * time.Second

	defaultPath = "/usr/local/bin:/usr/bin:/bin"
)

// ProcessConfig configures the process runner.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	DeadlineBuffer time.Duration
	MaxOutputBytes int
	Env            map[string]string // Extra variables for every command.
	InheritPath    bool              // Pass the host PATH instead of a fixed one.
}

// ProcessRunner executes commands as host child processes.
//
// Guarantees:
//   - the child runs in its own session (POSIX) or process group (Windows)
//   - the whole tree is killed at the deadline
//   - no host environment is inherited beyond a small allowlist
//   - stdout/stderr are capped at MaxOutputBytes each
type ProcessRunner struct {
	defaultTimeout time.Duration
	buffer         time.Duration
	maxOutput      int
	env            map[string]string
	inheritPath    bool
	logger         *slog.Logger
}

var _ Runner = (*ProcessRunner)(nil)

// NewProcessRunner creates a process runner.
func NewProcessRunner(cfg ProcessConfig, logger *slog.Logger) *ProcessRunner {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	buffer := cfg.DeadlineBuffer
	if buffer <= 0 {
		buffer = DefaultDeadlineBuffer
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = MaxOutputBytes
	}
	return &ProcessRunner{
		defaultTimeout: timeout,
		buffer:         buffer,
		maxOutput:      maxOutput,
		env:            cfg.Env,
		inheritPath:    cfg.InheritPath,
		logger:         logger,
	}
}

// Run spawns the command and waits for it to exit or for the deadline.
//
// On timeout the outcome is returned together with ErrTimedOut. On caller
// cancellation it is returned with ErrCanceled. A missing working directory
// yields ErrWorkdirMissing and a spawn failure a *StartError, both without
// an outcome.
func (r *ProcessRunner) Run(ctx context.Context, req Request) (*Outcome, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	if info, err := os.Stat(req.WorkDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrWorkdirMissing, req.WorkDir)
	}

	name, args, err := buildArgv(req.Command, req.RunAsShell)
	if err != nil {
		return nil, &StartError{Command: req.Command, Err: err}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = r.buildEnv(req.Env)
	setupProcessTree(cmd)
	cmd.WaitDelay = r.buffer / 2

	var stdout, stderr *cappedBuffer
	if req.CaptureOutput {
		stdout = newCappedBuffer(r.maxOutput)
		stderr = newCappedBuffer(r.maxOutput)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}

	r.logger.InfoContext(ctx, "process starting",
		slog.String("command", req.Command),
		slog.String("dir", req.WorkDir),
		slog.Bool("shell", req.RunAsShell),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &StartError{Command: req.Command, Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	outer := time.NewTimer(timeout + r.buffer)
	defer outer.Stop()

	var waitErr error
	abandoned := false
	select {
	case waitErr = <-done:
	case <-outer.C:
		// The context kill did not bring Wait back in time. Kill again and
		// stop reading: whatever the tree still writes is dropped.
		killProcessTree(cmd)
		abandoned = true
	}
	duration := time.Since(start)

	outcome := &Outcome{
		Command:  req.Command,
		WorkDir:  req.WorkDir,
		Duration: duration,
	}
	if stdout != nil {
		outcome.Stdout, outcome.StdoutTruncated = stdout.seal()
		outcome.Stderr, outcome.StderrTruncated = stderr.seal()
	}

	if abandoned || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		outcome.TimedOut = true
		if !abandoned {
			outcome.ExitCode = exitCodeOf(cmd.ProcessState)
		}
		r.logger.WarnContext(ctx, "process timed out",
			slog.String("command", req.Command),
			slog.Duration("timeout", timeout),
			slog.Duration("duration", duration),
		)
		return outcome, fmt.Errorf("%w after %s", ErrTimedOut, timeout)
	}

	if ctx.Err() != nil {
		outcome.ExitCode = exitCodeOf(cmd.ProcessState)
		return outcome, fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr), errors.Is(waitErr, exec.ErrWaitDelay):
			// Non-zero exit or pipes held open past exit: still a result.
		default:
			return outcome, fmt.Errorf("waiting for process: %w", waitErr)
		}
	}
	outcome.ExitCode = exitCodeOf(cmd.ProcessState)

	r.logger.InfoContext(ctx, "process exited",
		slog.String("command", req.Command),
		slog.Any("exit_code", outcome.ExitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", len(outcome.Stdout)),
		slog.Int("stderr_bytes", len(outcome.Stderr)),
	)
	return outcome, nil
}

// exitCodeOf returns nil when the process did not exit on its own
// (killed by a signal or never reaped).
func exitCodeOf(state *os.ProcessState) *int {
	if state == nil {
		return nil
	}
	code := state.ExitCode()
	if code < 0 {
		return nil
	}
	return &code
}

// passthroughEnv lists host variables forwarded to children. Everything
// else, including credentials, stays in the parent.
var passthroughEnv = []string{"HOME", "USER", "LOGNAME", "TMPDIR", "TZ"}

var windowsEnv = []string{"SystemRoot", "SystemDrive", "ComSpec", "PATHEXT", "TEMP", "TMP", "USERPROFILE", "WINDIR"}

// buildEnv constructs a minimal environment plus configured and per-request extras.
func (r *ProcessRunner) buildEnv(extra map[string]string) []string {
	path := defaultPath
	if r.inheritPath || runtime.GOOS == "windows" {
		if p := os.Getenv("PATH"); p != "" {
			path = p
		}
	}
	env := []string{
		"PATH=" + path,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}

	keys := passthroughEnv
	if runtime.GOOS == "windows" {
		keys = append(append([]string{}, keys...), windowsEnv...)
	}
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}

	env = appendSorted(env, r.env)
	return appendSorted(env, extra)
}

func appendSorted(env []string, vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}
