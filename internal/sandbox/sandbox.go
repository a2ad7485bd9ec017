// Package sandbox runs validated commands as child processes.
// Every run is bounded by a timeout, capped output buffers and guaranteed
// process-tree cleanup. Deciding whether a command may run is not this
// package's job: callers validate first.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by runners.
var (
	ErrWorkdirMissing = errors.New("working directory does not exist")
	ErrStartFailed    = errors.New("process start failure")
	ErrTimedOut       = errors.New("command timed out")
	ErrCanceled       = errors.New("command canceled")
)

// StartError reports a command that could not be spawned.
type StartError struct {
	Command string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start %q: %v", e.Command, e.Err)
}

func (e *StartError) Unwrap() []error { return []error{ErrStartFailed, e.Err} }

// Runner executes a single command.
type Runner interface {
	Run(ctx context.Context, req Request) (*Outcome, error)
}

// Request describes one invocation.
type Request struct {
	Command       string
	WorkDir       string
	Timeout       time.Duration // Zero = runner default.
	CaptureOutput bool
	RunAsShell    bool
	Env           map[string]string // Merged on top of the runner's minimal environment.
}

// Outcome is produced exactly once per started process, on completion or
// forced termination.
type Outcome struct {
	Command         string        `json:"command"`
	WorkDir         string        `json:"workingDirectory"`
	ExitCode        *int          `json:"exitCode"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	StdoutTruncated bool          `json:"stdoutTruncated,omitempty"`
	StderrTruncated bool          `json:"stderrTruncated,omitempty"`
	Duration        time.Duration `json:"duration"`
	TimedOut        bool          `json:"timedOut,omitempty"`
}

// Truncated reports whether either stream hit the output cap.
func (o *Outcome) Truncated() bool {
	return o != nil && (o.StdoutTruncated || o.StderrTruncated)
}
