package main

import (
	"testing"

	"github.com/jkaninda/shellguard/internal/executor"
	"github.com/jkaninda/shellguard/internal/history"
	"github.com/jkaninda/shellguard/internal/sandbox"
)

func TestCommandLine(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"ls -la | head"}, "ls -la | head"},
		{[]string{"ls", "-la"}, "ls -la"},
		{[]string{"ls", "-la", "my dir"}, "ls -la 'my dir'"},
	}
	for _, tt := range tests {
		if got := commandLine(tt.args); got != tt.want {
			t.Errorf("commandLine(%q) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestExitCodeFor(t *testing.T) {
	code := func(n int) *int { return &n }

	tests := []struct {
		name string
		res  *executor.Result
		want int
	}{
		{"success", &executor.Result{Success: true, Status: history.StatusCompleted}, ExitSuccess},
		{"denied", &executor.Result{Status: history.StatusDenied}, ExitPolicyDenied},
		{"timed out", &executor.Result{Status: history.StatusTimedOut}, ExitTimedOut},
		{"child status", &executor.Result{
			Status:  history.StatusCompleted,
			RawData: &sandbox.Outcome{ExitCode: code(2)},
		}, 2},
		{"errored", &executor.Result{Status: history.StatusErrored, Err: executor.ErrExecutionFailed}, ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCodeFor(tt.res); got != tt.want {
				t.Errorf("exitCodeFor() = %d, want %d", got, tt.want)
			}
		})
	}
}
