// Package shell exposes the execution coordinator as agent tools.
// All commands run through the coordinator, never directly on the host.
package shell

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/shellguard/internal/executor"
	"github.com/jkaninda/shellguard/internal/policy"
	"github.com/jkaninda/shellguard/internal/security"
	"github.com/jkaninda/shellguard/internal/tools"
)

// Executor is the part of the coordinator the tools need.
type Executor interface {
	Execute(ctx context.Context, req executor.Request) *executor.Result
	Check(command, profile, userID string) (policy.Verdict, string, error)
}

// Tool executes commands through the coordinator.
type Tool struct {
	exec   Executor
	logger *slog.Logger
}

// NewTool creates the execute_command tool.
func NewTool(exec Executor, logger *slog.Logger) *Tool {
	return &Tool{
		exec:   exec,
		logger: logger,
	}
}

func (t *Tool) Name() string { return "execute_command" }
func (t *Tool) Description() string {
	return "Execute a command on the host after policy validation. Commands outside the allowlist, " +
		"destructive patterns and shell operators are rejected unless the active profile allows them."
}

func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":          map[string]any{"type": "string", "description": "The command line to execute"},
			"workingDirectory": map[string]any{"type": "string", "description": "Working directory (default: server working directory)"},
			"timeout":          map[string]any{"type": "number", "description": fmt.Sprintf("Timeout in seconds, %d-%d (default %d)", executor.MinTimeout, executor.MaxTimeout, executor.DefaultTimeout)},
			"captureOutput":    map[string]any{"type": "boolean", "description": "Capture stdout and stderr (default true)"},
			"runAsShell":       map[string]any{"type": "boolean", "description": "Run through the system shell (default false)"},
		},
		"required": []string{"command"},
	}
}

func (t *Tool) RequiredAction() string { return security.ActionExec }

// Validate checks that params are well-formed.
func (t *Tool) Validate(params map[string]any) error {
	_, err := executor.ParseRequest(params)
	return err
}

// Execute parses params and runs the command. Denials, timeouts and
// non-zero exits are reported in the Result, not as errors; only malformed
// params return an error.
func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	req, err := executor.ParseRequest(params)
	if err != nil {
		return nil, err
	}
	// The caller runs under the profile bound to its identity.
	req.UserID = tools.UserIDFromContext(ctx)
	req.Profile = ""

	t.logger.DebugContext(ctx, "shell tool executing",
		slog.String("command", req.Command),
		slog.String("user_id", req.UserID),
	)

	res := t.exec.Execute(ctx, req)
	return toToolResult(res), nil
}

func toToolResult(res *executor.Result) *tools.Result {
	meta := map[string]any{"status": string(res.Status)}
	if res.RecordID != "" {
		meta["record_id"] = res.RecordID
	}
	if res.RawData != nil {
		meta["duration"] = res.RawData.Duration.String()
		if res.RawData.ExitCode != nil {
			meta["exit_code"] = *res.RawData.ExitCode
		}
	}
	if res.Verdict != nil && !res.Verdict.Allowed {
		meta["rule"] = string(res.Verdict.Rule)
	}

	output := res.FormattedOutput
	if res.Error != nil && !strings.Contains(output, *res.Error) {
		output = strings.TrimSpace(output + "\n" + "Error: " + *res.Error)
	}
	return &tools.Result{Output: output, Metadata: meta, Success: res.Success}
}

// CheckTool reports whether a command would be allowed, without running it.
type CheckTool struct {
	exec Executor
}

// NewCheckTool creates the check_command tool.
func NewCheckTool(exec Executor) *CheckTool {
	return &CheckTool{exec: exec}
}

func (t *CheckTool) Name() string { return "check_command" }
func (t *CheckTool) Description() string {
	return "Check whether a command would pass policy validation without executing it"
}

func (t *CheckTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "The command line to check"},
			"profile": map[string]any{"type": "string", "description": "Policy profile (default: the caller's profile)"},
		},
		"required": []string{"command"},
	}
}

func (t *CheckTool) RequiredAction() string { return security.ActionCheck }

func (t *CheckTool) Validate(params map[string]any) error {
	_, err := requireString(params, "command")
	return err
}

func (t *CheckTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	command, err := requireString(params, "command")
	if err != nil {
		return nil, err
	}
	profile, _ := params["profile"].(string)

	verdict, resolved, err := t.exec.Check(command, profile, tools.UserIDFromContext(ctx))
	if err != nil {
		return nil, err
	}

	state := "allowed"
	if !verdict.Allowed {
		state = "denied"
	}
	return &tools.Result{
		Output:  fmt.Sprintf("%s (%s): %s", state, resolved, verdict.Reason),
		Success: verdict.Allowed,
		Metadata: map[string]any{
			"profile": resolved,
			"rule":    string(verdict.Rule),
		},
	}, nil
}

// requireString extracts a required string parameter.
func requireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("parameter %s must not be empty", key)
	}
	return s, nil
}

var (
	_ tools.Tool = (*Tool)(nil)
	_ tools.Tool = (*CheckTool)(nil)
)
