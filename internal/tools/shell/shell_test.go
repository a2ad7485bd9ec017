package shell

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jkaninda/shellguard/internal/executor"
	"github.com/jkaninda/shellguard/internal/history"
	"github.com/jkaninda/shellguard/internal/policy"
	"github.com/jkaninda/shellguard/internal/sandbox"
	"github.com/jkaninda/shellguard/internal/tools"
)

type fakeExecutor struct {
	lastReq executor.Request
	result  *executor.Result
	verdict policy.Verdict
}

func (f *fakeExecutor) Execute(_ context.Context, req executor.Request) *executor.Result {
	f.lastReq = req
	return f.result
}

func (f *fakeExecutor) Check(command, profile, userID string) (policy.Verdict, string, error) {
	if profile == "missing" {
		return policy.Verdict{}, profile, policy.ErrUnknownProfile
	}
	if profile == "" {
		profile = "default"
	}
	return f.verdict, profile, nil
}

func newTool(f *fakeExecutor) *Tool {
	return NewTool(f, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestTool_ExecutePassesRequest(t *testing.T) {
	code := 0
	f := &fakeExecutor{result: &executor.Result{
		Status: history.StatusCompleted, Success: true, FormattedOutput: "Command: ls",
		RawData: &sandbox.Outcome{ExitCode: &code}, RecordID: "r1",
	}}
	ctx := tools.ContextWithUserID(context.Background(), "alice")

	res, err := newTool(f).Execute(ctx, map[string]any{
		"command": "ls", "timeout": float64(5), "runAsShell": true, "workingDirectory": "/tmp",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if f.lastReq.Command != "ls" || f.lastReq.Timeout != 5 || !f.lastReq.RunAsShell || f.lastReq.WorkingDirectory != "/tmp" {
		t.Errorf("request = %+v", f.lastReq)
	}
	if f.lastReq.UserID != "alice" {
		t.Errorf("UserID = %q, want alice", f.lastReq.UserID)
	}
	if !res.Success || res.Output != "Command: ls" {
		t.Errorf("result = %+v", res)
	}
	if res.Metadata["exit_code"] != 0 || res.Metadata["record_id"] != "r1" || res.Metadata["status"] != "completed" {
		t.Errorf("metadata = %v", res.Metadata)
	}
}

func TestTool_ExecuteIgnoresRequestedProfile(t *testing.T) {
	f := &fakeExecutor{result: &executor.Result{Status: history.StatusCompleted, Success: true}}
	ctx := tools.ContextWithUserID(context.Background(), "mcp")

	if _, err := newTool(f).Execute(ctx, map[string]any{
		"command": "sh -c 'echo hi'", "profile": "ops",
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if f.lastReq.Profile != "" {
		t.Errorf("Profile = %q, want the bound profile (empty)", f.lastReq.Profile)
	}
	if f.lastReq.UserID != "mcp" {
		t.Errorf("UserID = %q, want mcp", f.lastReq.UserID)
	}
}

func TestTool_DenialIsAResultNotAnError(t *testing.T) {
	msg := "Command blocked: 'sudo' is not allowed"
	f := &fakeExecutor{result: &executor.Result{
		Status: history.StatusDenied, FormattedOutput: "denied", Error: &msg,
		Verdict: &policy.Verdict{Allowed: false, Rule: policy.RuleBlocked, Reason: msg},
	}}
	res, err := newTool(f).Execute(context.Background(), map[string]any{"command": "sudo ls"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("denied command reported success")
	}
	if !strings.Contains(res.Output, msg) {
		t.Errorf("output %q does not carry the reason", res.Output)
	}
	if res.Metadata["rule"] != "blocked" {
		t.Errorf("rule = %v", res.Metadata["rule"])
	}
}

func TestTool_InvalidParams(t *testing.T) {
	tool := newTool(&fakeExecutor{})
	for _, params := range []map[string]any{
		{},
		{"command": "  "},
		{"command": "ls", "timeout": "soon"},
		{"command": "ls", "runAsShell": "maybe"},
	} {
		if err := tool.Validate(params); !errors.Is(err, executor.ErrInvalidRequest) {
			t.Errorf("Validate(%v) = %v, want ErrInvalidRequest", params, err)
		}
		if _, err := tool.Execute(context.Background(), params); err == nil {
			t.Errorf("Execute(%v) succeeded", params)
		}
	}
}

func TestTool_Schema(t *testing.T) {
	schema := newTool(&fakeExecutor{}).InputSchema()
	props := schema["properties"].(map[string]any)
	for _, key := range []string{"command", "workingDirectory", "timeout", "captureOutput", "runAsShell"} {
		if _, ok := props[key]; !ok {
			t.Errorf("schema missing %q", key)
		}
	}
}

func TestCheckTool(t *testing.T) {
	f := &fakeExecutor{verdict: policy.Verdict{Allowed: false, Rule: policy.RuleAllowlist, Reason: "'nc' is not in the allowlist"}}
	tool := NewCheckTool(f)

	res, err := tool.Execute(context.Background(), map[string]any{"command": "nc -l 80"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !strings.HasPrefix(res.Output, "denied (default)") {
		t.Errorf("result = %+v", res)
	}

	if _, err := tool.Execute(context.Background(), map[string]any{"command": "ls", "profile": "missing"}); !errors.Is(err, policy.ErrUnknownProfile) {
		t.Errorf("err = %v, want ErrUnknownProfile", err)
	}
	if err := tool.Validate(map[string]any{"command": 3}); err == nil {
		t.Error("expected error for non-string command")
	}
}
