package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/jkaninda/shellguard/internal/approval"
	"github.com/jkaninda/shellguard/internal/executor"
	"github.com/jkaninda/shellguard/internal/history"
	"github.com/jkaninda/shellguard/internal/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCoordinator asks the gate before running anything starting with "sudo".
type fakeCoordinator struct {
	gate approval.Gate
	seen []executor.Request
}

func (f *fakeCoordinator) Execute(ctx context.Context, req executor.Request) *executor.Result {
	f.seen = append(f.seen, req)
	if strings.HasPrefix(req.Command, "sudo") {
		ok, err := f.gate.RequestApproval(ctx, approval.Request{Command: req.Command, WorkDir: req.WorkingDirectory})
		if err != nil || !ok {
			msg := "command execution was not approved"
			return &executor.Result{Status: history.StatusDenied, Error: &msg}
		}
	}
	return &executor.Result{Status: history.StatusCompleted, Success: true, FormattedOutput: "ran " + req.Command + "\n"}
}

func (f *fakeCoordinator) Check(command, _, _ string) (policy.Verdict, string, error) {
	return policy.Verdict{Allowed: command == "ls", Reason: "test", Rule: policy.RuleAllowlist}, "default", nil
}

func (f *fakeCoordinator) History() []history.Record {
	code := 0
	return []history.Record{{Command: "ls", Status: history.StatusCompleted, ExitCode: &code}}
}

func (f *fakeCoordinator) Profiles() []string { return []string{"default", "ops"} }

func run(t *testing.T, input string) (string, *fakeCoordinator) {
	t.Helper()
	var out bytes.Buffer
	g := NewGateway(strings.NewReader(input), &out, "", testLogger())
	coord := &fakeCoordinator{gate: g}
	g.Bind(coord)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return out.String(), coord
}

func TestGateway_ExecutesLines(t *testing.T) {
	out, coord := run(t, "ls -la\n\nexit\nnot reached\n")
	if !strings.Contains(out, "ran ls -la") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "Goodbye.") {
		t.Errorf("missing goodbye: %q", out)
	}
	if len(coord.seen) != 1 {
		t.Fatalf("executed %d commands, want 1", len(coord.seen))
	}
	if coord.seen[0].UserID != DefaultUserID {
		t.Errorf("UserID = %q", coord.seen[0].UserID)
	}
}

func TestGateway_Builtins(t *testing.T) {
	dir := t.TempDir()
	out, coord := run(t, "cd "+dir+"\ncheck ls\ncheck rm -rf /\nhistory\nprofiles\ncd /does/not/exist\npwd\n")

	for _, want := range []string{
		"allowed by profile default",
		"denied by profile default",
		"exit=0",
		"ops",
		"no such directory",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if len(coord.seen) != 1 || coord.seen[0].Command != "pwd" {
		t.Fatalf("seen = %+v", coord.seen)
	}
	if coord.seen[0].WorkingDirectory != dir {
		t.Errorf("workdir = %q, want %q", coord.seen[0].WorkingDirectory, dir)
	}
}

func TestGateway_ApprovalPrompt(t *testing.T) {
	out, _ := run(t, "sudo reboot\ny\nsudo halt\nn\n")
	if !strings.Contains(out, "ran sudo reboot") {
		t.Errorf("approved command did not run:\n%s", out)
	}
	if strings.Contains(out, "ran sudo halt") {
		t.Errorf("denied command ran:\n%s", out)
	}
	if !strings.Contains(out, "Error: command execution was not approved") {
		t.Errorf("missing denial:\n%s", out)
	}
}

func TestGateway_ApprovalAtEOF(t *testing.T) {
	var out bytes.Buffer
	g := NewGateway(strings.NewReader(""), &out, "", testLogger())
	ok, err := g.RequestApproval(context.Background(), approval.Request{Command: "sudo ls", WorkDir: os.TempDir()})
	if ok || err == nil {
		t.Errorf("RequestApproval at EOF = %v, %v", ok, err)
	}
}

func TestGateway_StopBeforeStart(t *testing.T) {
	var out bytes.Buffer
	g := NewGateway(strings.NewReader("ls\n"), &out, "", testLogger()).Bind(&fakeCoordinator{})
	_ = g.Stop(context.Background())
	_ = g.Stop(context.Background())
	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out.String(), "ran ls") {
		t.Error("command ran after Stop")
	}
}

func TestGateway_RequiresCoordinator(t *testing.T) {
	g := NewGateway(strings.NewReader(""), io.Discard, "", testLogger())
	if err := g.Start(context.Background()); err == nil {
		t.Error("Start without coordinator succeeded")
	}
}
