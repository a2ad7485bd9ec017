package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/shellguard/internal/approval"
	"github.com/jkaninda/shellguard/internal/history"
	"github.com/jkaninda/shellguard/internal/policy"
	"github.com/jkaninda/shellguard/internal/sandbox"
)

type fakeRunner struct {
	calls atomic.Int32
	run   func(ctx context.Context, req sandbox.Request) (*sandbox.Outcome, error)
}

func (f *fakeRunner) Run(ctx context.Context, req sandbox.Request) (*sandbox.Outcome, error) {
	f.calls.Add(1)
	if f.run != nil {
		return f.run(ctx, req)
	}
	return exited(req, 0, "ok\n", ""), nil
}

func exited(req sandbox.Request, code int, stdout, stderr string) *sandbox.Outcome {
	return &sandbox.Outcome{
		Command:  req.Command,
		WorkDir:  req.WorkDir,
		ExitCode: &code,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: 5 * time.Millisecond,
	}
}

type memRecorder struct {
	mu   sync.Mutex
	recs []history.Record
	err  error
}

func (m *memRecorder) Record(_ context.Context, rec history.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return m.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCoordinator(t *testing.T, runner sandbox.Runner, mutate func(*Config)) *Coordinator {
	t.Helper()
	cfg := Config{
		Registry: policy.NewRegistry([]policy.Profile{
			{Name: policy.DefaultProfileName, Mode: policy.ModeRestricted},
			{Name: "strict", Mode: policy.ModeStrict},
			{Name: "open", Mode: policy.ModeUnrestricted},
		}),
		Runner: runner,
		Ledger: history.NewLedger(100),
		Logger: testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNew_RequiresGateWhenApprovalRequired(t *testing.T) {
	_, err := New(Config{Runner: &fakeRunner{}, RequireApproval: true})
	if !errors.Is(err, ErrApprovalGateRequired) {
		t.Errorf("err = %v, want ErrApprovalGateRequired", err)
	}
	if _, err := New(Config{}); err == nil {
		t.Error("expected an error without a runner")
	}
}

func TestExecute_PolicyDenials(t *testing.T) {
	tests := []struct {
		name    string
		command string
		profile string
		rule    policy.Rule
		reason  string
	}{
		{"blocked pattern", "rm -rf /", "", policy.RuleBlocked, "blocked pattern 'rm -rf'"},
		{"blocked in strict", "sudo ls", "strict", policy.RuleBlocked, "blocked pattern 'sudo'"},
		{"chained escalation", "ls; sudo reboot", "", policy.RuleBlocked, "sudo"},
		{"not allowlisted", "python3 script.py", "", policy.RuleAllowlist, "'python3' is not in the allowed commands list"},
		{"destructive subcommand", "git push origin main", "", policy.RuleSubcommand, "'git push' is not allowed"},
		{"path traversal", "../../bin/rm file", "", policy.RulePath, "not in an allowed directory"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			runner := &fakeRunner{}
			c := newCoordinator(t, runner, nil)

			res := c.Execute(context.Background(), Request{Command: tc.command, WorkingDirectory: t.TempDir(), Profile: tc.profile})

			if res.Status != history.StatusDenied || res.Success {
				t.Fatalf("result = %+v, want denied", res)
			}
			if !errors.Is(res.Err, ErrValidationDenied) {
				t.Errorf("err = %v, want ErrValidationDenied", res.Err)
			}
			var denied *DeniedError
			if !errors.As(res.Err, &denied) || denied.Rule != tc.rule {
				t.Errorf("err = %#v, want DeniedError with rule %s", res.Err, tc.rule)
			}
			if res.Error == nil || !strings.Contains(*res.Error, tc.reason) {
				t.Errorf("error = %v, want it to mention %q", res.Error, tc.reason)
			}
			if n := runner.calls.Load(); n != 0 {
				t.Errorf("runner called %d times for a denied command", n)
			}

			recs := c.History()
			if len(recs) != 1 {
				t.Fatalf("history has %d records, want 1", len(recs))
			}
			if r := recs[0]; r.Status != history.StatusDenied || r.ExitCode != nil || r.Duration != nil || r.Success {
				t.Errorf("record = %+v", r)
			}
		})
	}
}

func TestExecute_AllowedSubcommandRuns(t *testing.T) {
	runner := &fakeRunner{}
	c := newCoordinator(t, runner, nil)

	res := c.Execute(context.Background(), Request{Command: "git status", WorkingDirectory: t.TempDir()})
	if res.Status != history.StatusCompleted || !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if runner.calls.Load() != 1 {
		t.Errorf("runner calls = %d, want 1", runner.calls.Load())
	}
}

func TestExecute_UnrestrictedBypassesPolicy(t *testing.T) {
	runner := &fakeRunner{}
	c := newCoordinator(t, runner, nil)

	res := c.Execute(context.Background(), Request{Command: "rm -rf ./build", WorkingDirectory: t.TempDir(), Profile: "open"})
	if res.Status != history.StatusCompleted {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}
	if runner.calls.Load() != 1 {
		t.Error("runner was not called in unrestricted mode")
	}
}

func TestExecute_InvalidRequestsLeaveNoRecord(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"blank command", Request{Command: "   "}, ErrInvalidRequest},
		{"timeout too large", Request{Command: "ls", Timeout: 3601}, ErrInvalidRequest},
		{"negative timeout", Request{Command: "ls", Timeout: -1}, ErrInvalidRequest},
		{"missing workdir", Request{Command: "ls", WorkingDirectory: "/definitely/not/here"}, ErrWorkdirMissing},
		{"unknown profile", Request{Command: "ls", Profile: "nope"}, policy.ErrUnknownProfile},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			runner := &fakeRunner{}
			c := newCoordinator(t, runner, nil)
			if tc.req.WorkingDirectory == "" {
				tc.req.WorkingDirectory = t.TempDir()
			}

			res := c.Execute(context.Background(), tc.req)
			if res.Status != history.StatusErrored || !errors.Is(res.Err, tc.want) {
				t.Errorf("result = %s / %v, want errored with %v", res.Status, res.Err, tc.want)
			}
			if len(c.History()) != 0 || runner.calls.Load() != 0 {
				t.Error("invalid request had side effects")
			}
		})
	}
}

func TestExecute_DefaultsApplied(t *testing.T) {
	var got sandbox.Request
	runner := &fakeRunner{run: func(_ context.Context, req sandbox.Request) (*sandbox.Outcome, error) {
		got = req
		return exited(req, 0, "", ""), nil
	}}
	c := newCoordinator(t, runner, func(cfg *Config) { cfg.DefaultTimeout = 45 * time.Second })

	dir := t.TempDir()
	c.Execute(context.Background(), Request{Command: "ls", WorkingDirectory: dir})

	if got.Timeout != 45*time.Second {
		t.Errorf("timeout = %s, want 45s", got.Timeout)
	}
	if !got.CaptureOutput {
		t.Error("capture output should default to true")
	}
	if want, _ := filepath.Abs(dir); got.WorkDir != want {
		t.Errorf("workdir = %q, want %q", got.WorkDir, want)
	}
}

func TestExecute_Approval(t *testing.T) {
	gateErr := errors.New("prompt closed")
	tests := []struct {
		name       string
		gate       approval.Gate
		wantStatus history.Status
		wantErr    error
		wantRun    bool
	}{
		{"approved", approval.StaticGate(true), history.StatusCompleted, nil, true},
		{"rejected", approval.StaticGate(false), history.StatusDenied, ErrApprovalDenied, false},
		{"gate error", approval.GateFunc(func(context.Context, approval.Request) (bool, error) { return false, gateErr }), history.StatusErrored, gateErr, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			runner := &fakeRunner{}
			c := newCoordinator(t, runner, func(cfg *Config) {
				cfg.RequireApproval = true
				cfg.Gate = tc.gate
			})

			res := c.Execute(context.Background(), Request{Command: "ls", WorkingDirectory: t.TempDir()})
			if res.Status != tc.wantStatus {
				t.Errorf("status = %s, want %s", res.Status, tc.wantStatus)
			}
			if tc.wantErr != nil && !errors.Is(res.Err, tc.wantErr) {
				t.Errorf("err = %v, want %v", res.Err, tc.wantErr)
			}
			if ran := runner.calls.Load() == 1; ran != tc.wantRun {
				t.Errorf("runner called = %v, want %v", ran, tc.wantRun)
			}
		})
	}
}

func TestExecute_ApprovalPrecedesValidation(t *testing.T) {
	var asked atomic.Bool
	gate := approval.GateFunc(func(context.Context, approval.Request) (bool, error) {
		asked.Store(true)
		return true, nil
	})
	c := newCoordinator(t, &fakeRunner{}, func(cfg *Config) {
		cfg.RequireApproval = true
		cfg.Gate = gate
	})

	res := c.Execute(context.Background(), Request{Command: "sudo reboot", WorkingDirectory: t.TempDir()})
	if !asked.Load() {
		t.Error("gate was not consulted")
	}
	if !errors.Is(res.Err, ErrValidationDenied) {
		t.Errorf("err = %v, want policy denial after approval", res.Err)
	}
}

func TestExecute_ResultShape(t *testing.T) {
	runner := &fakeRunner{run: func(_ context.Context, req sandbox.Request) (*sandbox.Outcome, error) {
		return exited(req, 0, "hello\n", "warn\n"), nil
	}}
	c := newCoordinator(t, runner, nil)

	res := c.Execute(context.Background(), Request{Command: "echo hello", WorkingDirectory: t.TempDir()})
	if !res.Success || res.Error != nil || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
	for _, want := range []string{"Command: echo hello", "Exit code: 0", "STDOUT:\nhello", "STDERR:\nwarn"} {
		if !strings.Contains(res.FormattedOutput, want) {
			t.Errorf("formatted output missing %q:\n%s", want, res.FormattedOutput)
		}
	}

	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"status", "success", "formattedOutput", "error", "rawData"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("JSON missing key %q: %s", key, raw)
		}
	}
	if decoded["error"] != nil {
		t.Errorf("error = %v, want null", decoded["error"])
	}

	recs := c.History()
	if len(recs) != 1 || recs[0].ExitCode == nil || *recs[0].ExitCode != 0 || recs[0].Duration == nil || !recs[0].Success {
		t.Errorf("record = %+v", recs)
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	runner := &fakeRunner{run: func(_ context.Context, req sandbox.Request) (*sandbox.Outcome, error) {
		return exited(req, 2, "", "no such file\n"), nil
	}}
	c := newCoordinator(t, runner, nil)

	res := c.Execute(context.Background(), Request{Command: "ls missing", WorkingDirectory: t.TempDir()})
	if res.Status != history.StatusCompleted || res.Success {
		t.Errorf("result = %s / success %v", res.Status, res.Success)
	}
	if res.Error == nil || !strings.Contains(*res.Error, "code 2") {
		t.Errorf("error = %v", res.Error)
	}
	if rec := c.History()[0]; rec.Success || *rec.ExitCode != 2 {
		t.Errorf("record = %+v", rec)
	}
}

func TestExecute_TruncationMarker(t *testing.T) {
	runner := &fakeRunner{run: func(_ context.Context, req sandbox.Request) (*sandbox.Outcome, error) {
		o := exited(req, 0, "partial", "")
		o.StdoutTruncated = true
		return o, nil
	}}
	c := newCoordinator(t, runner, nil)

	res := c.Execute(context.Background(), Request{Command: "cat big.log", WorkingDirectory: t.TempDir()})
	if !strings.Contains(res.FormattedOutput, "partial"+truncationMarker) {
		t.Errorf("formatted output lacks truncation marker:\n%s", res.FormattedOutput)
	}
}

func TestExecute_RunnerErrors(t *testing.T) {
	tests := []struct {
		name       string
		outcome    bool
		err        error
		wantStatus history.Status
		wantErr    error
	}{
		{"timeout", true, fmt.Errorf("%w after 1s", sandbox.ErrTimedOut), history.StatusTimedOut, ErrTimedOut},
		{"start failure", false, &sandbox.StartError{Command: "ls", Err: errors.New("exec: not found")}, history.StatusErrored, ErrStartFailed},
		{"canceled", true, fmt.Errorf("%w: context canceled", sandbox.ErrCanceled), history.StatusErrored, ErrCanceled},
		{"no outcome", false, nil, history.StatusErrored, ErrExecutionFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			runner := &fakeRunner{run: func(_ context.Context, req sandbox.Request) (*sandbox.Outcome, error) {
				if !tc.outcome {
					return nil, tc.err
				}
				return &sandbox.Outcome{Command: req.Command, WorkDir: req.WorkDir, TimedOut: errors.Is(tc.err, sandbox.ErrTimedOut)}, tc.err
			}}
			c := newCoordinator(t, runner, nil)

			res := c.Execute(context.Background(), Request{Command: "ls", WorkingDirectory: t.TempDir()})
			if res.Status != tc.wantStatus || !errors.Is(res.Err, tc.wantErr) {
				t.Errorf("result = %s / %v, want %s / %v", res.Status, res.Err, tc.wantStatus, tc.wantErr)
			}
			recs := c.History()
			if len(recs) != 1 || recs[0].Status != tc.wantStatus || recs[0].Error == "" {
				t.Errorf("history = %+v", recs)
			}
			if recs[0].ExitCode != nil {
				t.Errorf("exit code = %d, want none", *recs[0].ExitCode)
			}
		})
	}
}

func TestExecute_RecoversPanics(t *testing.T) {
	runner := &fakeRunner{run: func(context.Context, sandbox.Request) (*sandbox.Outcome, error) {
		panic("boom")
	}}
	rec := &memRecorder{}
	c := newCoordinator(t, runner, func(cfg *Config) {
		cfg.Recorders = []Recorder{rec}
	})

	res := c.Execute(context.Background(), Request{Command: "ls", WorkingDirectory: t.TempDir()})
	if res.Status != history.StatusErrored || !errors.Is(res.Err, ErrExecutionFailed) {
		t.Errorf("result = %s / %v", res.Status, res.Err)
	}

	hist := c.History()
	if len(hist) != 1 || hist[0].Status != history.StatusErrored || hist[0].ID != res.RecordID {
		t.Fatalf("history = %+v", hist)
	}
	if !strings.Contains(hist[0].Error, "boom") {
		t.Errorf("record error = %q, want panic value", hist[0].Error)
	}
	if len(rec.recs) != 1 || rec.recs[0].ID != res.RecordID {
		t.Errorf("recorded = %+v", rec.recs)
	}
}

type panicRecorder struct{}

func (panicRecorder) Record(context.Context, history.Record) error { panic("recorder down") }

func TestExecute_RecorderPanicIsContained(t *testing.T) {
	good := &memRecorder{}
	c := newCoordinator(t, &fakeRunner{}, func(cfg *Config) {
		cfg.Recorders = []Recorder{panicRecorder{}, good}
	})

	res := c.Execute(context.Background(), Request{Command: "ls", WorkingDirectory: t.TempDir()})
	if !res.Success {
		t.Fatalf("recorder panic changed the result: %s / %v", res.Status, res.Err)
	}
	if len(c.History()) != 1 || len(good.recs) != 1 {
		t.Errorf("history = %d, recorded = %d, want 1 each", len(c.History()), len(good.recs))
	}
}

func TestClose_DisposesSandbox(t *testing.T) {
	started := make(chan struct{})
	runner := &fakeRunner{run: func(ctx context.Context, req sandbox.Request) (*sandbox.Outcome, error) {
		close(started)
		<-ctx.Done()
		return &sandbox.Outcome{Command: req.Command, WorkDir: req.WorkDir}, fmt.Errorf("%w: %v", sandbox.ErrCanceled, ctx.Err())
	}}
	c := newCoordinator(t, runner, nil)

	done := make(chan *Result, 1)
	go func() {
		done <- c.Execute(context.Background(), Request{Command: "sleep 30", WorkingDirectory: t.TempDir()})
	}()
	<-started
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-done:
		if !errors.Is(res.Err, ErrSandboxDisposed) {
			t.Errorf("in-flight err = %v, want ErrSandboxDisposed", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight run was not canceled")
	}

	res := c.Execute(context.Background(), Request{Command: "ls", WorkingDirectory: t.TempDir()})
	if res.Status != history.StatusErrored || !errors.Is(res.Err, ErrSandboxDisposed) {
		t.Errorf("after Close: %s / %v", res.Status, res.Err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestExecute_Concurrent(t *testing.T) {
	c := newCoordinator(t, &fakeRunner{}, nil)
	dir := t.TempDir()

	const n = 50
	var wg sync.WaitGroup
	results := make([]*Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Execute(context.Background(), Request{Command: fmt.Sprintf("echo %d", i), WorkingDirectory: dir})
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if !res.Success {
			t.Errorf("invocation %d failed: %v", i, res.Err)
		}
	}
	recs := c.History()
	if len(recs) != n {
		t.Fatalf("history has %d records, want %d", len(recs), n)
	}
	ids := make(map[string]bool, n)
	commands := make(map[string]bool, n)
	for _, r := range recs {
		if ids[r.ID] {
			t.Errorf("duplicate record ID %s", r.ID)
		}
		ids[r.ID] = true
		commands[r.Command] = true
	}
	if len(commands) != n {
		t.Errorf("recorded %d distinct commands, want %d", len(commands), n)
	}
}

func TestExecute_Recorders(t *testing.T) {
	good := &memRecorder{}
	bad := &memRecorder{err: errors.New("disk full")}
	c := newCoordinator(t, &fakeRunner{}, func(cfg *Config) {
		cfg.Recorders = []Recorder{bad, good}
	})

	res := c.Execute(context.Background(), Request{Command: "ls", WorkingDirectory: t.TempDir(), UserID: "alice"})
	if !res.Success {
		t.Fatalf("recorder failure changed the result: %v", res.Err)
	}
	if len(good.recs) != 1 || good.recs[0].UserID != "alice" || good.recs[0].ID != res.RecordID {
		t.Errorf("recorded = %+v", good.recs)
	}
}

type countingObserver struct {
	mu         sync.Mutex
	statuses   map[history.Status]int
	approvals  int
	lastLength int
}

func (o *countingObserver) ObserveExecution(s history.Status, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.statuses == nil {
		o.statuses = make(map[history.Status]int)
	}
	o.statuses[s]++
}

func (o *countingObserver) ObserveApproval(bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.approvals++
}

func (o *countingObserver) ObserveHistorySize(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastLength = n
}

func TestExecute_Observer(t *testing.T) {
	obs := &countingObserver{}
	c := newCoordinator(t, &fakeRunner{}, func(cfg *Config) {
		cfg.Observer = obs
		cfg.RequireApproval = true
		cfg.Gate = approval.StaticGate(true)
	})
	dir := t.TempDir()

	c.Execute(context.Background(), Request{Command: "ls", WorkingDirectory: dir})
	c.Execute(context.Background(), Request{Command: "sudo ls", WorkingDirectory: dir})
	c.Execute(context.Background(), Request{Command: "", WorkingDirectory: dir})

	if obs.statuses[history.StatusCompleted] != 1 || obs.statuses[history.StatusDenied] != 1 || obs.statuses[history.StatusErrored] != 1 {
		t.Errorf("statuses = %v", obs.statuses)
	}
	if obs.approvals != 2 {
		t.Errorf("approvals = %d, want 2", obs.approvals)
	}
	if obs.lastLength != 2 {
		t.Errorf("history size = %d, want 2", obs.lastLength)
	}

	c.ClearHistory()
	if obs.lastLength != 0 || len(c.History()) != 0 {
		t.Error("ClearHistory did not reset the ledger")
	}
}

func TestCheck(t *testing.T) {
	c := newCoordinator(t, &fakeRunner{}, func(cfg *Config) {
		cfg.Registry = policy.NewRegistry(
			[]policy.Profile{{Name: "default"}, {Name: "ops", Mode: policy.ModeUnrestricted}},
			policy.WithBindings(map[string]string{"alice": "ops"}),
		)
	})

	v, profile, err := c.Check("sudo reboot", "", "bob")
	if err != nil || v.Allowed || profile != "default" {
		t.Errorf("bob: %+v %q %v", v, profile, err)
	}
	v, profile, err = c.Check("sudo reboot", "", "alice")
	if err != nil || !v.Allowed || profile != "ops" {
		t.Errorf("alice: %+v %q %v", v, profile, err)
	}
	if _, _, err := c.Check("ls", "missing", ""); !errors.Is(err, policy.ErrUnknownProfile) {
		t.Errorf("err = %v, want ErrUnknownProfile", err)
	}
	if got := c.Profiles(); len(got) != 2 {
		t.Errorf("Profiles() = %v", got)
	}
}
