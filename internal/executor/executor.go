// Package executor coordinates a command request through approval, policy
// validation, sandboxed execution and the history ledger.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/shellguard/internal/approval"
	"github.com/jkaninda/shellguard/internal/history"
	"github.com/jkaninda/shellguard/internal/policy"
	"github.com/jkaninda/shellguard/internal/sandbox"
)

// Recorder receives every ledger record, e.g. for durable audit.
type Recorder interface {
	Record(ctx context.Context, rec history.Record) error
}

// Observer receives execution metrics. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveExecution(status history.Status, d time.Duration)
	ObserveApproval(approved bool, err error)
	ObserveHistorySize(n int)
}

// Config wires a Coordinator.
type Config struct {
	Registry        *policy.Registry // Default: a registry with the restricted default profile.
	Runner          sandbox.Runner   // Required.
	Ledger          *history.Ledger  // Default: history.DefaultCapacity.
	Gate            approval.Gate    // Required when RequireApproval is set.
	RequireApproval bool
	DefaultTimeout  time.Duration
	Recorders       []Recorder
	Observer        Observer
	Tracer          trace.Tracer
	Logger          *slog.Logger
}

// Coordinator runs requests end to end. It is safe for concurrent use;
// invocations are independent and the ledger is the only shared state.
type Coordinator struct {
	registry        *policy.Registry
	runner          sandbox.Runner
	ledger          *history.Ledger
	gate            approval.Gate
	requireApproval bool
	defaultTimeout  time.Duration
	recorders       []Recorder
	observer        Observer
	tracer          trace.Tracer
	logger          *slog.Logger

	base     context.Context
	dispose  context.CancelFunc
	disposed atomic.Bool
}

// New creates a Coordinator. It never builds an approval gate on its own.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Runner == nil {
		return nil, errors.New("executor: runner is required")
	}
	if cfg.RequireApproval && cfg.Gate == nil {
		return nil, ErrApprovalGateRequired
	}
	if cfg.Registry == nil {
		cfg.Registry = policy.NewRegistry(nil)
	}
	if cfg.Ledger == nil {
		cfg.Ledger = history.NewLedger(history.DefaultCapacity)
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base, dispose := context.WithCancel(context.Background())
	return &Coordinator{
		registry:        cfg.Registry,
		runner:          cfg.Runner,
		ledger:          cfg.Ledger,
		gate:            cfg.Gate,
		requireApproval: cfg.RequireApproval,
		defaultTimeout:  cfg.DefaultTimeout,
		recorders:       cfg.Recorders,
		observer:        cfg.Observer,
		tracer:          cfg.Tracer,
		logger:          cfg.Logger,
		base:            base,
		dispose:         dispose,
	}, nil
}

// Execute runs req and always returns a Result. It never panics.
func (c *Coordinator) Execute(ctx context.Context, req Request) (res *Result) {
	start := time.Now()

	if c.disposed.Load() {
		return errored(ErrSandboxDisposed)
	}

	ctx, release := c.bind(ctx)
	defer release()

	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "executor.execute",
			trace.WithAttributes(
				attribute.String("command.user_id", req.UserID),
				attribute.Bool("command.shell", req.RunAsShell),
			))
		defer func() {
			span.SetAttributes(attribute.String("command.status", string(res.Status)))
			if res.Err != nil {
				span.RecordError(res.Err)
				span.SetStatus(codes.Error, res.Err.Error())
			}
			span.End()
		}()
	}

	var rec history.Record
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrExecutionFailed, r)
			if rec.ID == "" {
				c.logger.ErrorContext(ctx, "command failed",
					slog.String("command", req.Command),
					slog.Any("panic", r),
				)
				res = errored(err)
			} else {
				res = c.fail(ctx, rec, err)
			}
		}
		if c.observer != nil {
			c.observer.ObserveExecution(res.Status, time.Since(start))
		}
	}()

	norm, validator, err := c.prepare(req)
	if err != nil {
		c.logger.WarnContext(ctx, "command rejected",
			slog.String("command", req.Command),
			slog.String("error", err.Error()),
		)
		return errored(err)
	}
	rec = history.Record{
		ID:        uuid.NewString(),
		Command:   norm.Command,
		WorkDir:   norm.WorkingDirectory,
		UserID:    norm.UserID,
		Profile:   norm.Profile,
		Timestamp: time.Now().UTC(),
	}

	if c.requireApproval {
		approved, err := c.gate.RequestApproval(ctx, approval.Request{
			Command: norm.Command,
			WorkDir: norm.WorkingDirectory,
			UserID:  norm.UserID,
			Profile: norm.Profile,
		})
		if c.observer != nil {
			c.observer.ObserveApproval(approved, err)
		}
		if err != nil {
			return c.fail(ctx, rec, fmt.Errorf("requesting approval: %w", err))
		}
		if !approved {
			return c.deny(ctx, rec, nil, ErrApprovalDenied)
		}
	}

	if validator.Mode() != policy.ModeUnrestricted {
		verdict := validator.Validate(norm.Command, validator.Mode())
		if !verdict.Allowed {
			return c.deny(ctx, rec, &verdict, &DeniedError{Reason: verdict.Reason, Rule: verdict.Rule})
		}
	}

	c.logger.InfoContext(ctx, "command started",
		slog.String("id", rec.ID),
		slog.String("command", norm.Command),
		slog.String("workdir", norm.WorkingDirectory),
		slog.String("profile", norm.Profile),
		slog.Int("timeout_seconds", norm.Timeout),
	)

	outcome, err := c.runner.Run(ctx, sandbox.Request{
		Command:       norm.Command,
		WorkDir:       norm.WorkingDirectory,
		Timeout:       norm.TimeoutDuration(),
		CaptureOutput: norm.capture(),
		RunAsShell:    norm.RunAsShell,
	})
	return c.complete(ctx, rec, norm, outcome, err)
}

// prepare normalizes req and resolves its policy profile. It has no side effects.
func (c *Coordinator) prepare(req Request) (Request, policy.Validator, error) {
	norm, err := req.Normalize(c.defaultTimeout)
	if err != nil {
		return norm, nil, err
	}
	if norm.Profile == "" {
		norm.Profile = c.registry.ProfileFor(norm.UserID)
	}
	validator, err := c.registry.Get(norm.Profile)
	if err != nil {
		return norm, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return norm, validator, nil
}

func (c *Coordinator) complete(ctx context.Context, rec history.Record, req Request, outcome *sandbox.Outcome, err error) *Result {
	if outcome == nil {
		if err == nil {
			err = fmt.Errorf("%w: runner returned no outcome", ErrExecutionFailed)
		}
		return c.fail(ctx, rec, err)
	}

	rec.ExitCode = outcome.ExitCode
	d := outcome.Duration
	rec.Duration = &d

	res := &Result{
		FormattedOutput: formatOutcome(outcome, req.capture()),
		RawData:         outcome,
		RecordID:        rec.ID,
	}

	switch {
	case err == nil:
		res.Status = history.StatusCompleted
		res.Success = outcome.ExitCode != nil && *outcome.ExitCode == 0
		if !res.Success {
			res.Err = exitError(outcome.ExitCode)
		}
	case errors.Is(err, ErrTimedOut):
		res.Status = history.StatusTimedOut
		res.Err = fmt.Errorf("%w: exceeded %ds limit", ErrTimedOut, req.Timeout)
	case errors.Is(err, ErrCanceled) && c.disposed.Load():
		res.Status = history.StatusErrored
		res.Err = ErrSandboxDisposed
	default:
		res.Status = history.StatusErrored
		res.Err = err
	}

	rec.Status = res.Status
	rec.Success = res.Success
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	res.setError()
	c.record(ctx, rec)

	if res.Status == history.StatusCompleted {
		c.logger.InfoContext(ctx, "command completed",
			slog.String("id", rec.ID),
			slog.String("command", rec.Command),
			slog.Any("exit_code", outcome.ExitCode),
			slog.Duration("duration", outcome.Duration),
			slog.Bool("truncated", outcome.Truncated()),
		)
	} else {
		c.logger.WarnContext(ctx, "command failed",
			slog.String("id", rec.ID),
			slog.String("command", rec.Command),
			slog.String("status", string(res.Status)),
			slog.String("error", rec.Error),
		)
	}
	return res
}

func (c *Coordinator) deny(ctx context.Context, rec history.Record, verdict *policy.Verdict, err error) *Result {
	rec.Status = history.StatusDenied
	rec.Error = err.Error()
	c.record(ctx, rec)

	c.logger.WarnContext(ctx, "command denied",
		slog.String("id", rec.ID),
		slog.String("command", rec.Command),
		slog.String("profile", rec.Profile),
		slog.String("reason", err.Error()),
	)

	res := &Result{
		Status:          history.StatusDenied,
		FormattedOutput: err.Error(),
		Verdict:         verdict,
		RecordID:        rec.ID,
		Err:             err,
	}
	res.setError()
	return res
}

func (c *Coordinator) fail(ctx context.Context, rec history.Record, err error) *Result {
	if errors.Is(err, ErrCanceled) && c.disposed.Load() {
		err = ErrSandboxDisposed
	}
	rec.Status = history.StatusErrored
	rec.Error = err.Error()
	c.record(ctx, rec)

	c.logger.ErrorContext(ctx, "command failed",
		slog.String("id", rec.ID),
		slog.String("command", rec.Command),
		slog.String("error", err.Error()),
	)

	res := errored(err)
	res.RecordID = rec.ID
	return res
}

// record appends to the ledger, then fans out to durable recorders. Recorder
// failures are logged and never change the result.
func (c *Coordinator) record(ctx context.Context, rec history.Record) {
	c.ledger.Append(rec)
	if c.observer != nil {
		c.observer.ObserveHistorySize(c.ledger.Len())
	}

	ctx = context.WithoutCancel(ctx)
	for _, r := range c.recorders {
		if err := safeRecord(ctx, r, rec); err != nil {
			c.logger.ErrorContext(ctx, "recording execution",
				slog.String("id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// safeRecord turns a recorder panic into an error.
func safeRecord(ctx context.Context, r Recorder, rec history.Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("recorder panicked: %v", p)
		}
	}()
	return r.Record(ctx, rec)
}

// bind derives a context canceled by either the caller or Close.
func (c *Coordinator) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Check validates a command against the caller's profile without running it.
func (c *Coordinator) Check(command, profile, userID string) (policy.Verdict, string, error) {
	if profile == "" {
		profile = c.registry.ProfileFor(userID)
	}
	validator, err := c.registry.Get(profile)
	if err != nil {
		return policy.Verdict{}, profile, err
	}
	return validator.Validate(command, validator.Mode()), profile, nil
}

// History returns a snapshot of the ledger, oldest first.
func (c *Coordinator) History() []history.Record {
	return c.ledger.Snapshot()
}

// ClearHistory empties the ledger.
func (c *Coordinator) ClearHistory() {
	c.ledger.Clear()
	if c.observer != nil {
		c.observer.ObserveHistorySize(0)
	}
}

// Profiles lists the configured policy profiles.
func (c *Coordinator) Profiles() []string {
	return c.registry.Names()
}

// Close disposes the sandbox. In-flight runs are canceled and later calls
// to Execute fail with ErrSandboxDisposed. Close is idempotent.
func (c *Coordinator) Close() error {
	if c.disposed.CompareAndSwap(false, true) {
		c.dispose()
		c.logger.Info("sandbox disposed")
	}
	return nil
}

func exitError(code *int) error {
	if code == nil {
		return errors.New("command did not report an exit code")
	}
	return fmt.Errorf("command exited with code %d", *code)
}
