package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/shellguard/internal/policy"
	"github.com/jkaninda/shellguard/internal/sandbox"
)

// --- InstrumentedRunner ---

// InstrumentedRunner wraps a sandbox.Runner with metrics, tracing, and anomaly detection.
type InstrumentedRunner struct {
	inner   sandbox.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedRunner wraps a runner with observability.
// A nil tracer disables spans.
func NewInstrumentedRunner(inner sandbox.Runner, metrics *MetricsCollector, tracer trace.Tracer, anomaly *AnomalyDetector) *InstrumentedRunner {
	return &InstrumentedRunner{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (r *InstrumentedRunner) Run(ctx context.Context, req sandbox.Request) (*sandbox.Outcome, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "sandbox.run",
			trace.WithAttributes(
				attribute.Bool("sandbox.shell", req.RunAsShell),
				attribute.String("sandbox.workdir", req.WorkDir),
				attribute.Float64("sandbox.timeout_seconds", req.Timeout.Seconds()),
			))
		defer span.End()
	}

	start := time.Now()
	outcome, err := r.inner.Run(ctx, req)
	duration := time.Since(start).Seconds()

	status := runStatus(outcome, err)
	if r.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.String("sandbox.status", status))
		if outcome != nil && outcome.ExitCode != nil {
			span.SetAttributes(attribute.Int("sandbox.exit_code", *outcome.ExitCode))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if r.metrics != nil {
		r.metrics.SandboxExecutionsTotal.WithLabelValues(status).Inc()
		r.metrics.SandboxExecutionDuration.Observe(duration)
		if outcome != nil {
			if outcome.StdoutTruncated {
				r.metrics.OutputTruncationsTotal.WithLabelValues("stdout").Inc()
			}
			if outcome.StderrTruncated {
				r.metrics.OutputTruncationsTotal.WithLabelValues("stderr").Inc()
			}
		}
	}

	if r.anomaly != nil {
		if err != nil {
			r.anomaly.RecordError("sandbox_run")
		} else {
			r.anomaly.RecordSuccess("sandbox_run")
		}
	}

	return outcome, err
}

func runStatus(outcome *sandbox.Outcome, err error) string {
	switch {
	case errors.Is(err, sandbox.ErrTimedOut):
		return "timeout"
	case errors.Is(err, sandbox.ErrCanceled):
		return "canceled"
	case err != nil:
		return "error"
	case outcome != nil && outcome.ExitCode != nil && *outcome.ExitCode != 0:
		return "nonzero_exit"
	default:
		return "success"
	}
}

// --- InstrumentedValidator ---

// InstrumentedValidator wraps a policy.Validator with metrics, tracing and
// denial-spike detection per profile.
type InstrumentedValidator struct {
	inner   policy.Validator
	profile string
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// PolicyWrapper returns a policy.Wrapper that instruments every engine a
// registry builds.
func PolicyWrapper(metrics *MetricsCollector, tracer trace.Tracer, anomaly *AnomalyDetector) policy.Wrapper {
	return func(profile string, v policy.Validator) policy.Validator {
		return &InstrumentedValidator{
			inner:   v,
			profile: profile,
			metrics: metrics,
			tracer:  tracer,
			anomaly: anomaly,
		}
	}
}

func (v *InstrumentedValidator) Mode() policy.Mode { return v.inner.Mode() }

func (v *InstrumentedValidator) Validate(command string, mode policy.Mode) policy.Verdict {
	var span trace.Span
	if v.tracer != nil {
		_, span = v.tracer.Start(context.Background(), "policy.validate",
			trace.WithAttributes(
				attribute.String("policy.profile", v.profile),
				attribute.String("policy.mode", mode.String()),
			))
		defer span.End()
	}

	verdict := v.inner.Validate(command, mode)

	result := "allowed"
	if !verdict.Allowed {
		result = "denied"
	}
	if span != nil {
		span.SetAttributes(
			attribute.String("policy.result", result),
			attribute.String("policy.rule", string(verdict.Rule)),
		)
	}
	if v.metrics != nil {
		v.metrics.PolicyChecksTotal.WithLabelValues(v.profile, mode.String(), result, string(verdict.Rule)).Inc()
	}
	if v.anomaly != nil && !verdict.Allowed {
		v.anomaly.RecordDenial(v.profile)
	}
	return verdict
}

// --- Compile-time interface checks ---

var (
	_ sandbox.Runner   = (*InstrumentedRunner)(nil)
	_ policy.Validator = (*InstrumentedValidator)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
