// Package observability instruments the policy engine, the sandbox runner
// and the HTTP gateway with Prometheus metrics and OpenTelemetry spans, and
// serves health checks and anomaly warnings. Every component is optional.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/shellguard/internal/config"
	"github.com/jkaninda/shellguard/internal/policy"
	"github.com/jkaninda/shellguard/internal/sandbox"
)

// Observability groups the enabled components. Any of Metrics, Tracing and
// Anomaly may be nil; Health is always set.
type Observability struct {
	Metrics *MetricsCollector
	Tracing *Tracing
	Anomaly *AnomalyDetector
	Health  *HealthChecker

	logger *slog.Logger
}

// New builds the components enabled in cfg. A nil cfg disables everything
// and yields a nil *Observability, which every method accepts.
func New(ctx context.Context, cfg *config.ObservabilityConfig, info ServiceInfo, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	obs := &Observability{Health: NewHealthChecker(logger), logger: logger}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}
	tracing, err := NewTracing(ctx, cfg.Tracing, info)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	obs.Tracing = tracing
	return obs, nil
}

// Tracer returns the tracer for executor and gateway spans, or nil when
// tracing is off so callers can skip span work entirely.
func (o *Observability) Tracer() trace.Tracer {
	if o == nil || o.Tracing == nil {
		return nil
	}
	return o.Tracing.Tracer()
}

// WrapRunner instruments r. It returns r unchanged when nothing is enabled.
func (o *Observability) WrapRunner(r sandbox.Runner) sandbox.Runner {
	if !o.instrumenting() {
		return r
	}
	return NewInstrumentedRunner(r, o.Metrics, o.Tracer(), o.Anomaly)
}

// PolicyWrapper instruments every engine a registry builds, or returns nil
// when nothing is enabled.
func (o *Observability) PolicyWrapper() policy.Wrapper {
	if !o.instrumenting() {
		return nil
	}
	return PolicyWrapper(o.Metrics, o.Tracer(), o.Anomaly)
}

func (o *Observability) instrumenting() bool {
	return o != nil && (o.Metrics != nil || o.Tracing != nil || o.Anomaly != nil)
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if err := o.Tracing.Shutdown(ctx); err != nil {
		o.logger.Warn("flushing spans", slog.String("error", err.Error()))
	}
}
