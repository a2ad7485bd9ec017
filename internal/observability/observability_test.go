package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/shellguard/internal/config"
	"github.com/jkaninda/shellguard/internal/history"
	"github.com/jkaninda/shellguard/internal/policy"
	"github.com/jkaninda/shellguard/internal/sandbox"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(context.Background(), nil, ServiceInfo{}, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
	if obs.Tracer() != nil || obs.PolicyWrapper() != nil {
		t.Error("nil Observability should hand out nil components")
	}
	inner := stubRunner{}
	if r := obs.WrapRunner(inner); r != sandbox.Runner(inner) {
		t.Errorf("WrapRunner = %T, want the runner unchanged", r)
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(context.Background(), &config.ObservabilityConfig{}, ServiceInfo{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil || obs.Tracing != nil || obs.Anomaly != nil {
		t.Error("components should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
	if obs.PolicyWrapper() != nil {
		t.Error("policy wrapper should be nil when nothing is enabled")
	}
}

func TestNew_MetricsAndAnomaly(t *testing.T) {
	obs, err := New(context.Background(), &config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true},
	}, ServiceInfo{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if obs.Metrics == nil || obs.Anomaly == nil {
		t.Fatal("enabled components missing")
	}
	if obs.Tracer() != nil {
		t.Error("tracer should be nil when tracing is off")
	}
	if _, ok := obs.WrapRunner(stubRunner{}).(*InstrumentedRunner); !ok {
		t.Error("runner not instrumented")
	}
	if obs.PolicyWrapper() == nil {
		t.Error("policy wrapper missing")
	}
}

func TestNew_UnknownTracingProtocol(t *testing.T) {
	_, err := New(context.Background(), &config.ObservabilityConfig{
		Tracing: &config.TracingConfig{Enabled: true, Protocol: "udp"},
	}, ServiceInfo{}, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown protocol") {
		t.Errorf("err = %v, want unknown protocol", err)
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

// --- Tracing ---

func TestTracing_NilIsNoop(t *testing.T) {
	var tr *Tracing
	_, span := tr.Tracer().Start(context.Background(), "noop")
	span.End()
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestTracing_ResourceDescribesProfiles(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tr := newTracing(exporter, "", 0, ServiceInfo{
		Version:        "1.2.3",
		DefaultProfile: "default",
		Profiles:       map[string]string{"default": "restricted", "ci": "strict"},
	})

	defer tr.Shutdown(context.Background()) //nolint:errcheck

	_, span := tr.Tracer().Start(context.Background(), "executor.execute")
	span.End()
	if err := tr.provider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	set := spans[0].Resource.Set()
	want := map[attribute.Key]string{
		"service.name":               "shellguard",
		"service.version":            "1.2.3",
		"shellguard.default_profile": "default",
	}
	for key, val := range want {
		if got, ok := set.Value(key); !ok || got.AsString() != val {
			t.Errorf("%s = %v, want %q", key, got.Emit(), val)
		}
	}
	modes, _ := set.Value("shellguard.profile_modes")
	if got := strings.Join(modes.AsStringSlice(), ","); got != "ci=strict,default=restricted" {
		t.Errorf("profile_modes = %q", got)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		if got := sampler(tt.rate).Description(); !strings.Contains(got, tt.want) {
			t.Errorf("sampler(%v) = %s, want root %s", tt.rate, got, tt.want)
		}
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Observer(t *testing.T) {
	m := NewMetricsCollector()

	m.ObserveExecution(history.StatusCompleted, 20*time.Millisecond)
	m.ObserveExecution(history.StatusCompleted, 30*time.Millisecond)
	m.ObserveExecution(history.StatusDenied, time.Millisecond)
	m.ObserveApproval(true, nil)
	m.ObserveApproval(false, nil)
	m.ObserveApproval(false, errors.New("closed"))
	m.ObserveHistorySize(7)

	if v := counterValue(t, m.Registry, "shellguard_executor_executions_total", prometheus.Labels{"status": "completed"}); v != 2 {
		t.Errorf("completed = %v, want 2", v)
	}
	if v := counterValue(t, m.Registry, "shellguard_executor_executions_total", prometheus.Labels{"status": "denied"}); v != 1 {
		t.Errorf("denied = %v, want 1", v)
	}
	for _, result := range []string{"approved", "denied", "error"} {
		if v := counterValue(t, m.Registry, "shellguard_approval_requests_total", prometheus.Labels{"result": result}); v != 1 {
			t.Errorf("approvals[%s] = %v, want 1", result, v)
		}
	}
	if v := gaugeValue(t, m.Registry, "shellguard_history_records"); v != 7 {
		t.Errorf("history size = %v, want 7", v)
	}
}

func TestMetricsCollector_NilSafe(t *testing.T) {
	var m *MetricsCollector
	m.ObserveExecution(history.StatusErrored, time.Second)
	m.ObserveApproval(true, nil)
	m.ObserveHistorySize(1)
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("database", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("shell", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["database"].Status != "fail" || status.Checks["database"].Message == "" {
		t.Errorf("database check = %+v", status.Checks["database"])
	}
	if status.Checks["shell"].Status != "ok" {
		t.Errorf("shell check = %q, want ok", status.Checks["shell"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	if status := NewHealthChecker(nil).CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	if a.RecordDenial("default") {
		t.Error("nil detector reported a spike")
	}
}

func TestAnomalyDetector_ErrorRateWindow(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5, WindowSeconds: 60}, nil)
	for i := 0; i < 4; i++ {
		a.RecordSuccess("sandbox_run")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("sandbox_run")
	}

	a.mu.Lock()
	failures := a.errorCounts["sandbox_run"].sum()
	successes := a.successCounts["sandbox_run"].sum()
	a.mu.Unlock()

	if failures != 6 || successes != 4 {
		t.Errorf("failures = %v, successes = %v", failures, successes)
	}
}

func TestAnomalyDetector_DenialSpike(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, DenialThreshold: 3}, nil)
	var spikes int
	for i := 0; i < 5; i++ {
		if a.RecordDenial("default") {
			spikes++
		}
	}
	if spikes != 2 {
		t.Errorf("spikes = %d, want 2 (4th and 5th denial)", spikes)
	}
	if a.RecordDenial("other") {
		t.Error("profiles must be tracked separately")
	}
}

// --- InstrumentedRunner ---

type stubRunner struct {
	outcome *sandbox.Outcome
	err     error
}

func (s stubRunner) Run(context.Context, sandbox.Request) (*sandbox.Outcome, error) {
	return s.outcome, s.err
}

func TestInstrumentedRunner_Statuses(t *testing.T) {
	zero, two := 0, 2
	tests := []struct {
		name   string
		runner stubRunner
		status string
	}{
		{"success", stubRunner{outcome: &sandbox.Outcome{ExitCode: &zero}}, "success"},
		{"nonzero", stubRunner{outcome: &sandbox.Outcome{ExitCode: &two}}, "nonzero_exit"},
		{"timeout", stubRunner{outcome: &sandbox.Outcome{TimedOut: true}, err: fmt.Errorf("%w after 1s", sandbox.ErrTimedOut)}, "timeout"},
		{"start failure", stubRunner{err: &sandbox.StartError{Command: "x", Err: errors.New("not found")}}, "error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			metrics := NewMetricsCollector()
			r := NewInstrumentedRunner(tc.runner, metrics, nil, NewAnomalyDetector(nil, nil))

			out, err := r.Run(context.Background(), sandbox.Request{Command: "ls"})
			if out != tc.runner.outcome || !errors.Is(err, tc.runner.err) {
				t.Errorf("wrapper changed the result: %v / %v", out, err)
			}
			if v := counterValue(t, metrics.Registry, "shellguard_sandbox_executions_total", prometheus.Labels{"status": tc.status}); v != 1 {
				t.Errorf("executions[%s] = %v, want 1", tc.status, v)
			}
		})
	}
}

func TestInstrumentedRunner_Truncation(t *testing.T) {
	metrics := NewMetricsCollector()
	zero := 0
	r := NewInstrumentedRunner(stubRunner{outcome: &sandbox.Outcome{ExitCode: &zero, StdoutTruncated: true}}, metrics, nil, nil)
	if _, err := r.Run(context.Background(), sandbox.Request{}); err != nil {
		t.Fatal(err)
	}
	if v := counterValue(t, metrics.Registry, "shellguard_sandbox_output_truncations_total", prometheus.Labels{"stream": "stdout"}); v != 1 {
		t.Errorf("stdout truncations = %v, want 1", v)
	}
}

func TestInstrumentedRunner_NilMetrics(t *testing.T) {
	zero := 0
	r := NewInstrumentedRunner(stubRunner{outcome: &sandbox.Outcome{ExitCode: &zero}}, nil, nil, nil)
	if _, err := r.Run(context.Background(), sandbox.Request{}); err != nil {
		t.Fatal(err)
	}
}

// --- InstrumentedValidator ---

func TestPolicyWrapper(t *testing.T) {
	metrics := NewMetricsCollector()
	reg := policy.NewRegistry(nil, policy.WithWrapper(PolicyWrapper(metrics, nil, nil)))
	v, err := reg.Get("")
	if err != nil {
		t.Fatal(err)
	}

	if verdict := v.Validate("ls -la", v.Mode()); !verdict.Allowed {
		t.Fatalf("ls denied: %s", verdict.Reason)
	}
	if verdict := v.Validate("sudo ls", v.Mode()); verdict.Allowed {
		t.Fatal("sudo allowed")
	}

	allowed := counterValue(t, metrics.Registry, "shellguard_policy_checks_total",
		prometheus.Labels{"profile": "default", "mode": "restricted", "result": "allowed", "rule": "ok"})
	denied := counterValue(t, metrics.Registry, "shellguard_policy_checks_total",
		prometheus.Labels{"profile": "default", "mode": "restricted", "result": "denied", "rule": "blocked"})
	if allowed != 1 || denied != 1 {
		t.Errorf("allowed = %v, denied = %v", allowed, denied)
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/exec", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}
	val := counterValue(t, metrics.Registry, "shellguard_http_requests_total", prometheus.Labels{"method": "GET", "path": "/ws/exec", "status_code": "418"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric
			}
		}
	}
	return nil
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	return findMetric(t, reg, name, labels).GetCounter().GetValue()
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	return findMetric(t, reg, name, nil).GetGauge().GetValue()
}
