package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/shellguard/internal/history"
)

// MetricsCollector holds all Prometheus metrics for shellguard.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Coordinator metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ApprovalsTotal    *prometheus.CounterVec
	HistorySize       prometheus.Gauge

	// Policy metrics.
	PolicyChecksTotal *prometheus.CounterVec

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration prometheus.Histogram
	OutputTruncationsTotal   *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellguard",
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Total command requests by terminal status.",
		}, []string{"status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shellguard",
			Subsystem: "executor",
			Name:      "execution_duration_seconds",
			Help:      "End-to-end request duration in seconds, approval wait included.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"status"}),

		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellguard",
			Subsystem: "approval",
			Name:      "requests_total",
			Help:      "Approval gate decisions.",
		}, []string{"result"}),

		HistorySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shellguard",
			Subsystem: "history",
			Name:      "records",
			Help:      "Records currently held in the in-memory ledger.",
		}),

		PolicyChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellguard",
			Subsystem: "policy",
			Name:      "checks_total",
			Help:      "Policy validations by profile, mode, result and deciding rule.",
		}, []string{"profile", "mode", "result", "rule"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellguard",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox runs.",
		}, []string{"status"}),

		SandboxExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shellguard",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox run duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),

		OutputTruncationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellguard",
			Subsystem: "sandbox",
			Name:      "output_truncations_total",
			Help:      "Runs whose output exceeded the capture cap.",
		}, []string{"stream"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellguard",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shellguard",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shellguard",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ApprovalsTotal,
		m.HistorySize,
		m.PolicyChecksTotal,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.OutputTruncationsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ObserveExecution records a finished request.
func (m *MetricsCollector) ObserveExecution(status history.Status, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(string(status)).Inc()
	m.ExecutionDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

// ObserveApproval records an approval gate decision.
func (m *MetricsCollector) ObserveApproval(approved bool, err error) {
	if m == nil {
		return
	}
	result := "denied"
	switch {
	case err != nil:
		result = "error"
	case approved:
		result = "approved"
	}
	m.ApprovalsTotal.WithLabelValues(result).Inc()
}

// ObserveHistorySize records the current ledger length.
func (m *MetricsCollector) ObserveHistorySize(n int) {
	if m == nil {
		return
	}
	m.HistorySize.Set(float64(n))
}
