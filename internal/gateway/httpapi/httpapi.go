// Package httpapi implements the HTTP API gateway for shellguard.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Optional role-based access control per endpoint
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/shellguard/internal/approval"
	"github.com/jkaninda/shellguard/internal/executor"
	"github.com/jkaninda/shellguard/internal/history"
	"github.com/jkaninda/shellguard/internal/observability"
	"github.com/jkaninda/shellguard/internal/policy"
	"github.com/jkaninda/shellguard/internal/ratelimit"
	"github.com/jkaninda/shellguard/internal/scheduler"
	"github.com/jkaninda/shellguard/internal/security"
	"github.com/jkaninda/shellguard/internal/storage"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → user ID mapping.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Coordinator is the part of executor.Coordinator the gateway serves.
type Coordinator interface {
	Execute(ctx context.Context, req executor.Request) *executor.Result
	Check(command, profile, userID string) (policy.Verdict, string, error)
	History() []history.Record
	ClearHistory()
	Profiles() []string
}

// Approvals is the operator side of the approval manager.
type Approvals interface {
	List(ctx context.Context) []approval.PendingApproval
	Approve(ctx context.Context, id, approverID string) error
	Deny(ctx context.Context, id, denierID string) error
}

// RecordLister reads the persistent execution store.
type RecordLister interface {
	List(ctx context.Context, f storage.Filter) ([]history.Record, error)
}

// Jobs exposes scheduled command status.
type Jobs interface {
	Jobs() []scheduler.JobStatus
	RunNow(ctx context.Context, name string) error
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	coord     Coordinator
	approvals Approvals    // nil = approval endpoints disabled.
	records   RecordLister // nil = /v1/records disabled.
	jobs      Jobs         // nil = /v1/jobs disabled.
	rbac      *security.RBAC
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket exec endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, coord Coordinator, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	cfg.MaxRequestSize = maxSize
	return &Gateway{
		config:  cfg,
		coord:   coord,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithApprovals enables the approval queue endpoints.
func (g *Gateway) WithApprovals(a Approvals) *Gateway {
	g.approvals = a
	return g
}

// WithRecords enables the persistent record endpoint.
func (g *Gateway) WithRecords(r RecordLister) *Gateway {
	g.records = r
	return g
}

// WithScheduler enables the scheduled job endpoints.
func (g *Gateway) WithScheduler(j Jobs) *Gateway {
	g.jobs = j
	return g
}

// WithRBAC enforces per-endpoint permissions. nil allows every authenticated user.
func (g *Gateway) WithRBAC(r *security.RBAC) *Gateway {
	g.rbac = r
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "shellguard",
			Version: "v1",
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Used for the WebSocket exec endpoint, which authenticates on its own.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Body limit and metrics/tracing middleware (applied globally).
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, g.config.MaxRequestSize)
	})
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)
	g.registerRoutes()

	// Extra handlers (e.g., WebSocket exec endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Commands may run for up to an hour, plus time waiting for approval.
		WriteTimeout: time.Duration(executor.MaxTimeout)*time.Second + approval.DefaultTTL,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped user ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		userID, ok := g.lookupUser(c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// lookupUser resolves a "Bearer <key>" header to a user ID. Every key is
// compared so timing does not reveal which one matched.
func (g *Gateway) lookupUser(authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	apiKey := strings.TrimPrefix(authHeader, "Bearer ")
	if apiKey == "" {
		return "", false
	}

	userID := ""
	for key, user := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			userID = user
		}
	}
	return userID, userID != ""
}

// Authenticate resolves an Authorization header for handlers mounted outside
// the /v1 group.
func (g *Gateway) Authenticate(r *http.Request) (string, bool) {
	return g.lookupUser(r.Header.Get("Authorization"))
}
