package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/shellguard/internal/gateway"
	"github.com/jkaninda/shellguard/internal/gateway/httpapi"
	"github.com/jkaninda/shellguard/internal/gateway/ws"
	"github.com/jkaninda/shellguard/internal/ratelimit"
	"github.com/jkaninda/shellguard/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket gateways and the command scheduler",
	Long: `Start the network gateways enabled in the config file. Commands that
need approval wait in the approval queue until an operator resolves them
through /v1/approvals.`,
	RunE: runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(slog.LevelInfo)
	logger.Info("starting in serve mode", slog.String("version", version))

	sc, err := initShared(cfg, logger, managerGate)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cancelCleanup := sc.ApprovalMgr.StartCleanup(ctx, 1*time.Minute)
	defer cancelCleanup()

	var sched *scheduler.Scheduler
	if cfg.Scheduler != nil && cfg.Scheduler.Enabled {
		var schedMetrics *scheduler.Metrics
		if sc.Obs != nil && sc.Obs.Metrics != nil {
			schedMetrics = scheduler.NewMetrics(sc.Obs.Metrics.Registry)
		}
		sched, err = scheduler.New(sc.Coordinator, cfg.Scheduler, schedMetrics, logger)
		if err != nil {
			return fmt.Errorf("initializing scheduler: %w", err)
		}
		stopScheduler := sched.Start(ctx)
		defer stopScheduler()
	}

	var gateways []gateway.Gateway
	if h := cfg.Gateways.HTTP; h != nil && h.Enabled {
		gw, wsServer := buildHTTPGateway(ctx, sc, sched)
		gateways = append(gateways, gw)
		if wsServer != nil {
			defer wsServer.Wait()
		}
	}

	if len(gateways) == 0 {
		if sched == nil {
			return errors.New("nothing to serve: enable gateways.http or the scheduler in config")
		}
		logger.Info("no gateways enabled, running scheduled commands only")
		<-ctx.Done()
		logger.Info("shutdown signal received")
		return nil
	}

	return runGateways(ctx, gateways, logger)
}

// buildHTTPGateway wires the HTTP API and, when enabled, mounts the
// WebSocket exec endpoint on the same listener. sched may be nil.
func buildHTTPGateway(ctx context.Context, sc *SharedComponents, sched *scheduler.Scheduler) (*httpapi.Gateway, *ws.Server) {
	cfg := sc.Config
	h := cfg.Gateways.HTTP
	logger := sc.Logger

	limiter := ratelimit.NewLimiter(ratelimit.FromGateway(h.RateLimit))
	if !limiter.Unlimited() {
		go pruneLimiter(ctx, limiter, logger)
	}

	apiCfg := httpapi.Config{
		ListenAddr:     h.ListenAddr,
		EnableDocs:     h.EnableDocs,
		APIKeys:        h.APIKeyUserMapping,
		MaxRequestSize: h.MaxRequestSizeBytes,
	}
	if obs := sc.Obs; obs != nil {
		apiCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			apiCfg.MetricsRegistry = obs.Metrics.Registry
			apiCfg.Metrics = obs.Metrics
			if cfg.Observability != nil {
				apiCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
			}
		}
		apiCfg.Tracer = obs.Tracer()
	}

	gw := httpapi.NewGateway(apiCfg, sc.Coordinator, limiter, logger).
		WithApprovals(sc.ApprovalMgr).
		WithRBAC(sc.RBAC)
	if sc.Store != nil {
		gw.WithRecords(sc.Store)
	}
	if sched != nil {
		gw.WithScheduler(sched)
	}
	if h.EnableDocs {
		gw.WithOpenAPIDocs()
	}

	var wsServer *ws.Server
	if wsCfg := cfg.Gateways.WebSocket; wsCfg != nil && wsCfg.Enabled {
		wsServer = ws.NewServer(sc.Coordinator, gw.Authenticate, wsCfg, logger).
			WithLimiter(limiter).
			WithRBAC(sc.RBAC)
		gw.WithHandler(wsCfg.WSPath(), wsServer.Handler())
		logger.Debug("websocket endpoint mounted", slog.String("path", wsCfg.WSPath()))
	}

	logger.Info("gateway configured",
		slog.String("type", "http"),
		slog.String("addr", h.ListenAddr),
		slog.Bool("websocket", wsServer != nil),
		slog.Bool("scheduler", sched != nil),
	)
	return gw, wsServer
}

// pruneLimiter drops idle rate-limit buckets until ctx is done.
func pruneLimiter(ctx context.Context, l *ratelimit.Limiter, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Prune(); n > 0 {
				logger.Debug("rate limit buckets pruned", slog.Int("count", n))
			}
		}
	}
}

// runGateways starts every gateway and blocks until a signal arrives or one
// of them exits, then stops them in reverse order.
func runGateways(ctx context.Context, gateways []gateway.Gateway, logger *slog.Logger) error {
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	var exitErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case exitErr = <-errs:
		if exitErr != nil {
			logger.Error("gateway exited with error", slog.String("error", exitErr.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return exitErr
}
