package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/shellguard/internal/approval"
	"github.com/jkaninda/shellguard/internal/config"
	"github.com/jkaninda/shellguard/internal/executor"
	"github.com/jkaninda/shellguard/internal/history"
	"github.com/jkaninda/shellguard/internal/observability"
	"github.com/jkaninda/shellguard/internal/policy"
	"github.com/jkaninda/shellguard/internal/sandbox"
	"github.com/jkaninda/shellguard/internal/secrets"
	"github.com/jkaninda/shellguard/internal/security"
	"github.com/jkaninda/shellguard/internal/storage"
	pgstore "github.com/jkaninda/shellguard/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/shellguard/internal/storage/sqlite"
)

// SharedComponents holds the subsystems every mode needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger

	Obs         *observability.Observability
	Store       storage.ExecutionStore // nil when storage.driver=none.
	Audit       *security.AuditLogger  // nil when the audit log is disabled.
	RBAC        *security.RBAC         // nil = every authenticated user may do everything.
	ApprovalMgr *approval.Manager
	AutoApprove *approval.AutoApprover // nil = auto-approval disabled.
	Coordinator *executor.Coordinator

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// gateFactory picks the approval gate for a mode once the approval manager
// exists.
type gateFactory func(sc *SharedComponents) approval.Gate

// managerGate parks commands in the approval queue for operators.
func managerGate(sc *SharedComponents) approval.Gate {
	return approval.NewManagerGate(sc.ApprovalMgr, sc.AutoApprove, sc.Logger)
}

// initShared performs all common initialization. Callers must call
// sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger, gateFor gateFactory) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(context.Background(), cfg.Observability, serviceInfo(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracing != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
		obs.Health.AddCheck("shell", observability.ShellCheck)
	}

	// Storage (SQLite default, PostgreSQL optional, or none).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	if store != nil {
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if obs != nil && cfg.Observability.Health != nil && cfg.Observability.Health.IncludeDB {
			obs.Health.AddCheck("database", store.Ping)
		}
		logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	}

	// Audit log.
	if cfg.Audit.Enabled {
		audit, err := security.NewAuditLogger(cfg.AuditLogPath(), logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing audit log: %w", err)
		}
		sc.Audit = audit
		sc.addCleanup(func() { _ = audit.Close() })
		logger.Debug("audit log initialized", slog.String("path", cfg.AuditLogPath()))
	}

	// Access control.
	if cfg.Access != nil {
		sc.RBAC = security.NewRBAC(security.RBACConfigFrom(cfg.Access), logger)
	}

	// Approvals.
	sc.ApprovalMgr = approval.NewManager(cfg.Approval.TTL(), logger)
	if aa := cfg.Approval.AutoApproval; aa != nil && aa.Enabled {
		sc.AutoApprove = approval.NewAutoApprover(approval.AutoApprovalConfig{
			Enabled:           true,
			MaxAutoApprovals:  aa.MaxAutoApprovals,
			RequiredApprovals: aa.RequiredApprovals,
			WindowHours:       aa.WindowHours,
		}, logger)
	}

	coord, err := initCoordinator(sc, gateFor)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Coordinator = coord
	sc.addCleanup(func() { _ = coord.Close() })

	return sc, nil
}

// serviceInfo labels spans with the build version and the configured
// profiles. Profile errors are reported later by initCoordinator.
func serviceInfo(cfg *config.Config) observability.ServiceInfo {
	info := observability.ServiceInfo{
		Version:        version,
		DefaultProfile: cfg.DefaultProfileName(),
	}
	if profiles, err := cfg.PolicyProfiles(); err == nil {
		info.Profiles = make(map[string]string, len(profiles))
		for _, p := range profiles {
			info.Profiles[p.Name] = p.Mode.String()
		}
	}
	return info
}

// initCoordinator wires policy, sandbox, ledger and recorders.
func initCoordinator(sc *SharedComponents, gateFor gateFactory) (*executor.Coordinator, error) {
	cfg := sc.Config

	profiles, err := cfg.PolicyProfiles()
	if err != nil {
		return nil, err
	}
	opts := []policy.RegistryOption{
		policy.WithBindings(cfg.Policy.Bindings),
		policy.WithDefaultProfile(cfg.DefaultProfileName()),
	}

	extraEnv, err := resolveExtraEnv(cfg, sc.Logger)
	if err != nil {
		return nil, err
	}

	var runner sandbox.Runner = sandbox.NewProcessRunner(sandbox.ProcessConfig{
		DefaultTimeout: cfg.Execution.DefaultTimeout(),
		MaxOutputBytes: cfg.Execution.MaxOutputBytes,
		Env:            extraEnv,
		InheritPath:    cfg.Execution.InheritPath,
	}, sc.Logger)

	execCfg := executor.Config{
		Runner:          runner,
		Ledger:          history.NewLedger(cfg.Execution.Capacity()),
		RequireApproval: cfg.Execution.RequireApproval,
		DefaultTimeout:  cfg.Execution.DefaultTimeout(),
		Logger:          sc.Logger,
	}

	if obs := sc.Obs; obs != nil {
		if wrap := obs.PolicyWrapper(); wrap != nil {
			opts = append(opts, policy.WithWrapper(wrap))
		}
		execCfg.Runner = obs.WrapRunner(runner)
		if obs.Metrics != nil {
			execCfg.Observer = obs.Metrics
		}
		execCfg.Tracer = obs.Tracer()
	}
	execCfg.Registry = policy.NewRegistry(profiles, opts...)

	if sc.Store != nil {
		execCfg.Recorders = append(execCfg.Recorders, sc.Store)
	}
	if sc.Audit != nil {
		execCfg.Recorders = append(execCfg.Recorders, sc.Audit)
	}
	if gateFor != nil {
		execCfg.Gate = gateFor(sc)
	}

	coord, err := executor.New(execCfg)
	if err != nil {
		return nil, fmt.Errorf("initializing coordinator: %w", err)
	}
	sc.Logger.Debug("coordinator initialized",
		slog.Any("profiles", coord.Profiles()),
		slog.Bool("require_approval", cfg.Execution.RequireApproval),
	)
	return coord, nil
}

// resolveExtraEnv replaces secret references in execution.extra_env.
func resolveExtraEnv(cfg *config.Config, logger *slog.Logger) (map[string]string, error) {
	providers := []secrets.Provider{secrets.NewEnvProvider(), secrets.NewFileProvider()}
	if cfg.Secrets != nil && cfg.Secrets.Vault != nil {
		v := cfg.Secrets.Vault
		vp, err := secrets.NewVaultProvider(secrets.VaultConfig{
			Address:       v.Address,
			Token:         v.Token,
			Namespace:     v.Namespace,
			Timeout:       time.Duration(v.TimeoutS) * time.Second,
			TLSSkipVerify: v.TLSSkipVerify,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing vault: %w", err)
		}
		providers = append(providers, vp)
	}
	resolver := secrets.NewResolver(providers...)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	env, err := resolver.ResolveEnv(ctx, cfg.Execution.ExtraEnv)
	if err != nil {
		return nil, fmt.Errorf("execution.extra_env: %w", err)
	}
	if len(env) > 0 {
		logger.Debug("extra environment resolved",
			slog.Int("variables", len(env)),
			slog.Any("schemes", resolver.Schemes()),
		)
	}
	return env, nil
}

// initStore opens the configured record store. Returns nil for driver "none".
func initStore(cfg *config.Config, logger *slog.Logger) (storage.ExecutionStore, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverNone:
		return nil, nil
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.ExecutionStore, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.ExecutionStore, error) {
	pg := cfg.Storage.Postgres
	return pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
}
