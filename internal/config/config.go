// Package config handles loading and validating shellguard configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/shellguard/internal/policy"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for shellguard.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.shellguard. Override: SHELLGUARD_DATA_DIR env var.
	Execution     ExecutionConfig      `json:"execution" yaml:"execution"`
	Policy        PolicyConfig         `json:"policy" yaml:"policy"`
	Approval      ApprovalConfig       `json:"approval" yaml:"approval"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite under the data directory
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Access        *AccessConfig        `json:"access,omitempty" yaml:"access,omitempty"` // nil = every authenticated user may do everything
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"` // nil = no scheduled commands
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`     // nil = only env:// and file:// references
}

// SecretsConfig configures backends for secret references in
// execution.extra_env (env://NAME, file:///path, vault://path#field).
type SecretsConfig struct {
	Vault *VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty"`
}

// VaultConfig configures the HashiCorp Vault KV v2 backend.
type VaultConfig struct {
	Address       string `json:"address" yaml:"address"`     // Override: VAULT_ADDR.
	Token         string `json:"token" yaml:"token"`         // Override: VAULT_TOKEN.
	Namespace     string `json:"namespace" yaml:"namespace"` // Override: VAULT_NAMESPACE.
	TimeoutS      int    `json:"timeout_s" yaml:"timeout_s"` // Default: 5.
	TLSSkipVerify bool   `json:"tls_skip_verify" yaml:"tls_skip_verify"`
}

// ExecutionConfig controls the sandbox and the coordinator.
type ExecutionConfig struct {
	DefaultTimeoutSeconds int               `json:"default_timeout_seconds" yaml:"default_timeout_seconds"` // Default: 30. Range [1,3600].
	HistoryCapacity       int               `json:"history_capacity" yaml:"history_capacity"`               // Default: 100.
	RequireApproval       bool              `json:"require_approval" yaml:"require_approval"`               // Override: SHELLGUARD_REQUIRE_APPROVAL.
	DefaultProfile        string            `json:"default_profile,omitempty" yaml:"default_profile,omitempty"`
	ExtraEnv              map[string]string `json:"extra_env,omitempty" yaml:"extra_env,omitempty"` // Added to every child environment.
	InheritPath           bool              `json:"inherit_path" yaml:"inherit_path"`               // Use the host PATH instead of a fixed one.
	MaxOutputBytes        int               `json:"max_output_bytes,omitempty" yaml:"max_output_bytes,omitempty"`
}

// DefaultTimeout returns the per-command timeout with a default of 30s.
func (e ExecutionConfig) DefaultTimeout() time.Duration {
	if e.DefaultTimeoutSeconds > 0 {
		return time.Duration(e.DefaultTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// Capacity returns the history ledger capacity with a default of 100.
func (e ExecutionConfig) Capacity() int {
	if e.HistoryCapacity > 0 {
		return e.HistoryCapacity
	}
	return 100
}

// PolicyConfig declares named policy profiles and which users get them.
type PolicyConfig struct {
	Profiles []ProfileConfig  `json:"profiles,omitempty" yaml:"profiles,omitempty"`
	Bindings map[string]string `json:"bindings,omitempty" yaml:"bindings,omitempty"` // user ID → profile name.
}

// ProfileConfig extends the built-in rules for one profile.
type ProfileConfig struct {
	Name            string                      `json:"name" yaml:"name"`
	Mode            string                      `json:"mode" yaml:"mode"` // "restricted" (default), "strict" or "unrestricted".
	AllowedCommands []string                    `json:"allowed_commands,omitempty" yaml:"allowed_commands,omitempty"`
	DeniedCommands  []string                    `json:"denied_commands,omitempty" yaml:"denied_commands,omitempty"`
	BlockedPatterns []string                    `json:"blocked_patterns,omitempty" yaml:"blocked_patterns,omitempty"`
	TrustedDirs     []string                    `json:"trusted_dirs,omitempty" yaml:"trusted_dirs,omitempty"` // Replaces the built-in set when non-empty.
	Subcommands     map[string]SubcommandConfig `json:"subcommands,omitempty" yaml:"subcommands,omitempty"`
}

// SubcommandConfig overrides the subcommand rule for one tool.
type SubcommandConfig struct {
	Allowed []string          `json:"allowed" yaml:"allowed"`
	Denied  map[string]string `json:"denied,omitempty" yaml:"denied,omitempty"` // subcommand → reason.
}

// PolicyProfiles converts the configured profiles. With none configured a
// single restricted "default" profile is returned.
func (c *Config) PolicyProfiles() ([]policy.Profile, error) {
	if len(c.Policy.Profiles) == 0 {
		return []policy.Profile{{Name: policy.DefaultProfileName, Mode: policy.ModeRestricted}}, nil
	}
	out := make([]policy.Profile, 0, len(c.Policy.Profiles))
	for _, p := range c.Policy.Profiles {
		mode, err := policy.ParseMode(p.Mode)
		if err != nil {
			return nil, fmt.Errorf("policy profile %q: %w", p.Name, err)
		}
		profile := policy.Profile{
			Name:            p.Name,
			Mode:            mode,
			AllowedCommands: p.AllowedCommands,
			DeniedCommands:  p.DeniedCommands,
			BlockedPatterns: p.BlockedPatterns,
			TrustedDirs:     p.TrustedDirs,
		}
		if len(p.Subcommands) > 0 {
			profile.Subcommands = make(map[string]policy.SubcommandRule, len(p.Subcommands))
			for tool, rule := range p.Subcommands {
				profile.Subcommands[tool] = policy.SubcommandRule{Allowed: rule.Allowed, Denied: rule.Denied}
			}
		}
		out = append(out, profile)
	}
	return out, nil
}

// DefaultProfileName returns the profile used when a request and its user
// name none.
func (c *Config) DefaultProfileName() string {
	if c.Execution.DefaultProfile != "" {
		return c.Execution.DefaultProfile
	}
	return policy.DefaultProfileName
}

// ApprovalConfig configures the approval workflow.
type ApprovalConfig struct {
	TTLSeconds   int                 `json:"ttl_seconds" yaml:"ttl_seconds"` // How long approvals are valid. 0 = 300s (5 min).
	AutoApproval *AutoApprovalConfig `json:"auto_approval,omitempty" yaml:"auto_approval,omitempty"`
}

// TTL returns the approval lifetime with a default of 5 minutes.
func (a ApprovalConfig) TTL() time.Duration {
	if a.TTLSeconds > 0 {
		return time.Duration(a.TTLSeconds) * time.Second
	}
	return 5 * time.Minute
}

// AutoApprovalConfig controls pattern-based automatic approval.
type AutoApprovalConfig struct {
	Enabled           bool `json:"enabled" yaml:"enabled"`
	MaxAutoApprovals  int  `json:"max_auto_approvals" yaml:"max_auto_approvals"` // Per user per hour. Default: 10.
	RequiredApprovals int  `json:"required_approvals" yaml:"required_approvals"` // Manual approvals before auto. Default: 3.
	WindowHours       int  `json:"window_hours" yaml:"window_hours"`             // Lookback window. Default: 24.
}

// StorageConfig configures the persistent record store.
// When nil, defaults to SQLite under the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres" or "none".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/shellguard.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: SHELLGUARD_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// AuditConfig configures the append-only JSONL audit log.
type AuditConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/audit.jsonl.
}

// AccessConfig is the role-based access control applied to gateway callers.
// Every permission must be listed explicitly; users without a role are denied.
type AccessConfig struct {
	Roles       map[string]RoleConfig `json:"roles" yaml:"roles"`           // role name → definition
	UserRoles   map[string]string     `json:"user_roles" yaml:"user_roles"` // user ID → role name
	DefaultRole string                `json:"default_role,omitempty" yaml:"default_role,omitempty"`
}

// RoleConfig lists the gateway actions a role may perform: exec, check,
// history:read, history:clear, approvals:read, approvals:resolve.
type RoleConfig struct {
	Permissions []string `json:"permissions" yaml:"permissions"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "shellguard"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB bool `json:"include_db" yaml:"include_db"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failures
	DenialThreshold    int     `json:"denial_threshold" yaml:"denial_threshold"`         // Denials per profile per window. 0 = off.
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// GatewaysConfig defines which network surfaces are enabled.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`
	MCP       *MCPGatewayConfig       `json:"mcp,omitempty" yaml:"mcp,omitempty"`
}

// MCPGatewayConfig configures the stdio MCP server.
type MCPGatewayConfig struct {
	// Identity used for policy bindings, RBAC and the ledger. Default: "mcp".
	UserID string `json:"user_id" yaml:"user_id"`
}

// MCPUser returns the MCP caller identity.
func (m *MCPGatewayConfig) MCPUser() string {
	if m != nil && m.UserID != "" {
		return m.UserID
	}
	return "mcp"
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080". Override: SHELLGUARD_LISTEN_ADDR.
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → user ID.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// WebSocketGatewayConfig configures the WebSocket exec endpoint on the HTTP gateway.
type WebSocketGatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // URL path for WebSocket endpoint. Default: "/ws/exec".

	// Commands one connection may run at once. Default: 4.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
}

// WSPath returns the WebSocket path with a default of "/ws/exec".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/ws/exec"
}

// WSMaxConcurrent returns the per-connection command limit with a default of 4.
func (w *WebSocketGatewayConfig) WSMaxConcurrent() int {
	if w != nil && w.MaxConcurrent > 0 {
		return w.MaxConcurrent
	}
	return 4
}

// RateLimitConfig configures per-user rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// SchedulerConfig configures cron-driven commands.
type SchedulerConfig struct {
	Enabled           bool        `json:"enabled" yaml:"enabled"`
	MaxConcurrentJobs int         `json:"max_concurrent_jobs" yaml:"max_concurrent_jobs"` // Default: 5.
	Jobs              []JobConfig `json:"jobs" yaml:"jobs"`
}

// MaxConcurrent returns the max concurrent jobs with a default of 5.
func (s *SchedulerConfig) MaxConcurrent() int {
	if s != nil && s.MaxConcurrentJobs > 0 {
		return s.MaxConcurrentJobs
	}
	return 5
}

// JobConfig is one scheduled command.
type JobConfig struct {
	Name             string `json:"name" yaml:"name"`
	Schedule         string `json:"schedule" yaml:"schedule"` // Standard 5-field cron expression.
	Command          string `json:"command" yaml:"command"`
	WorkingDirectory string `json:"working_directory,omitempty" yaml:"working_directory,omitempty"`
	TimeoutSeconds   int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	RunAsShell       bool   `json:"run_as_shell" yaml:"run_as_shell"`
	Profile          string `json:"profile,omitempty" yaml:"profile,omitempty"`
	UserID           string `json:"user_id,omitempty" yaml:"user_id,omitempty"` // Default: "scheduler".
}

// DefaultConfigPath returns the default config file path (~/.shellguard/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/shellguard.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".shellguard", "config.yaml")
}

// Default returns the configuration used when no file exists: restricted
// default profile, SQLite storage, every gateway off.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// LoadOrDefault behaves like Load but falls back to Default when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return cfg, err
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv applies environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("SHELLGUARD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SHELLGUARD_REQUIRE_APPROVAL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Execution.RequireApproval = b
		}
	}
	if v := os.Getenv("SHELLGUARD_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = "postgres"
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("SHELLGUARD_MODE"); v != "" {
		c.overrideDefaultMode(v)
	}
	if v := os.Getenv("SHELLGUARD_LISTEN_ADDR"); v != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{}
		}
		c.Gateways.HTTP.ListenAddr = v
	}
}

// overrideDefaultMode sets the mode of the default profile, creating it if needed.
func (c *Config) overrideDefaultMode(mode string) {
	name := c.DefaultProfileName()
	for i := range c.Policy.Profiles {
		if c.Policy.Profiles[i].Name == name {
			c.Policy.Profiles[i].Mode = mode
			return
		}
	}
	c.Policy.Profiles = append(c.Policy.Profiles, ProfileConfig{Name: name, Mode: mode})
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".shellguard")
		}
	}
	if h := c.Gateways.HTTP; h != nil && h.ListenAddr == "" {
		h.ListenAddr = ":8080"
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".shellguard")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "shellguard.db")
}

// AuditLogPath returns the audit log path.
func (c *Config) AuditLogPath() string {
	if c.Audit.Path != "" {
		if p, err := resolvePath(c.Audit.Path); err == nil {
			return p
		}
		return c.Audit.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if t := c.Execution.DefaultTimeoutSeconds; t < 0 || t > 3600 {
		return fmt.Errorf("execution.default_timeout_seconds must be between 1 and 3600")
	}
	if c.Execution.HistoryCapacity < 0 {
		return fmt.Errorf("execution.history_capacity must not be negative")
	}
	if c.Execution.MaxOutputBytes < 0 {
		return fmt.Errorf("execution.max_output_bytes must not be negative")
	}

	names := make(map[string]bool, len(c.Policy.Profiles))
	for i, p := range c.Policy.Profiles {
		if p.Name == "" {
			return fmt.Errorf("policy.profiles[%d].name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("policy.profiles[%d]: duplicate profile name %q", i, p.Name)
		}
		names[p.Name] = true
		if _, err := policy.ParseMode(p.Mode); err != nil {
			return fmt.Errorf("policy.profiles[%d] (%q): %w", i, p.Name, err)
		}
	}
	known := func(name string) bool {
		if len(c.Policy.Profiles) == 0 {
			return name == policy.DefaultProfileName
		}
		return names[name]
	}
	if !known(c.DefaultProfileName()) {
		return fmt.Errorf("execution.default_profile %q is not a configured profile", c.DefaultProfileName())
	}
	for user, profile := range c.Policy.Bindings {
		if !known(profile) {
			return fmt.Errorf("policy.bindings.%s: unknown profile %q", user, profile)
		}
	}

	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "none":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set SHELLGUARD_DB_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or none)", c.Storage.Driver)
		}
	}

	if c.Access != nil {
		for user, role := range c.Access.UserRoles {
			if _, ok := c.Access.Roles[role]; !ok {
				return fmt.Errorf("access.user_roles[%s] references unknown role %q", user, role)
			}
		}
		if r := c.Access.DefaultRole; r != "" {
			if _, ok := c.Access.Roles[r]; !ok {
				return fmt.Errorf("access.default_role references unknown role %q", r)
			}
		}
	}

	if c.Scheduler != nil && c.Scheduler.Enabled {
		jobNames := make(map[string]bool, len(c.Scheduler.Jobs))
		for i, j := range c.Scheduler.Jobs {
			switch {
			case j.Name == "":
				return fmt.Errorf("scheduler.jobs[%d].name is required", i)
			case jobNames[j.Name]:
				return fmt.Errorf("scheduler.jobs[%d]: duplicate job name %q", i, j.Name)
			case j.Schedule == "":
				return fmt.Errorf("scheduler.jobs[%d] (%q): schedule is required", i, j.Name)
			case strings.TrimSpace(j.Command) == "":
				return fmt.Errorf("scheduler.jobs[%d] (%q): command is required", i, j.Name)
			case j.Profile != "" && !known(j.Profile):
				return fmt.Errorf("scheduler.jobs[%d] (%q): unknown profile %q", i, j.Name, j.Profile)
			}
			jobNames[j.Name] = true
		}
	}
	return nil
}
