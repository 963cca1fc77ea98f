package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration options for the orchestrator process.
// It is loaded once at startup and treated as immutable afterwards.
//
// Three-layer priority:
//  1. Default values (lowest priority)
//  2. Environment variables (CONDUCTOR_*)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithPort(8080),
//	    WithRedisURL("redis://localhost:6379"),
//	)
type Config struct {
	// Core configuration
	Name    string `json:"name" env:"CONDUCTOR_NAME"`
	Port    int    `json:"port" env:"CONDUCTOR_PORT"`
	Address string `json:"address" env:"CONDUCTOR_ADDRESS"`

	// Backing stores
	RedisURL   string `json:"redis_url" env:"CONDUCTOR_REDIS_URL"`
	SQLitePath string `json:"sqlite_path" env:"CONDUCTOR_SQLITE_PATH"`

	// Development selects in-memory lock/registry backends and relaxes
	// webhook signature checks for channels with no configured secret.
	Development bool `json:"development" env:"CONDUCTOR_DEV_MODE"`

	// HTTP server configuration
	HTTP HTTPConfig `json:"http"`

	// Agent registry
	HeartbeatInterval time.Duration `json:"heartbeat_interval" env:"CONDUCTOR_HEARTBEAT_INTERVAL_S"`

	// Resource locks
	LockDefaultTTL time.Duration `json:"lock_default_ttl" env:"CONDUCTOR_LOCK_TTL_S"`

	// LockWaitTimeout bounds how long a step waits for a contended
	// resource before the node's retry policy takes over.
	LockWaitTimeout time.Duration `json:"lock_wait_timeout" env:"CONDUCTOR_LOCK_WAIT_S"`

	// Approval timeouts per risk level. Low risk auto-approves and has no
	// timeout entry.
	ApprovalTimeouts ApprovalTimeoutConfig `json:"approval_timeout_minutes"`

	// Engine retry policy defaults (per-node overrides live in templates)
	Retry RetryPolicyConfig `json:"retry_policy"`

	// Event store
	SnapshotEveryEvents int `json:"snapshot_every_events" env:"CONDUCTOR_SNAPSHOT_EVERY"`

	// Declarative inputs loaded from files at startup
	RiskRulesPath   string `json:"risk_rules" env:"CONDUCTOR_RISK_RULES"`
	ToolCatalogPath string `json:"tool_catalog" env:"CONDUCTOR_TOOL_CATALOG"`
	TemplatesPath   string `json:"templates" env:"CONDUCTOR_TEMPLATES"`

	// RoleAuthorization maps risk level -> roles allowed to resolve it.
	RoleAuthorization map[string][]string `json:"role_authorization"`

	// WebhookSecrets maps notification channel -> HMAC secret.
	WebhookSecrets map[string]string `json:"webhook_secrets"`

	// ReplayReject is the maximum webhook timestamp skew.
	ReplayReject time.Duration `json:"replay_reject" env:"CONDUCTOR_REPLAY_REJECT_S"`

	// MaxParallelWorkflows bounds concurrently running workflows.
	// Zero means unbounded.
	MaxParallelWorkflows int `json:"max_parallel_workflows" env:"CONDUCTOR_MAX_PARALLEL"`

	// InsightWindow is the number of captured insights re-injected into
	// agent context after a resume.
	InsightWindow int `json:"insight_window" env:"CONDUCTOR_INSIGHT_WINDOW"`

	// ToolBudget is the per-step token budget for selected tools; the
	// selector sums each tool's cost_hint against it.
	ToolBudget int `json:"tool_budget" env:"CONDUCTOR_TOOL_BUDGET"`
}

// HTTPConfig contains HTTP server timeouts and limits.
type HTTPConfig struct {
	ReadTimeout     time.Duration `json:"read_timeout" env:"CONDUCTOR_HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `json:"write_timeout" env:"CONDUCTOR_HTTP_WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `json:"idle_timeout" env:"CONDUCTOR_HTTP_IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"CONDUCTOR_HTTP_SHUTDOWN_TIMEOUT"`
}

// ApprovalTimeoutConfig holds per-level approval expiry windows.
type ApprovalTimeoutConfig struct {
	Medium   time.Duration `json:"medium"`
	High     time.Duration `json:"high"`
	Critical time.Duration `json:"critical"`
}

// RetryPolicyConfig is the process-wide default retry policy.
type RetryPolicyConfig struct {
	MaxAttempts int           `json:"max_attempts"`
	BackoffBase time.Duration `json:"backoff_base_ms"`
	BackoffCap  time.Duration `json:"backoff_cap_ms"`
	Jitter      time.Duration `json:"jitter_ms"`
}

// Option configures a Config.
type Option func(*Config)

// DefaultConfig returns the built-in defaults before env and options apply.
func DefaultConfig() *Config {
	return &Config{
		Name:       "conductor",
		Port:       8080,
		RedisURL:   "redis://localhost:6379",
		SQLitePath: "conductor.db",
		HTTP: HTTPConfig{
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		HeartbeatInterval: 10 * time.Second,
		LockDefaultTTL:    300 * time.Second,
		LockWaitTimeout:   10 * time.Second,
		ApprovalTimeouts: ApprovalTimeoutConfig{
			Medium:   30 * time.Minute,
			High:     2 * time.Hour,
			Critical: 4 * time.Hour,
		},
		Retry: RetryPolicyConfig{
			MaxAttempts: 3,
			BackoffBase: 100 * time.Millisecond,
			BackoffCap:  5 * time.Second,
			Jitter:      50 * time.Millisecond,
		},
		SnapshotEveryEvents: 10,
		RoleAuthorization: map[string][]string{
			"low":      {"developer", "team_lead", "operator"},
			"medium":   {"team_lead", "operator"},
			"high":     {"team_lead", "operator"},
			"critical": {"operator"},
		},
		WebhookSecrets: map[string]string{},
		ReplayReject:   300 * time.Second,
		InsightWindow:  10,
		ToolBudget:     4000,
	}
}

// NewConfig builds a Config from defaults, environment, and options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv overlays environment variables onto the config.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("CONDUCTOR_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("CONDUCTOR_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONDUCTOR_PORT %q: %w", v, ErrInvalidConfig)
		}
		c.Port = p
	}
	if v := os.Getenv("CONDUCTOR_ADDRESS"); v != "" {
		c.Address = v
	}
	if v := os.Getenv("CONDUCTOR_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("CONDUCTOR_SQLITE_PATH"); v != "" {
		c.SQLitePath = v
	}
	if v := os.Getenv("CONDUCTOR_DEV_MODE"); v != "" {
		c.Development = parseBool(v)
	}
	if v := os.Getenv("CONDUCTOR_RISK_RULES"); v != "" {
		c.RiskRulesPath = v
	}
	if v := os.Getenv("CONDUCTOR_TOOL_CATALOG"); v != "" {
		c.ToolCatalogPath = v
	}
	if v := os.Getenv("CONDUCTOR_TEMPLATES"); v != "" {
		c.TemplatesPath = v
	}

	var err error
	if c.HeartbeatInterval, err = envSeconds("CONDUCTOR_HEARTBEAT_INTERVAL_S", c.HeartbeatInterval); err != nil {
		return err
	}
	if c.LockDefaultTTL, err = envSeconds("CONDUCTOR_LOCK_TTL_S", c.LockDefaultTTL); err != nil {
		return err
	}
	if c.LockWaitTimeout, err = envSeconds("CONDUCTOR_LOCK_WAIT_S", c.LockWaitTimeout); err != nil {
		return err
	}
	if c.ReplayReject, err = envSeconds("CONDUCTOR_REPLAY_REJECT_S", c.ReplayReject); err != nil {
		return err
	}
	if c.SnapshotEveryEvents, err = envInt("CONDUCTOR_SNAPSHOT_EVERY", c.SnapshotEveryEvents); err != nil {
		return err
	}
	if c.MaxParallelWorkflows, err = envInt("CONDUCTOR_MAX_PARALLEL", c.MaxParallelWorkflows); err != nil {
		return err
	}
	if c.InsightWindow, err = envInt("CONDUCTOR_INSIGHT_WINDOW", c.InsightWindow); err != nil {
		return err
	}
	if c.ToolBudget, err = envInt("CONDUCTOR_TOOL_BUDGET", c.ToolBudget); err != nil {
		return err
	}

	// Webhook secrets come in as channel=secret pairs.
	if v := os.Getenv("CONDUCTOR_WEBHOOK_SECRETS"); v != "" {
		for _, pair := range strings.Split(v, ",") {
			kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
			if len(kv) != 2 || kv[0] == "" {
				return fmt.Errorf("CONDUCTOR_WEBHOOK_SECRETS entry %q: %w", pair, ErrInvalidConfig)
			}
			c.WebhookSecrets[kv[0]] = kv[1]
		}
	}
	return nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range: %w", c.Port, ErrInvalidConfig)
	}
	if c.SnapshotEveryEvents < 1 {
		return fmt.Errorf("snapshot_every_events must be >= 1: %w", ErrInvalidConfig)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be >= 1: %w", ErrInvalidConfig)
	}
	if c.InsightWindow < 0 {
		return fmt.Errorf("insight_window must be >= 0: %w", ErrInvalidConfig)
	}
	if c.ToolBudget < 1 {
		return fmt.Errorf("tool_budget must be >= 1: %w", ErrInvalidConfig)
	}
	if !c.Development && c.SQLitePath == "" {
		return fmt.Errorf("sqlite_path required outside dev mode: %w", ErrMissingConfig)
	}
	for level := range c.RoleAuthorization {
		switch level {
		case "low", "medium", "high", "critical":
		default:
			return fmt.Errorf("role_authorization level %q: %w", level, ErrInvalidConfig)
		}
	}
	return nil
}

// ApprovalTimeout returns the expiry window for a risk level.
func (c *Config) ApprovalTimeout(level string) time.Duration {
	switch level {
	case "medium":
		return c.ApprovalTimeouts.Medium
	case "high":
		return c.ApprovalTimeouts.High
	case "critical":
		return c.ApprovalTimeouts.Critical
	default:
		return c.ApprovalTimeouts.Medium
	}
}

func envSeconds(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s %q: %w", key, v, ErrInvalidConfig)
	}
	return time.Duration(n) * time.Second, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", key, v, ErrInvalidConfig)
	}
	return n, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Functional options.

// WithName sets the process name used in registration and logging.
func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

// WithPort sets the HTTP listen port.
func WithPort(port int) Option {
	return func(c *Config) { c.Port = port }
}

// WithRedisURL sets the Redis connection URL.
func WithRedisURL(url string) Option {
	return func(c *Config) { c.RedisURL = url }
}

// WithSQLitePath sets the durable store path.
func WithSQLitePath(path string) Option {
	return func(c *Config) { c.SQLitePath = path }
}

// WithDevelopmentMode selects in-memory backends.
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) { c.Development = enabled }
}

// WithWebhookSecret registers an HMAC secret for a notification channel.
func WithWebhookSecret(channel, secret string) Option {
	return func(c *Config) { c.WebhookSecrets[channel] = secret }
}

// WithRoleAuthorization replaces the role table for a risk level.
func WithRoleAuthorization(level string, roles []string) Option {
	return func(c *Config) { c.RoleAuthorization[level] = roles }
}
