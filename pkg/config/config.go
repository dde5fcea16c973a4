package config

import "time"

// Config is the root configuration structure for gatekeeper.
type Config struct {
	// Server contains the HTTP surface configuration (admission endpoint,
	// analytics read API, health, metrics).
	Server ServerConfig `yaml:"server"`

	// Store contains counter store configuration.
	Store StoreConfig `yaml:"store"`

	// Quota contains admission-control configuration: tier rule
	// overrides, resolver cache, recorder queue.
	Quota QuotaConfig `yaml:"quota"`

	// Audit contains audit sink and retention configuration.
	Audit AuditConfig `yaml:"audit"`

	// Telemetry contains logging configuration.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig contains configuration for the HTTP server.
type ServerConfig struct {
	// ListenAddress is the address and port to listen on.
	// Default: "127.0.0.1:8880"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading a request.
	// Default: 10s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration for writing a response.
	// Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig contains configuration for the counter store.
type StoreConfig struct {
	// Backend selects the store implementation: "redis" or "memory".
	// The memory backend is single-node only. Default: "redis"
	Backend string `yaml:"backend"`

	// Addr is the Redis host:port. Default: "127.0.0.1:6379"
	Addr string `yaml:"addr"`

	// Password is the optional Redis AUTH password.
	Password string `yaml:"password"`

	// DB is the Redis logical database number.
	DB int `yaml:"db"`

	// KeyPrefix is prepended to every store key. Default: "gatekeeper"
	KeyPrefix string `yaml:"key_prefix"`

	// OpTimeout bounds each store round trip. A timeout fails open.
	// Default: 250ms
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// RuleConfig is one tier rule override in the configuration file.
type RuleConfig struct {
	// Kind is the limit kind (e.g. "requests_per_minute").
	Kind string `yaml:"kind"`

	// Limit is the admission threshold.
	Limit int64 `yaml:"limit"`

	// BurstLimit optionally allows bursts above Limit.
	BurstLimit int64 `yaml:"burst_limit"`

	// OverageCost is the optional per-unit overage cost in USD.
	OverageCost float64 `yaml:"overage_cost"`
}

// QuotaConfig contains admission-control configuration.
type QuotaConfig struct {
	// Tiers maps tier names to rule override lists. Tiers without an
	// entry use the built-in defaults.
	Tiers map[string][]RuleConfig `yaml:"tiers"`

	// Accounts maps API key identifiers to tier names for the bundled
	// static account store. Unknown keys resolve to "free".
	Accounts map[string]string `yaml:"accounts"`

	// TierCacheTTL is the tier resolver cache TTL. Default: 5m
	TierCacheTTL time.Duration `yaml:"tier_cache_ttl"`

	// NegativeCacheTTL is the cache TTL for unknown-key resolutions.
	// Default: 1m
	NegativeCacheTTL time.Duration `yaml:"negative_cache_ttl"`

	// ConcurrencyExpiry is the safety-net TTL on in-flight counters.
	// Default: 300s
	ConcurrencyExpiry time.Duration `yaml:"concurrency_expiry"`

	// RecorderQueueSize bounds the deferred side-effect write queue.
	// Default: 1024
	RecorderQueueSize int `yaml:"recorder_queue_size"`
}

// AuditConfig contains audit sink configuration.
type AuditConfig struct {
	// Enabled turns the SQLite audit sink on. When false, violations
	// still reach the bounded recent list but no audit rows are written.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file path. Default: "data/audit.db"
	Path string `yaml:"path"`

	// RetentionSchedule is a cron expression for retention pruning.
	// Default: "0 3 * * *" (daily at 3 AM). Empty disables pruning.
	RetentionSchedule string `yaml:"retention_schedule"`

	// RetentionMaxAge is how long security events are kept.
	// Default: 720h (30 days)
	RetentionMaxAge time.Duration `yaml:"retention_max_age"`
}

// TelemetryConfig contains observability configuration.
type TelemetryConfig struct {
	// Logging configures the process-wide structured logger.
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level ("debug", "info", "warn", "error").
	// Default: "info"
	Level string `yaml:"level"`

	// Format is the output format ("json" or "text"). Default: "json"
	Format string `yaml:"format"`
}
