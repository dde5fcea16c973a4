package config

import "time"

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress   = "127.0.0.1:8880"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 15 * time.Second

	// Store defaults
	DefaultStoreBackend = "redis"
	DefaultStoreAddr    = "127.0.0.1:6379"
	DefaultKeyPrefix    = "gatekeeper"
	DefaultOpTimeout    = 250 * time.Millisecond

	// Quota defaults
	DefaultTierCacheTTL      = 5 * time.Minute
	DefaultNegativeCacheTTL  = time.Minute
	DefaultConcurrencyExpiry = 300 * time.Second
	DefaultRecorderQueueSize = 1024

	// Audit defaults
	DefaultAuditPath         = "data/audit.db"
	DefaultRetentionSchedule = "0 3 * * *"
	DefaultRetentionMaxAge   = 30 * 24 * time.Hour

	// Logging defaults
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// ApplyDefaults fills in default values for unset fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = DefaultStoreBackend
	}
	if cfg.Store.Addr == "" {
		cfg.Store.Addr = DefaultStoreAddr
	}
	if cfg.Store.KeyPrefix == "" {
		cfg.Store.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Store.OpTimeout == 0 {
		cfg.Store.OpTimeout = DefaultOpTimeout
	}

	if cfg.Quota.TierCacheTTL == 0 {
		cfg.Quota.TierCacheTTL = DefaultTierCacheTTL
	}
	if cfg.Quota.NegativeCacheTTL == 0 {
		cfg.Quota.NegativeCacheTTL = DefaultNegativeCacheTTL
	}
	if cfg.Quota.ConcurrencyExpiry == 0 {
		cfg.Quota.ConcurrencyExpiry = DefaultConcurrencyExpiry
	}
	if cfg.Quota.RecorderQueueSize == 0 {
		cfg.Quota.RecorderQueueSize = DefaultRecorderQueueSize
	}

	if cfg.Audit.Path == "" {
		cfg.Audit.Path = DefaultAuditPath
	}
	if cfg.Audit.RetentionSchedule == "" {
		cfg.Audit.RetentionSchedule = DefaultRetentionSchedule
	}
	if cfg.Audit.RetentionMaxAge == 0 {
		cfg.Audit.RetentionMaxAge = DefaultRetentionMaxAge
	}

	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = DefaultLogLevel
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = DefaultLogFormat
	}
}
