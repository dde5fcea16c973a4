package config

import (
	"fmt"
	"strings"

	"bookwell/gatekeeper/pkg/quota/tier"
)

// FieldError represents a validation error for a specific field.
type FieldError struct {
	// Field is the dotted path to the field (e.g. "store.backend").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError aggregates all validation errors in a configuration.
type ValidationError struct {
	// Errors contains all validation errors found.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration. All errors are collected
// and returned together as a ValidationError.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateStore(&cfg.Store)...)
	errs = append(errs, validateQuota(&cfg.Quota)...)
	errs = append(errs, validateLogging(&cfg.Telemetry.Logging)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError
	if cfg.ListenAddress == "" {
		errs = append(errs, FieldError{"server.listen_address", "must not be empty"})
	}
	if cfg.ReadTimeout < 0 {
		errs = append(errs, FieldError{"server.read_timeout", "must not be negative"})
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, FieldError{"server.write_timeout", "must not be negative"})
	}
	return errs
}

func validateStore(cfg *StoreConfig) []FieldError {
	var errs []FieldError
	switch cfg.Backend {
	case "redis", "memory":
	default:
		errs = append(errs, FieldError{"store.backend",
			fmt.Sprintf("must be \"redis\" or \"memory\", got %q", cfg.Backend)})
	}
	if cfg.Backend == "redis" && cfg.Addr == "" {
		errs = append(errs, FieldError{"store.addr", "must not be empty for the redis backend"})
	}
	if cfg.OpTimeout <= 0 {
		errs = append(errs, FieldError{"store.op_timeout", "must be positive"})
	}
	return errs
}

func validateQuota(cfg *QuotaConfig) []FieldError {
	var errs []FieldError

	for name, rules := range cfg.Tiers {
		if !tier.Name(name).Valid() {
			errs = append(errs, FieldError{"quota.tiers",
				fmt.Sprintf("unknown tier %q", name)})
			continue
		}
		for i, rc := range rules {
			field := fmt.Sprintf("quota.tiers.%s[%d]", name, i)
			if !tier.LimitKind(rc.Kind).Valid() {
				errs = append(errs, FieldError{field,
					fmt.Sprintf("unknown limit kind %q", rc.Kind)})
			}
			if rc.Limit <= 0 {
				errs = append(errs, FieldError{field,
					fmt.Sprintf("limit must be positive, got %d", rc.Limit)})
			}
			if rc.BurstLimit < 0 {
				errs = append(errs, FieldError{field, "burst_limit must not be negative"})
			}
			if rc.OverageCost < 0 {
				errs = append(errs, FieldError{field, "overage_cost must not be negative"})
			}
		}
	}

	for keyID, name := range cfg.Accounts {
		if !tier.Name(name).Valid() {
			errs = append(errs, FieldError{"quota.accounts",
				fmt.Sprintf("key %q assigned unknown tier %q", keyID, name)})
		}
	}

	if cfg.TierCacheTTL < 0 {
		errs = append(errs, FieldError{"quota.tier_cache_ttl", "must not be negative"})
	}
	if cfg.ConcurrencyExpiry < 0 {
		errs = append(errs, FieldError{"quota.concurrency_expiry", "must not be negative"})
	}
	if cfg.RecorderQueueSize < 0 {
		errs = append(errs, FieldError{"quota.recorder_queue_size", "must not be negative"})
	}

	return errs
}

func validateLogging(cfg *LoggingConfig) []FieldError {
	var errs []FieldError
	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, FieldError{"telemetry.logging.level",
			fmt.Sprintf("must be one of debug, info, warn, error; got %q", cfg.Level)})
	}
	switch cfg.Format {
	case "json", "text":
	default:
		errs = append(errs, FieldError{"telemetry.logging.format",
			fmt.Sprintf("must be \"json\" or \"text\", got %q", cfg.Format)})
	}
	return errs
}
