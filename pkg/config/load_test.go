package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bookwell/gatekeeper/pkg/quota/tier"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// ============================================================================
// Load Tests
// ============================================================================

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "store:\n  backend: memory\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}

	if cfg.Server.ListenAddress != DefaultListenAddress {
		t.Errorf("expected default listen address, got %q", cfg.Server.ListenAddress)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("explicit backend overridden: %q", cfg.Store.Backend)
	}
	if cfg.Store.OpTimeout != DefaultOpTimeout {
		t.Errorf("expected default op timeout, got %v", cfg.Store.OpTimeout)
	}
	if cfg.Quota.TierCacheTTL != DefaultTierCacheTTL {
		t.Errorf("expected default tier cache TTL, got %v", cfg.Quota.TierCacheTTL)
	}
	if cfg.Telemetry.Logging.Level != "info" || cfg.Telemetry.Logging.Format != "json" {
		t.Errorf("expected default logging, got %+v", cfg.Telemetry.Logging)
	}
}

func TestLoad_ParsesTiersAndAccounts(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: memory
quota:
  tiers:
    basic:
      - kind: requests_per_minute
        limit: 120
        burst_limit: 150
  accounts:
    key-a: premium
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}

	rules := cfg.Quota.Tiers["basic"]
	if len(rules) != 1 || rules[0].Kind != "requests_per_minute" || rules[0].Limit != 120 || rules[0].BurstLimit != 150 {
		t.Errorf("unexpected tier rules: %+v", rules)
	}
	if cfg.Quota.Accounts["key-a"] != "premium" {
		t.Errorf("unexpected accounts: %+v", cfg.Quota.Accounts)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "store: [not a mapping")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestLoad_CollectsValidationErrors(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: cassandra
quota:
  tiers:
    platinum:
      - kind: requests_per_minute
        limit: 10
  accounts:
    key-a: gold
telemetry:
  logging:
    level: loud
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation failure")
	}

	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T: %v", err, err)
	}
	if len(verr.Errors) < 4 {
		t.Errorf("expected at least 4 field errors, got %d: %v", len(verr.Errors), verr)
	}

	fields := make(map[string]bool)
	for _, fe := range verr.Errors {
		fields[fe.Field] = true
	}
	for _, want := range []string{"store.backend", "quota.tiers", "quota.accounts", "telemetry.logging.level"} {
		if !fields[want] {
			t.Errorf("expected an error for field %s, got %v", want, verr)
		}
	}
}

// ============================================================================
// Builder Tests
// ============================================================================

func TestBuildRegistry_DerivesWindows(t *testing.T) {
	cfg := &Config{
		Quota: QuotaConfig{
			Tiers: map[string][]RuleConfig{
				"basic": {{Kind: "requests_per_hour", Limit: 500}},
			},
		},
	}

	reg, err := BuildRegistry(cfg)
	if err != nil {
		t.Fatalf("build returned error: %v", err)
	}

	rules := reg.Rules(tier.Basic)
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	if rules[0].Window != time.Hour {
		t.Errorf("expected window derived from kind, got %v", rules[0].Window)
	}
}

func TestBuildRegistry_RejectsBadOverrides(t *testing.T) {
	cfg := &Config{
		Quota: QuotaConfig{
			Tiers: map[string][]RuleConfig{
				"basic": {{Kind: "requests_per_hour", Limit: -1}},
			},
		},
	}
	if _, err := BuildRegistry(cfg); !errors.Is(err, tier.ErrInvalidRule) {
		t.Errorf("expected ErrInvalidRule, got %v", err)
	}
}

func TestBuildAccounts(t *testing.T) {
	cfg := &Config{
		Quota: QuotaConfig{
			Accounts: map[string]string{"key-a": "enterprise"},
		},
	}

	accounts := BuildAccounts(cfg)
	ctx := context.Background()
	got, err := accounts.GetTierForKey(ctx, "key-a")
	if err != nil || got != tier.Enterprise {
		t.Errorf("expected enterprise, got (%s, %v)", got, err)
	}
	if _, err := accounts.GetTierForKey(ctx, "key-b"); !errors.Is(err, tier.ErrUnknownKey) {
		t.Errorf("expected ErrUnknownKey, got %v", err)
	}
}
