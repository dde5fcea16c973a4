package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"bookwell/gatekeeper/pkg/quota/tier"
)

// Load loads configuration from a YAML file, applies defaults, and
// validates the result. Any validation failure is fatal to startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// BuildRegistry constructs the validated tier registry from the
// configuration's rule overrides. The window for each rule is derived
// from its kind; configs only carry kind and limits.
func BuildRegistry(cfg *Config) (*tier.Registry, error) {
	overrides := make(map[tier.Name][]tier.Rule, len(cfg.Quota.Tiers))
	for name, list := range cfg.Quota.Tiers {
		rules := make([]tier.Rule, 0, len(list))
		for _, rc := range list {
			kind := tier.LimitKind(rc.Kind)
			rules = append(rules, tier.Rule{
				Kind:        kind,
				Limit:       rc.Limit,
				Window:      kind.Window(),
				BurstLimit:  rc.BurstLimit,
				OverageCost: rc.OverageCost,
			})
		}
		overrides[tier.Name(name)] = rules
	}
	return tier.NewRegistry(overrides)
}

// BuildAccounts constructs the static account store from the
// configuration's key→tier assignments.
func BuildAccounts(cfg *Config) *tier.StaticAccountStore {
	assignments := make(map[string]tier.Name, len(cfg.Quota.Accounts))
	for keyID, name := range cfg.Quota.Accounts {
		assignments[keyID] = tier.Name(name)
	}
	return tier.NewStaticAccountStore(assignments)
}
