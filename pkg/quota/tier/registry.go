package tier

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRule is returned when a rule table fails validation.
// Registry construction is startup-fatal: a malformed rule configuration
// must never reach the request path.
var ErrInvalidRule = errors.New("invalid limit rule")

// Registry holds the validated rule tables for all tiers.
//
// The Registry is immutable after construction and safe for concurrent
// use without locking. Configuration reloads build a fresh Registry and
// swap it atomically at the coordinator; in-flight checks finish against
// the snapshot they started with.
type Registry struct {
	rules map[Name][]Rule
}

// NewRegistry builds a Registry from per-tier rule lists, applying
// defaults for any tier without an explicit entry.
//
// Every rule is validated: the kind must be known, the limit positive,
// and the window must match the kind's canonical window. Returns
// ErrInvalidRule (wrapped with detail) on the first violation.
func NewRegistry(overrides map[Name][]Rule) (*Registry, error) {
	rules := make(map[Name][]Rule, len(Names))
	for _, name := range Names {
		rules[name] = DefaultRules(name)
	}
	for name, list := range overrides {
		if !name.Valid() {
			return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidRule, name)
		}
		if len(list) > 0 {
			rules[name] = append([]Rule(nil), list...)
		}
	}

	for name, list := range rules {
		for i, r := range list {
			if err := validateRule(r); err != nil {
				return nil, fmt.Errorf("tier %s rule %d (%s): %w", name, i, r.Kind, err)
			}
		}
	}

	return &Registry{rules: rules}, nil
}

// Rules returns the ordered rule list for the tier. Unknown tiers fall
// back to the free tier's rules, mirroring the resolver's default policy.
func (reg *Registry) Rules(name Name) []Rule {
	if list, ok := reg.rules[name]; ok {
		return list
	}
	return reg.rules[Free]
}

// HasRule reports whether the tier carries a rule of the given kind.
func (reg *Registry) HasRule(name Name, kind LimitKind) bool {
	for _, r := range reg.Rules(name) {
		if r.Kind == kind {
			return true
		}
	}
	return false
}

// validateRule checks a single rule for internal consistency.
func validateRule(r Rule) error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, r.Kind)
	}
	if r.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidRule, r.Limit)
	}
	if r.Window != r.Kind.Window() {
		return fmt.Errorf("%w: window %s does not match kind window %s", ErrInvalidRule, r.Window, r.Kind.Window())
	}
	if r.BurstLimit < 0 {
		return fmt.Errorf("%w: burst limit must not be negative, got %d", ErrInvalidRule, r.BurstLimit)
	}
	if r.OverageCost < 0 {
		return fmt.Errorf("%w: overage cost must not be negative, got %f", ErrInvalidRule, r.OverageCost)
	}
	return nil
}

// DefaultRules returns the built-in rule list for a tier.
//
// These defaults are used when the configuration does not override a
// tier. Window rules are listed narrowest first; the coordinator checks
// the non-consuming concurrency and bandwidth rules before the windows.
func DefaultRules(name Name) []Rule {
	switch name {
	case Basic:
		return []Rule{
			{Kind: RequestsPerMinute, Limit: 60, Window: time.Minute},
			{Kind: RequestsPerHour, Limit: 2000, Window: time.Hour},
			{Kind: RequestsPerDay, Limit: 20000, Window: 24 * time.Hour},
			{Kind: RequestsPerMonth, Limit: 200000, Window: 30 * 24 * time.Hour},
			{Kind: ConcurrentRequests, Limit: 25},
			{Kind: BandwidthPerHour, Limit: 512 << 20, Window: time.Hour},
		}
	case Premium:
		return []Rule{
			{Kind: RequestsPerMinute, Limit: 300, Window: time.Minute, BurstLimit: 350},
			{Kind: RequestsPerHour, Limit: 10000, Window: time.Hour},
			{Kind: RequestsPerDay, Limit: 100000, Window: 24 * time.Hour},
			{Kind: RequestsPerMonth, Limit: 1000000, Window: 30 * 24 * time.Hour},
			{Kind: ConcurrentRequests, Limit: 100},
			{Kind: BandwidthPerHour, Limit: 2 << 30, Window: time.Hour},
		}
	case Enterprise:
		return []Rule{
			{Kind: RequestsPerMinute, Limit: 1000, Window: time.Minute, BurstLimit: 1200},
			{Kind: RequestsPerHour, Limit: 50000, Window: time.Hour},
			{Kind: RequestsPerDay, Limit: 500000, Window: 24 * time.Hour},
			{Kind: RequestsPerMonth, Limit: 5000000, Window: 30 * 24 * time.Hour, OverageCost: 0.0001},
			{Kind: ConcurrentRequests, Limit: 200},
			{Kind: BandwidthPerHour, Limit: 10 << 30, Window: time.Hour},
		}
	default: // Free and anything unrecognized.
		return []Rule{
			{Kind: RequestsPerMinute, Limit: 10, Window: time.Minute},
			{Kind: RequestsPerHour, Limit: 300, Window: time.Hour},
			{Kind: RequestsPerDay, Limit: 2000, Window: 24 * time.Hour},
			{Kind: RequestsPerMonth, Limit: 20000, Window: 30 * 24 * time.Hour},
			{Kind: ConcurrentRequests, Limit: 5},
			{Kind: BandwidthPerHour, Limit: 64 << 20, Window: time.Hour},
		}
	}
}
