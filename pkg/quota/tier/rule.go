package tier

import (
	"time"
)

// Name identifies a subscription tier.
type Name string

const (
	// Free is the default tier for unknown or unpaid keys.
	Free Name = "free"

	// Basic is the entry-level paid tier.
	Basic Name = "basic"

	// Premium is the mid-level paid tier.
	Premium Name = "premium"

	// Enterprise is the highest tier with the largest quotas.
	Enterprise Name = "enterprise"
)

// Names lists all known tiers in ascending order of privilege.
var Names = []Name{Free, Basic, Premium, Enterprise}

// Valid reports whether the tier name is one of the known tiers.
func (n Name) Valid() bool {
	switch n {
	case Free, Basic, Premium, Enterprise:
		return true
	}
	return false
}

// LimitKind identifies the type of limit a rule enforces.
type LimitKind string

const (
	// RequestsPerMinute limits requests in a sliding 60-second window.
	RequestsPerMinute LimitKind = "requests_per_minute"

	// RequestsPerHour limits requests in a sliding 1-hour window.
	RequestsPerHour LimitKind = "requests_per_hour"

	// RequestsPerDay limits requests in a sliding 24-hour window.
	RequestsPerDay LimitKind = "requests_per_day"

	// RequestsPerMonth limits requests in a sliding 30-day window.
	RequestsPerMonth LimitKind = "requests_per_month"

	// ConcurrentRequests limits simultaneously in-flight requests.
	ConcurrentRequests LimitKind = "concurrent_requests"

	// BandwidthPerHour limits response bytes served per hour.
	BandwidthPerHour LimitKind = "bandwidth_per_hour"
)

// windowByKind maps each time-windowed limit kind to its window length.
// Concurrency rules have no window (value 0).
var windowByKind = map[LimitKind]time.Duration{
	RequestsPerMinute:  time.Minute,
	RequestsPerHour:    time.Hour,
	RequestsPerDay:     24 * time.Hour,
	RequestsPerMonth:   30 * 24 * time.Hour,
	ConcurrentRequests: 0,
	BandwidthPerHour:   time.Hour,
}

// Window returns the window length for the limit kind (0 for concurrency).
func (k LimitKind) Window() time.Duration {
	return windowByKind[k]
}

// Valid reports whether the limit kind is known.
func (k LimitKind) Valid() bool {
	_, ok := windowByKind[k]
	return ok
}

// Windowed reports whether the limit kind is enforced over a time window.
// Concurrency rules are point-in-time and have no window.
func (k LimitKind) Windowed() bool {
	return k != ConcurrentRequests && k.Valid()
}

// Rule is a single quota rule within a tier.
//
// Rules are immutable once loaded into a Registry. Evaluation order within
// a tier is significant for deterministic short-circuiting but does not
// change the final admit/deny outcome, since all rules must pass.
type Rule struct {
	// Kind is the type of limit this rule enforces.
	Kind LimitKind

	// Limit is the maximum count (requests, in-flight requests, or bytes)
	// permitted within the window.
	Limit int64

	// Window is the length of the sliding window. Zero for concurrency rules.
	Window time.Duration

	// BurstLimit optionally allows short bursts above Limit. Zero means
	// no burst allowance.
	BurstLimit int64

	// OverageCost is the optional per-unit cost in USD charged for usage
	// above the limit on tiers that permit overage. Zero means hard limit.
	OverageCost float64
}

// EffectiveLimit returns the admission threshold for the rule, which is the
// burst limit when one is configured and the base limit otherwise.
func (r Rule) EffectiveLimit() int64 {
	if r.BurstLimit > r.Limit {
		return r.BurstLimit
	}
	return r.Limit
}
