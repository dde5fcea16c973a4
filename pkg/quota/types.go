package quota

import (
	"time"

	"bookwell/gatekeeper/pkg/quota/tier"
)

// AdmissionDecision is the outcome of one admission check.
//
// It is produced once per check and not persisted. When Allowed is
// false, RetryAfter is always present and non-negative, and the HTTP
// layer is expected to surface a 429 with quota headers derived from
// these fields.
type AdmissionDecision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool `json:"allowed"`

	// CurrentUsage is the usage counted against the deciding rule,
	// including this request when admitted.
	CurrentUsage int64 `json:"current_usage"`

	// Limit is the deciding rule's admission threshold.
	Limit int64 `json:"limit"`

	// Window is the deciding rule's window length (0 for concurrency).
	Window time.Duration `json:"window_seconds"`

	// Reset is when the deciding window rolls over.
	Reset time.Time `json:"reset_time"`

	// RetryAfter is how long to wait before retrying. Zero when allowed.
	RetryAfter time.Duration `json:"retry_after"`

	// Tier is the tier the key identifier resolved to.
	Tier tier.Name `json:"tier"`

	// LimitKind is the rule kind that produced this decision (the
	// denying rule, or the narrowest-window rule when admitted).
	LimitKind tier.LimitKind `json:"limit_kind,omitempty"`

	// FailOpen marks a decision that was admitted because the counter
	// store was unreachable, not because quota was available.
	FailOpen bool `json:"fail_open,omitempty"`

	// CostIncurred is the overage cost charged for this request on
	// tiers with metered overage. Zero for hard-limited tiers.
	CostIncurred float64 `json:"cost_incurred,omitempty"`
}

// RuleStatus is the live usage of one rule, served by the current-limits
// analytics read.
type RuleStatus struct {
	// Kind is the rule kind.
	Kind tier.LimitKind `json:"kind"`

	// Limit is the rule's admission threshold.
	Limit int64 `json:"limit"`

	// CurrentUsage is the usage currently counted in the rule's window.
	CurrentUsage int64 `json:"current_usage"`

	// Window is the rule's window length (0 for concurrency).
	Window time.Duration `json:"window_seconds"`

	// Reset is the conservative upper bound on when the window clears.
	// Zero for non-windowed rules.
	Reset time.Time `json:"reset_time,omitzero"`
}

// CurrentLimits is the full quota status for one key identifier.
type CurrentLimits struct {
	// Tier is the resolved tier.
	Tier tier.Name `json:"tier"`

	// Rules is the per-rule live usage, in tier evaluation order.
	Rules []RuleStatus `json:"rules"`
}
