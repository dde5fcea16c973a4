package ratelimit

import (
	"context"
	"time"

	"bookwell/gatekeeper/pkg/quota/store"
	"bookwell/gatekeeper/pkg/quota/tier"
)

// Result is the outcome of a single rule check.
type Result struct {
	// Allowed reports whether the rule admitted the request.
	Allowed bool

	// CurrentUsage is the usage counted against the rule, including the
	// request itself when admitted.
	CurrentUsage int64

	// Limit is the rule's effective admission threshold.
	Limit int64

	// Window is the rule's window length (0 for concurrency rules).
	Window time.Duration

	// Reset is when the denying window rolls over.
	Reset time.Time

	// RetryAfter is how long the caller should wait before retrying.
	// Always positive on denial.
	RetryAfter time.Duration
}

// SlidingWindow checks time-windowed rules against a per-(key, kind)
// ordered set of request timestamps held in the counter store.
//
// # Algorithm
//
// On each check the store atomically drops entries older than the
// window, reads the remaining cardinality, and inserts the current
// timestamp only when the cardinality is below the limit. A denied
// request is never inserted, so denials consume no quota. Window
// boundaries are half-open (now−window, now].
//
// The very first request for a new key sees cardinality 0 and is always
// admitted.
type SlidingWindow struct {
	store store.CounterStore
	now   func() time.Time
}

// NewSlidingWindow creates a sliding-window limiter over the store.
func NewSlidingWindow(st store.CounterStore) *SlidingWindow {
	return &SlidingWindow{store: st, now: time.Now}
}

// SetClock replaces the limiter's clock, for tests.
func (sw *SlidingWindow) SetClock(now func() time.Time) { sw.now = now }

// windowKey builds the store key for a (key identifier, rule kind) window.
func windowKey(keyID string, kind tier.LimitKind) string {
	return "win:" + keyID + ":" + string(kind)
}

// CheckAndConsume evaluates one time-windowed rule for the key.
//
// Storage errors are returned as-is; the caller decides the failure
// policy. On denial RetryAfter equals the rule window and Reset is
// now+window: the conservative bound, since the oldest entry may expire
// any time up to a full window from now.
func (sw *SlidingWindow) CheckAndConsume(ctx context.Context, keyID string, rule tier.Rule) (*Result, error) {
	now := sw.now()
	limit := rule.EffectiveLimit()

	res, err := sw.store.SlidingWindowAllow(ctx, windowKey(keyID, rule.Kind), now, rule.Window, limit)
	if err != nil {
		return nil, err
	}

	if !res.Allowed {
		return &Result{
			Allowed:      false,
			CurrentUsage: res.Count,
			Limit:        limit,
			Window:       rule.Window,
			Reset:        now.Add(rule.Window),
			RetryAfter:   rule.Window,
		}, nil
	}

	return &Result{
		Allowed:      true,
		CurrentUsage: res.Count,
		Limit:        limit,
		Window:       rule.Window,
		Reset:        now.Add(rule.Window),
	}, nil
}

// Usage returns the current window cardinality for a (key, kind) pair
// without consuming quota. Used by the current-limits analytics read.
func (sw *SlidingWindow) Usage(ctx context.Context, keyID string, rule tier.Rule) (int64, error) {
	now := sw.now()
	key := windowKey(keyID, rule.Kind)

	// Prune first so the cardinality reflects only the live window.
	cutoff := now.Add(-rule.Window).UnixMicro()
	if err := sw.store.SortedSetRemoveRange(ctx, key, 0, cutoff); err != nil {
		return 0, err
	}
	return sw.store.SortedSetCardinality(ctx, key)
}
