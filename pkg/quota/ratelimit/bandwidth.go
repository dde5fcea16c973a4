package ratelimit

import (
	"context"
	"time"

	"bookwell/gatekeeper/pkg/quota/store"
	"bookwell/gatekeeper/pkg/quota/tier"
)

// bandwidthTTL keeps a bandwidth bucket around for its own hour plus the
// next, so a check near the top of the hour still sees the closing bucket.
const bandwidthTTL = 2 * time.Hour

// BandwidthWindow enforces bandwidth-per-hour rules.
//
// Bandwidth is accounted in hour-aligned byte counters rather than a
// weighted sorted set: per-member byte weights cannot be summed in one
// round trip from an ordered set, and byte-granularity sliding accuracy
// is not required. Bytes are recorded after the response is served
// (RecordBytes), and checked against the current hour's bucket at
// admission time.
type BandwidthWindow struct {
	store store.CounterStore
	now   func() time.Time
}

// NewBandwidthWindow creates a bandwidth checker over the store.
func NewBandwidthWindow(st store.CounterStore) *BandwidthWindow {
	return &BandwidthWindow{store: st, now: time.Now}
}

// SetClock replaces the checker's clock, for tests.
func (bw *BandwidthWindow) SetClock(now func() time.Time) { bw.now = now }

// bandwidthKey builds the store key for a key identifier's current-hour
// byte counter.
func bandwidthKey(keyID string, now time.Time) string {
	return "bw:" + keyID + ":" + now.UTC().Format("2006-01-02-15")
}

// Check evaluates a bandwidth rule for the key. The request itself adds
// no bytes at check time; only previously served bytes count.
func (bw *BandwidthWindow) Check(ctx context.Context, keyID string, rule tier.Rule) (*Result, error) {
	now := bw.now()

	used, _, err := bw.store.Get(ctx, bandwidthKey(keyID, now))
	if err != nil {
		return nil, err
	}

	reset := now.Truncate(time.Hour).Add(time.Hour)
	if used >= rule.EffectiveLimit() {
		return &Result{
			Allowed:      false,
			CurrentUsage: used,
			Limit:        rule.EffectiveLimit(),
			Window:       rule.Window,
			Reset:        reset,
			RetryAfter:   reset.Sub(now),
		}, nil
	}

	return &Result{
		Allowed:      true,
		CurrentUsage: used,
		Limit:        rule.EffectiveLimit(),
		Window:       rule.Window,
		Reset:        reset,
	}, nil
}

// RecordBytes adds served response bytes to the current hour's bucket.
func (bw *BandwidthWindow) RecordBytes(ctx context.Context, keyID string, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	return bw.store.IncrementBatch(ctx, []store.CounterIncr{
		{Key: bandwidthKey(keyID, bw.now()), Delta: bytes, TTL: bandwidthTTL},
	})
}

// Usage returns the bytes served in the current hour.
func (bw *BandwidthWindow) Usage(ctx context.Context, keyID string) (int64, error) {
	used, _, err := bw.store.Get(ctx, bandwidthKey(keyID, bw.now()))
	return used, err
}
