package ratelimit

import (
	"context"
	"time"

	"bookwell/gatekeeper/pkg/quota/store"
)

// concurrencyRetryAfter is the retry hint on concurrency denials.
// In-flight slots clear quickly, so the hint is deliberately short.
const concurrencyRetryAfter = time.Second

// ConcurrencyGuard tracks currently in-flight requests per key
// identifier with a shared atomic counter.
//
// The check (TryAcquire) and the consumption (IncrementInFlight) are
// separate on purpose: a slot is consumed only when the request is
// actually dispatched, not merely considered. Every increment stamps a
// safety-net expiry on the counter, so a crashed caller that never
// releases cannot inflate the count for longer than the expiry.
type ConcurrencyGuard struct {
	store  store.CounterStore
	expiry time.Duration
	now    func() time.Time
}

// NewConcurrencyGuard creates a guard over the store. expiry is the
// safety-net TTL applied on every increment; zero selects the 300 s
// default.
func NewConcurrencyGuard(st store.CounterStore, expiry time.Duration) *ConcurrencyGuard {
	if expiry <= 0 {
		expiry = 300 * time.Second
	}
	return &ConcurrencyGuard{store: st, expiry: expiry, now: time.Now}
}

// SetClock replaces the guard's clock, for tests.
func (g *ConcurrencyGuard) SetClock(now func() time.Time) { g.now = now }

// concurrencyKey builds the store key for a key identifier's in-flight counter.
func concurrencyKey(keyID string) string {
	return "conc:" + keyID
}

// TryAcquire checks whether the key has an in-flight slot available.
//
// It does not consume the slot; call IncrementInFlight once admission is
// fully decided. Storage errors are returned as-is for the coordinator's
// fail-open policy.
func (g *ConcurrencyGuard) TryAcquire(ctx context.Context, keyID string, limit int64) (*Result, error) {
	current, _, err := g.store.Get(ctx, concurrencyKey(keyID))
	if err != nil {
		return nil, err
	}

	if current >= limit {
		return &Result{
			Allowed:      false,
			CurrentUsage: current,
			Limit:        limit,
			Reset:        g.now().Add(concurrencyRetryAfter),
			RetryAfter:   concurrencyRetryAfter,
		}, nil
	}

	return &Result{
		Allowed:      true,
		CurrentUsage: current + 1,
		Limit:        limit,
	}, nil
}

// IncrementInFlight consumes an in-flight slot for the key. The
// safety-net expiry is applied unconditionally so the counter self-heals
// if Release is never called.
func (g *ConcurrencyGuard) IncrementInFlight(ctx context.Context, keyID string) error {
	_, err := g.store.IncrementWithExpiry(ctx, concurrencyKey(keyID), g.expiry)
	return err
}

// Release returns an in-flight slot. The decrement floors at zero and is
// a no-op when the counter has already expired.
func (g *ConcurrencyGuard) Release(ctx context.Context, keyID string) error {
	_, err := g.store.DecrementFloor(ctx, concurrencyKey(keyID))
	return err
}

// InFlight returns the current in-flight count for the key.
func (g *ConcurrencyGuard) InFlight(ctx context.Context, keyID string) (int64, error) {
	current, _, err := g.store.Get(ctx, concurrencyKey(keyID))
	return current, err
}
