package tier

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrUnknownKey is returned by an AccountStore when no account exists for
// the key identifier. The resolver maps it to the free tier rather than
// failing, so a missing record degrades service quality instead of
// blocking traffic.
var ErrUnknownKey = errors.New("unknown api key")

// AccountStore is the authoritative source of tier assignments, owned by
// the subscription/billing service.
type AccountStore interface {
	// GetTierForKey returns the tier for the key identifier, or
	// ErrUnknownKey if no account exists.
	GetTierForKey(ctx context.Context, keyID string) (Name, error)
}

// StaticAccountStore is an AccountStore backed by a fixed in-memory
// assignment table, typically loaded from configuration. It is used by
// the bundled server and in tests; production deployments plug in their
// billing service.
type StaticAccountStore struct {
	assignments map[string]Name
}

// NewStaticAccountStore builds a StaticAccountStore from key→tier
// assignments. The map is copied; later mutation of the argument has no
// effect.
func NewStaticAccountStore(assignments map[string]Name) *StaticAccountStore {
	copied := make(map[string]Name, len(assignments))
	for k, v := range assignments {
		copied[k] = v
	}
	return &StaticAccountStore{assignments: copied}
}

// GetTierForKey implements AccountStore.
func (s *StaticAccountStore) GetTierForKey(_ context.Context, keyID string) (Name, error) {
	if t, ok := s.assignments[keyID]; ok {
		return t, nil
	}
	return "", ErrUnknownKey
}

// ResolverConfig contains configuration for the Resolver.
type ResolverConfig struct {
	// CacheTTL is how long a resolved tier is cached before the account
	// store is consulted again. Default: 5 minutes.
	CacheTTL time.Duration

	// NegativeTTL is the cache TTL for free-tier resolutions of unknown
	// keys. A shorter TTL lets a newly provisioned key pick up its real
	// tier quickly. Default: 1 minute.
	NegativeTTL time.Duration

	// LookupsPerSecond bounds fallback lookups against the account store
	// so a flood of uncached keys cannot hammer it. Default: 50.
	LookupsPerSecond float64

	// LookupBurst is the burst allowance for fallback lookups. Default: 100.
	LookupBurst int
}

// Resolver maps an API key identifier to its tier.
//
// Resolution consults a short-lived in-process cache before falling back
// to the authoritative account store. Unknown keys and account-store
// failures both resolve to the free tier; unknown keys are negatively
// cached so repeated probes do not reach the store.
//
// The cache is eventually consistent with the account store, bounded by
// CacheTTL. A tier change may take up to the TTL to take effect.
type Resolver struct {
	accounts AccountStore
	cacheTTL time.Duration
	negTTL   time.Duration
	lookups  *rate.Limiter
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	now func() time.Time
}

type cacheEntry struct {
	tier     Name
	negative bool
	expires  time.Time
}

// NewResolver creates a Resolver over the given account store.
func NewResolver(accounts AccountStore, cfg ResolverConfig) *Resolver {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = time.Minute
	}
	if cfg.LookupsPerSecond <= 0 {
		cfg.LookupsPerSecond = 50
	}
	if cfg.LookupBurst <= 0 {
		cfg.LookupBurst = 100
	}

	return &Resolver{
		accounts: accounts,
		cacheTTL: cfg.CacheTTL,
		negTTL:   cfg.NegativeTTL,
		lookups:  rate.NewLimiter(rate.Limit(cfg.LookupsPerSecond), cfg.LookupBurst),
		logger:   slog.Default().With("component", "quota.tier.resolver"),
		cache:    make(map[string]cacheEntry),
		now:      time.Now,
	}
}

// ResolveTier returns the tier for the key identifier.
//
// This never fails: unknown keys, account-store errors, and lookup
// throttling all resolve to the free tier.
func (r *Resolver) ResolveTier(ctx context.Context, keyID string) Name {
	now := r.now()

	r.mu.RLock()
	entry, ok := r.cache[keyID]
	r.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.tier
	}

	// Cache miss or stale entry. Fall back to the account store, but keep
	// serving the free default if lookups are being throttled.
	if !r.lookups.Allow() {
		if ok {
			return entry.tier // stale beats free when the store is off-limits
		}
		return Free
	}

	resolved, err := r.accounts.GetTierForKey(ctx, keyID)
	switch {
	case errors.Is(err, ErrUnknownKey):
		r.store(keyID, Free, true, now)
		return Free
	case err != nil:
		r.logger.Warn("account store lookup failed, defaulting to free tier",
			"key_id", keyID,
			"error", err,
		)
		if ok {
			return entry.tier
		}
		r.store(keyID, Free, true, now)
		return Free
	}

	if !resolved.Valid() {
		r.logger.Warn("account store returned unknown tier, defaulting to free",
			"key_id", keyID,
			"tier", string(resolved),
		)
		resolved = Free
	}

	r.store(keyID, resolved, false, now)
	return resolved
}

// Invalidate drops the cached entry for a key identifier, forcing the
// next resolution to consult the account store.
func (r *Resolver) Invalidate(keyID string) {
	r.mu.Lock()
	delete(r.cache, keyID)
	r.mu.Unlock()
}

// InvalidateAll drops every cached entry, typically after the account
// assignment table is replaced on a configuration reload.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
}

// store back-fills the cache with a resolution result.
func (r *Resolver) store(keyID string, t Name, negative bool, now time.Time) {
	ttl := r.cacheTTL
	if negative {
		ttl = r.negTTL
	}

	r.mu.Lock()
	r.cache[keyID] = cacheEntry{tier: t, negative: negative, expires: now.Add(ttl)}
	r.mu.Unlock()
}
