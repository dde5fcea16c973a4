package store

import (
	"context"
	"errors"
	"time"
)

// Error types for counter store failures.
var (
	// ErrUnavailable is returned when the backing store cannot be reached
	// or a call times out. Callers treat it as a signal to fail open.
	ErrUnavailable = errors.New("counter store unavailable")

	// ErrCorruptCounter is returned when a key holds a non-numeric value
	// where an integer was expected. Callers fail open for the affected
	// key and log a data-integrity warning.
	ErrCorruptCounter = errors.New("counter value corrupt")
)

// WindowResult is the outcome of a SlidingWindowAllow call.
type WindowResult struct {
	// Allowed reports whether the request was admitted into the window.
	Allowed bool

	// Count is the window cardinality: including the just-inserted entry
	// when admitted, or the cardinality that caused the denial otherwise.
	Count int64
}

// CounterIncr describes one increment within a batched write.
type CounterIncr struct {
	// Key is the counter key to increment.
	Key string

	// Member, when non-empty, turns the increment into a sorted-set
	// member increment on Key (used for per-endpoint leaderboards).
	Member string

	// Delta is the amount to add. Must be positive.
	Delta int64

	// TTL, when positive, is (re)applied to the key after the increment.
	TTL time.Duration
}

// ScoredMember is a sorted-set member with its score, returned by
// range reads in descending score order.
type ScoredMember struct {
	Member string
	Score  int64
}

// CounterStore is the adapter to the external key-value service that
// holds all quota coordination state.
//
// Implementations must be safe for concurrent use. Every call is bounded
// by the context deadline supplied by the caller; a timeout is surfaced
// as ErrUnavailable.
//
// The three compound operations (SlidingWindowAllow, DecrementFloor,
// IncrementBatch) exist because their semantics cannot be composed from
// the primitive calls without a race: the remove→count→insert sequence
// of a sliding-window check must not interleave with a concurrent
// checker on the same key.
type CounterStore interface {
	// Increment atomically increments the integer at key by one and
	// returns the new value.
	Increment(ctx context.Context, key string) (int64, error)

	// IncrementWithExpiry increments the integer at key by one, applies
	// ttl to the key, and returns the new value. The expiry is applied
	// unconditionally so a missed cleanup self-heals.
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the integer at key. The second return is false when
	// the key does not exist.
	Get(ctx context.Context, key string) (int64, bool, error)

	// SetExpiry applies ttl to the key. No-op if the key does not exist.
	SetExpiry(ctx context.Context, key string, ttl time.Duration) error

	// SortedSetAdd inserts member with score into the sorted set at key.
	SortedSetAdd(ctx context.Context, key, member string, score int64) error

	// SortedSetRemoveRange removes members with scores in [min, max].
	SortedSetRemoveRange(ctx context.Context, key string, min, max int64) error

	// SortedSetCardinality returns the number of members at key.
	SortedSetCardinality(ctx context.Context, key string) (int64, error)

	// SortedSetTopN returns up to n members in descending score order.
	SortedSetTopN(ctx context.Context, key string, n int64) ([]ScoredMember, error)

	// ListPushFront prepends value to the list at key.
	ListPushFront(ctx context.Context, key, value string) error

	// ListTrim truncates the list at key to the index range [start, stop].
	ListTrim(ctx context.Context, key string, start, stop int64) error

	// ListRange returns the list elements in the index range [start, stop].
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// SlidingWindowAllow performs the atomic sliding-window admission
	// sequence on the sorted set at key: drop entries with scores at or
	// below now−window, read the remaining cardinality, and insert an
	// entry for now only if the cardinality is still below limit. The
	// set's own expiry is refreshed to window plus a grace buffer.
	// A denied request is not inserted and consumes no quota.
	SlidingWindowAllow(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (WindowResult, error)

	// DecrementFloor decrements the integer at key, flooring at zero.
	// It is a no-op returning zero when the key does not exist (for
	// example after a safety-net expiry fired).
	DecrementFloor(ctx context.Context, key string) (int64, error)

	// IncrementBatch applies all increments in a single logical batch
	// (one round trip on networked stores).
	IncrementBatch(ctx context.Context, incrs []CounterIncr) error

	// Ping verifies connectivity to the backing store.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// windowGrace is the buffer added to a window set's expiry, protecting
// against clock skew between checkers and GC pauses in the store.
const windowGrace = 60 * time.Second
