package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process CounterStore.
//
// It backs single-node deployments and tests. All operations execute
// under one mutex, which trivially satisfies the atomicity contract of
// the compound operations. Expiry is enforced lazily on access using an
// injectable clock, so tests can advance time without sleeping.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	zsets    map[string]*memZSet
	lists    map[string]*memList
	failure  error
	seq      int64

	now func() time.Time
}

type memCounter struct {
	value   int64
	raw     string // non-empty when the value is not numeric (corruption double)
	expires time.Time
}

type memZSet struct {
	scores  map[string]int64
	expires time.Time
}

type memList struct {
	values  []string
	expires time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memCounter),
		zsets:    make(map[string]*memZSet),
		lists:    make(map[string]*memList),
		now:      time.Now,
	}
}

// SetClock replaces the store's clock. Tests use this to advance time
// deterministically; entries expire relative to the injected clock.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetFailure makes every subsequent operation return err until called
// again with nil. Tests use this to simulate store unavailability.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

// SetRaw plants a non-numeric value at key so tests can exercise the
// corruption path.
func (s *MemoryStore) SetRaw(key, raw string) {
	s.mu.Lock()
	s.counters[key] = &memCounter{raw: raw}
	s.mu.Unlock()
}

// Increment implements CounterStore.
func (s *MemoryStore) Increment(ctx context.Context, key string) (int64, error) {
	return s.incr(ctx, key, 1, 0)
}

// IncrementWithExpiry implements CounterStore.
func (s *MemoryStore) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.incr(ctx, key, 1, ttl)
}

func (s *MemoryStore) incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	c := s.liveCounter(key)
	if c == nil {
		c = &memCounter{}
		s.counters[key] = c
	}
	if c.raw != "" {
		return 0, fmt.Errorf("%w: key %s holds %q", ErrCorruptCounter, key, c.raw)
	}
	c.value += delta
	if ttl > 0 {
		c.expires = s.now().Add(ttl)
	}
	return c.value, nil
}

// Get implements CounterStore.
func (s *MemoryStore) Get(ctx context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, false, err
	}

	c := s.liveCounter(key)
	if c == nil {
		return 0, false, nil
	}
	if c.raw != "" {
		return 0, false, fmt.Errorf("%w: key %s holds %q", ErrCorruptCounter, key, c.raw)
	}
	return c.value, true, nil
}

// SetExpiry implements CounterStore.
func (s *MemoryStore) SetExpiry(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}

	expires := s.now().Add(ttl)
	if c := s.liveCounter(key); c != nil {
		c.expires = expires
	}
	if z := s.liveZSet(key); z != nil {
		z.expires = expires
	}
	if l := s.liveList(key); l != nil {
		l.expires = expires
	}
	return nil
}

// SortedSetAdd implements CounterStore.
func (s *MemoryStore) SortedSetAdd(ctx context.Context, key, member string, score int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.zsetLocked(key).scores[member] = score
	return nil
}

// SortedSetRemoveRange implements CounterStore.
func (s *MemoryStore) SortedSetRemoveRange(ctx context.Context, key string, min, max int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}

	z := s.liveZSet(key)
	if z == nil {
		return nil
	}
	for m, score := range z.scores {
		if score >= min && score <= max {
			delete(z.scores, m)
		}
	}
	return nil
}

// SortedSetCardinality implements CounterStore.
func (s *MemoryStore) SortedSetCardinality(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	z := s.liveZSet(key)
	if z == nil {
		return 0, nil
	}
	return int64(len(z.scores)), nil
}

// SortedSetTopN implements CounterStore.
func (s *MemoryStore) SortedSetTopN(ctx context.Context, key string, n int64) ([]ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	z := s.liveZSet(key)
	if z == nil {
		return nil, nil
	}

	members := make([]ScoredMember, 0, len(z.scores))
	for m, score := range z.scores {
		members = append(members, ScoredMember{Member: m, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score > members[j].Score
		}
		return members[i].Member < members[j].Member
	})
	if n > 0 && int64(len(members)) > n {
		members = members[:n]
	}
	return members, nil
}

// ListPushFront implements CounterStore.
func (s *MemoryStore) ListPushFront(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}

	l := s.liveList(key)
	if l == nil {
		l = &memList{}
		s.lists[key] = l
	}
	l.values = append([]string{value}, l.values...)
	return nil
}

// ListTrim implements CounterStore.
func (s *MemoryStore) ListTrim(ctx context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}

	l := s.liveList(key)
	if l == nil {
		return nil
	}
	lo, hi := clampRange(start, stop, int64(len(l.values)))
	if lo > hi {
		l.values = nil
		return nil
	}
	l.values = l.values[lo : hi+1]
	return nil
}

// ListRange implements CounterStore.
func (s *MemoryStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	l := s.liveList(key)
	if l == nil {
		return nil, nil
	}
	lo, hi := clampRange(start, stop, int64(len(l.values)))
	if lo > hi {
		return nil, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, l.values[lo:hi+1])
	return out, nil
}

// SlidingWindowAllow implements CounterStore. The whole sequence runs
// under the store mutex, so concurrent checkers on the same key observe
// a consistent cardinality.
func (s *MemoryStore) SlidingWindowAllow(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (WindowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return WindowResult{}, err
	}

	z := s.zsetLocked(key)

	// Half-open window (now−window, now]: entries exactly window old are
	// dropped.
	cutoff := now.Add(-window).UnixMicro()
	for m, score := range z.scores {
		if score <= cutoff {
			delete(z.scores, m)
		}
	}

	count := int64(len(z.scores))
	if count >= limit {
		return WindowResult{Allowed: false, Count: count}, nil
	}

	s.seq++
	member := strconv.FormatInt(now.UnixMicro(), 10) + "-" + strconv.FormatInt(s.seq, 10)
	z.scores[member] = now.UnixMicro()
	z.expires = s.now().Add(window + windowGrace)
	return WindowResult{Allowed: true, Count: count + 1}, nil
}

// DecrementFloor implements CounterStore.
func (s *MemoryStore) DecrementFloor(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	c := s.liveCounter(key)
	if c == nil {
		return 0, nil
	}
	if c.raw != "" {
		return 0, fmt.Errorf("%w: key %s holds %q", ErrCorruptCounter, key, c.raw)
	}
	if c.value > 0 {
		c.value--
	}
	return c.value, nil
}

// IncrementBatch implements CounterStore.
func (s *MemoryStore) IncrementBatch(ctx context.Context, incrs []CounterIncr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}

	now := s.now()
	for _, in := range incrs {
		if in.Member != "" {
			z := s.zsetLocked(in.Key)
			z.scores[in.Member] += in.Delta
			if in.TTL > 0 {
				z.expires = now.Add(in.TTL)
			}
			continue
		}

		c := s.liveCounter(in.Key)
		if c == nil {
			c = &memCounter{}
			s.counters[in.Key] = c
		}
		if c.raw != "" {
			return fmt.Errorf("%w: key %s holds %q", ErrCorruptCounter, in.Key, c.raw)
		}
		c.value += in.Delta
		if in.TTL > 0 {
			c.expires = now.Add(in.TTL)
		}
	}
	return nil
}

// Ping implements CounterStore.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check(ctx)
}

// Close implements CounterStore.
func (s *MemoryStore) Close() error { return nil }

// check surfaces an injected failure or a cancelled context.
func (s *MemoryStore) check(ctx context.Context) error {
	if s.failure != nil {
		return s.failure
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// liveCounter returns the counter at key, dropping it first if expired.
func (s *MemoryStore) liveCounter(key string) *memCounter {
	c, ok := s.counters[key]
	if !ok {
		return nil
	}
	if !c.expires.IsZero() && !s.now().Before(c.expires) {
		delete(s.counters, key)
		return nil
	}
	return c
}

func (s *MemoryStore) liveZSet(key string) *memZSet {
	z, ok := s.zsets[key]
	if !ok {
		return nil
	}
	if !z.expires.IsZero() && !s.now().Before(z.expires) {
		delete(s.zsets, key)
		return nil
	}
	return z
}

func (s *MemoryStore) liveList(key string) *memList {
	l, ok := s.lists[key]
	if !ok {
		return nil
	}
	if !l.expires.IsZero() && !s.now().Before(l.expires) {
		delete(s.lists, key)
		return nil
	}
	return l
}

// zsetLocked returns the live sorted set at key, creating it if needed.
func (s *MemoryStore) zsetLocked(key string) *memZSet {
	if z := s.liveZSet(key); z != nil {
		return z
	}
	z := &memZSet{scores: make(map[string]int64)}
	s.zsets[key] = z
	return z
}

// clampRange normalizes a [start, stop] index range (negative indexes
// count from the end, as in the Redis LRANGE convention) against length n.
func clampRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}
