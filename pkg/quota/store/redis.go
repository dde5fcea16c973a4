package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript performs the remove→count→conditionally-insert
// sequence in a single atomic round trip. Scores are microsecond
// timestamps; the removal bound is inclusive so the window is half-open
// (now−window, now]. A denied request inserts nothing.
//
// KEYS[1]  window set
// ARGV[1]  cutoff score (now−window, micros)
// ARGV[2]  limit
// ARGV[3]  score for the new entry (now, micros)
// ARGV[4]  member for the new entry
// ARGV[5]  expiry seconds for the set
var slidingWindowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[2]) then
  return {0, count}
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return {1, count + 1}
`)

// decrementFloorScript decrements a counter without going below zero and
// without resurrecting a key that has already expired.
var decrementFloorScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return 0
end
if not tonumber(v) then
  return redis.error_reply('value is not an integer')
end
if tonumber(v) <= 0 then
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// RedisConfig contains configuration for the Redis counter store.
type RedisConfig struct {
	// Addr is the host:port of the Redis server. Default: "127.0.0.1:6379".
	Addr string

	// Password is the optional AUTH password.
	Password string

	// DB is the logical database number.
	DB int

	// KeyPrefix is prepended to every key. Default: "gatekeeper".
	KeyPrefix string

	// OpTimeout bounds each store round trip. A timeout is reported as
	// ErrUnavailable and the engine fails open. Default: 250 ms.
	OpTimeout time.Duration
}

// RedisStore implements CounterStore on Redis.
//
// Compound operations run as Lua scripts so the multi-step sequences
// execute atomically server-side; batched increments use a pipeline to
// bound round trips.
type RedisStore struct {
	rdb       *redis.Client
	keyPrefix string
	opTimeout time.Duration
	logger    *slog.Logger
}

// NewRedisStore creates a RedisStore over a new client built from cfg.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "gatekeeper"
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 250 * time.Millisecond
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisStore{
		rdb:       rdb,
		keyPrefix: strings.Trim(cfg.KeyPrefix, ":"),
		opTimeout: cfg.OpTimeout,
		logger:    slog.Default().With("component", "quota.store.redis"),
	}
}

func (s *RedisStore) key(key string) string {
	return s.keyPrefix + ":" + key
}

// bound applies the per-operation timeout.
func (s *RedisStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// Increment implements CounterStore.
func (s *RedisStore) Increment(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	n, err := s.rdb.Incr(ctx, s.key(key)).Result()
	if err != nil {
		return 0, s.mapErr("incr", key, err)
	}
	return n, nil
}

// IncrementWithExpiry implements CounterStore.
func (s *RedisStore) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, s.key(key))
	pipe.Expire(ctx, s.key(key), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, s.mapErr("incr_expire", key, err)
	}
	return incr.Val(), nil
}

// Get implements CounterStore.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	raw, err := s.rdb.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, s.mapErr("get", key, err)
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: key %s holds %q", ErrCorruptCounter, key, raw)
	}
	return n, true, nil
}

// SetExpiry implements CounterStore.
func (s *RedisStore) SetExpiry(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.rdb.Expire(ctx, s.key(key), ttl).Err(); err != nil {
		return s.mapErr("expire", key, err)
	}
	return nil
}

// SortedSetAdd implements CounterStore.
func (s *RedisStore) SortedSetAdd(ctx context.Context, key, member string, score int64) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	err := s.rdb.ZAdd(ctx, s.key(key), redis.Z{Score: float64(score), Member: member}).Err()
	if err != nil {
		return s.mapErr("zadd", key, err)
	}
	return nil
}

// SortedSetRemoveRange implements CounterStore.
func (s *RedisStore) SortedSetRemoveRange(ctx context.Context, key string, min, max int64) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	err := s.rdb.ZRemRangeByScore(ctx, s.key(key),
		strconv.FormatInt(min, 10), strconv.FormatInt(max, 10)).Err()
	if err != nil {
		return s.mapErr("zremrangebyscore", key, err)
	}
	return nil
}

// SortedSetCardinality implements CounterStore.
func (s *RedisStore) SortedSetCardinality(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	n, err := s.rdb.ZCard(ctx, s.key(key)).Result()
	if err != nil {
		return 0, s.mapErr("zcard", key, err)
	}
	return n, nil
}

// SortedSetTopN implements CounterStore.
func (s *RedisStore) SortedSetTopN(ctx context.Context, key string, n int64) ([]ScoredMember, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	zs, err := s.rdb.ZRevRangeWithScores(ctx, s.key(key), 0, n-1).Result()
	if err != nil {
		return nil, s.mapErr("zrevrange", key, err)
	}

	members := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		members = append(members, ScoredMember{Member: m, Score: int64(z.Score)})
	}
	return members, nil
}

// ListPushFront implements CounterStore.
func (s *RedisStore) ListPushFront(ctx context.Context, key, value string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.rdb.LPush(ctx, s.key(key), value).Err(); err != nil {
		return s.mapErr("lpush", key, err)
	}
	return nil
}

// ListTrim implements CounterStore.
func (s *RedisStore) ListTrim(ctx context.Context, key string, start, stop int64) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.rdb.LTrim(ctx, s.key(key), start, stop).Err(); err != nil {
		return s.mapErr("ltrim", key, err)
	}
	return nil
}

// ListRange implements CounterStore.
func (s *RedisStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	values, err := s.rdb.LRange(ctx, s.key(key), start, stop).Result()
	if err != nil {
		return nil, s.mapErr("lrange", key, err)
	}
	return values, nil
}

// SlidingWindowAllow implements CounterStore via a Lua script evaluated
// atomically on the server.
func (s *RedisStore) SlidingWindowAllow(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (WindowResult, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	nowMicros := now.UnixMicro()
	cutoff := now.Add(-window).UnixMicro()
	// Member must be unique even for checks landing on the same
	// microsecond, otherwise ZADD would overwrite and under-count.
	member := strconv.FormatInt(nowMicros, 10) + "-" + uuid.NewString()[:8]
	expiry := int64((window + windowGrace) / time.Second)

	raw, err := slidingWindowScript.Run(ctx, s.rdb, []string{s.key(key)},
		cutoff, limit, nowMicros, member, expiry).Result()
	if err != nil {
		return WindowResult{}, s.mapErr("sliding_window", key, err)
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 2 {
		return WindowResult{}, fmt.Errorf("%w: key %s: unexpected script reply %v", ErrCorruptCounter, key, raw)
	}
	allowed, _ := reply[0].(int64)
	count, _ := reply[1].(int64)
	return WindowResult{Allowed: allowed == 1, Count: count}, nil
}

// DecrementFloor implements CounterStore.
func (s *RedisStore) DecrementFloor(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	n, err := decrementFloorScript.Run(ctx, s.rdb, []string{s.key(key)}).Int64()
	if err != nil {
		return 0, s.mapErr("decr_floor", key, err)
	}
	return n, nil
}

// IncrementBatch implements CounterStore. All increments and expiries go
// out in one pipeline.
func (s *RedisStore) IncrementBatch(ctx context.Context, incrs []CounterIncr) error {
	if len(incrs) == 0 {
		return nil
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	pipe := s.rdb.Pipeline()
	for _, in := range incrs {
		k := s.key(in.Key)
		if in.Member != "" {
			pipe.ZIncrBy(ctx, k, float64(in.Delta), in.Member)
		} else {
			pipe.IncrBy(ctx, k, in.Delta)
		}
		if in.TTL > 0 {
			pipe.Expire(ctx, k, in.TTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return s.mapErr("incr_batch", "", err)
	}
	return nil
}

// Ping implements CounterStore.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return s.mapErr("ping", "", err)
	}
	return nil
}

// Close implements CounterStore.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// mapErr classifies a go-redis error into the store error taxonomy.
// Non-numeric values are corruption; everything else (timeouts,
// connection failures, MOVED, OOM) is unavailability, which the engine
// treats as a fail-open signal.
func (s *RedisStore) mapErr(op, key string, err error) error {
	if isCorruptionErr(err) {
		return fmt.Errorf("%w: op=%s key=%s: %v", ErrCorruptCounter, op, key, err)
	}
	return fmt.Errorf("%w: op=%s key=%s: %v", ErrUnavailable, op, key, err)
}

func isCorruptionErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "not an integer") ||
		strings.Contains(msg, "not a valid float") ||
		strings.Contains(msg, "WRONGTYPE")
}
