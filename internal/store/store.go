// Package store is the Shared Store (SS): the durable state backend used by
// every component above it — pricing/service-rate caches are the only pure
// leaves that don't touch it. It wraps a single Redis client with the
// hash/set/sorted-set/atomic-increment primitives the rest of the system
// needs, plus RunScript for Lua scripts defined by callers (KV runs its
// lazy-activation script through it). RLG's admission script lives in
// internal/ratelimit and runs on its own *redis.Client.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps any underlying Redis error so callers can distinguish
// "store down" from "key not found" without importing go-redis directly.
var ErrUnavailable = errors.New("store: unavailable")

// ErrNotFound mirrors redis.Nil so callers don't need the redis package.
var ErrNotFound = errors.New("store: not found")

const defaultTimeout = 2 * time.Second

// Store is the Shared Store. It is a thin, typed wrapper over go-redis —
// AR, KV, UHT and UR take a *Store rather than a *redis.Client (RLG's Gate
// takes a *redis.Client directly); all of them can be exercised against
// miniredis.
type Store struct {
	rdb     *redis.Client
	timeout time.Duration
}

// New wraps an existing *redis.Client. The caller owns its lifecycle.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, timeout: defaultTimeout}
}

// NewFromURL parses redisURL, connects, and verifies the connection with a
// PING before returning.
func NewFromURL(ctx context.Context, redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{rdb: rdb, timeout: defaultTimeout}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.rdb.Close() }

// Client exposes the raw client for components that need Redis features this
// wrapper doesn't cover (e.g. Pub/Sub in a future admin peripheral).
func (s *Store) Client() *redis.Client { return s.rdb }

func (s *Store) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// --- hashes -----------------------------------------------------------

// HGetAll reads an entire hash. Returns ErrNotFound if the key doesn't exist.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	m, err := s.rdb.HGetAll(cctx, key).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return m, nil
}

// HSet writes a set of fields into a hash.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	values := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	return wrapErr(s.rdb.HSet(cctx, key, values...).Err())
}

// HGet reads a single hash field.
func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	v, err := s.rdb.HGet(cctx, key, field).Result()
	return v, wrapErr(err)
}

// HDel removes one or more hash fields.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	return wrapErr(s.rdb.HDel(cctx, key, fields...).Err())
}

// HIncrByFloat atomically increments a hash field interpreted as a float and
// returns the new value.
func (s *Store) HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	v, err := s.rdb.HIncrByFloat(cctx, key, field, delta).Result()
	return v, wrapErr(err)
}

// HIncrBy atomically increments a hash field interpreted as an integer.
func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	v, err := s.rdb.HIncrBy(cctx, key, field, delta).Result()
	return v, wrapErr(err)
}

// --- sets ---------------------------------------------------------------

// SAdd adds members to a set.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrapErr(s.rdb.SAdd(cctx, key, args...).Err())
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrapErr(s.rdb.SRem(cctx, key, args...).Err())
}

// SMembers lists all members of a set.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	v, err := s.rdb.SMembers(cctx, key).Result()
	return v, wrapErr(err)
}

// --- strings / expiry -----------------------------------------------------

// Get reads a plain string key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	v, err := s.rdb.Get(cctx, key).Result()
	return v, wrapErr(err)
}

// Set writes a plain string key with an optional TTL (0 = no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	return wrapErr(s.rdb.Set(cctx, key, value, ttl).Err())
}

// SetNX writes a key only if it does not already exist, returning whether the
// write happened.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	ok, err := s.rdb.SetNX(cctx, key, value, ttl).Result()
	return ok, wrapErr(err)
}

// Del removes one or more keys. Missing keys are not an error.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	return wrapErr(s.rdb.Del(cctx, keys...).Err())
}

// Expire sets a TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	return wrapErr(s.rdb.Expire(cctx, key, ttl).Err())
}

// TTL returns the remaining TTL of key, or 0 if it has none, or a negative
// duration if the key doesn't exist.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	v, err := s.rdb.TTL(cctx, key).Result()
	return v, wrapErr(err)
}

// --- sorted sets (sliding windows) ---------------------------------------

// ZAdd adds a single scored member to a sorted set.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	return wrapErr(s.rdb.ZAdd(cctx, key, redis.Z{Score: score, Member: member}).Err())
}

// ZCard returns the number of members in a sorted set.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	v, err := s.rdb.ZCard(cctx, key).Result()
	return v, wrapErr(err)
}

// ZRemRangeByScore trims a sorted set down to [min,max] score bounds removed.
func (s *Store) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	return wrapErr(s.rdb.ZRemRangeByScore(cctx, key, min, max).Err())
}

// Pipeline exposes a raw go-redis pipeliner for multi-key atomic-enough
// batches (UR's "all pipelined" aggregate updates, spec.md §4.7). Pipelines
// are not transactions: partial application under a mid-batch connection
// drop is acceptable per the at-least-once accounting model.
func (s *Store) Pipeline() redis.Pipeliner {
	return s.rdb.Pipeline()
}

// RunScript executes a Lua script against this store's client with a bounded
// timeout, returning the raw Cmd result for callers to type-assert.
func (s *Store) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) *redis.Cmd {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	return script.Run(cctx, s.rdb, keys, args...)
}

// Now returns the current time used to stamp records. It exists so that
// future tests can inject a fixed clock without touching every caller; today
// it simply delegates to time.Now.
func Now() time.Time { return time.Now() }
