// Package ephemeral wraps the TTL'd key/value store backing heartbeats,
// Proof-of-Hardware challenges and rate-limit counters. No business logic
// lives here; every method is a thin, typed pass-through to Redis.
package ephemeral

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned when a key is absent or has expired.
var ErrNotFound = errors.New("ephemeral: not found")

// incrWithTTLScript increments a counter and, only on the call that creates
// the key (post-increment value == 1), sets its TTL in the same round trip.
// This closes the get-then-setex race the rate limiter would otherwise have
// between checking for existence and arming expiry.
const incrWithTTLScript = `
local v = redis.call("INCR", KEYS[1])
if v == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return v
`

// Store is a typed client over the ephemeral key/value backend.
type Store struct {
	rdb *redis.Client
}

// New wraps an existing Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// SetWithTTL writes value at key, replacing any existing value, expiring
// after ttl.
func (s *Store) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// SetIfAbsentWithTTL writes value at key only if it does not already exist,
// arming the TTL in the same operation. Returns false if the key already
// held a value.
func (s *Store) SetIfAbsentWithTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

// Get returns the value at key, or ErrNotFound if it is absent/expired.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

// Delete removes a key. It is not an error for the key to already be gone.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// MGet returns the values for a batch of keys; an absent key yields "" at
// its position with ok=false reported via the returned bool slice.
func (s *Store) MGet(ctx context.Context, keys []string) ([]string, []bool, error) {
	if len(keys) == 0 {
		return nil, nil, nil
	}
	raw, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, err
	}
	values := make([]string, len(raw))
	ok := make([]bool, len(raw))
	for i, v := range raw {
		if s, isStr := v.(string); isStr {
			values[i] = s
			ok[i] = true
		}
	}
	return values, ok, nil
}

// KeysByPrefix enumerates all keys matching prefix+"*". SCAN is used instead
// of KEYS to avoid blocking Redis on a large fleet.
func (s *Store) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}

// IncrWithTTL atomically increments the counter at key, arming a TTL of
// window only on the increment that creates the key, and returns the
// post-increment value.
func (s *Store) IncrWithTTL(ctx context.Context, key string, window time.Duration) (int64, error) {
	res, err := s.rdb.Eval(ctx, incrWithTTLScript, []string{key}, int(window.Seconds())).Result()
	if err != nil {
		return 0, err
	}
	v, ok := res.(int64)
	if !ok {
		return 0, errors.New("ephemeral: unexpected script result type")
	}
	return v, nil
}
