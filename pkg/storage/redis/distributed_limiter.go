package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedRateLimitStorage implements ratelimit.DistributedStorage over
// Redis, so rate-limiter state can be enforced cluster-wide instead of
// per-process.
type DistributedRateLimitStorage struct {
	client *redis.Client
	ctx    context.Context
	prefix string
}

// NewDistributedRateLimitStorage wraps an existing Redis client.
func NewDistributedRateLimitStorage(client *redis.Client, prefix string) *DistributedRateLimitStorage {
	return &DistributedRateLimitStorage{client: client, ctx: context.Background(), prefix: prefix}
}

func (d *DistributedRateLimitStorage) key(k string) string {
	return d.prefix + ":ratelimit:" + k
}

// Get returns the current float value for key.
func (d *DistributedRateLimitStorage) Get(key string) (float64, bool) {
	raw, err := d.client.Get(d.ctx, d.key(key)).Result()
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Set stores value for key with the given TTL.
func (d *DistributedRateLimitStorage) Set(key string, value float64, ttl time.Duration) {
	d.client.Set(d.ctx, d.key(key), strconv.FormatFloat(value, 'f', -1, 64), ttl)
}

// Increment atomically adds delta to key's value, refreshing its TTL, and
// returns the new value.
func (d *DistributedRateLimitStorage) Increment(key string, delta float64, ttl time.Duration) float64 {
	result := d.client.IncrByFloat(d.ctx, d.key(key), delta)
	d.client.Expire(d.ctx, d.key(key), ttl)
	v, _ := result.Result()
	return v
}

// Decrement atomically subtracts delta from key's value and returns the
// new value.
func (d *DistributedRateLimitStorage) Decrement(key string, delta float64) float64 {
	result := d.client.IncrByFloat(d.ctx, d.key(key), -delta)
	v, _ := result.Result()
	return v
}

// Delete removes key.
func (d *DistributedRateLimitStorage) Delete(key string) {
	d.client.Del(d.ctx, d.key(key))
}
