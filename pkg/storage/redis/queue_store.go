package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"contentctl/pkg/models"

	"github.com/redis/go-redis/v9"
)

// RedisCache backs the job queue's short-TTL result-cache short-circuit
// path (storage.ResultCacheStore), as a thin wrapper over a plain
// *redis.Client.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache initializes a new Redis client.
func NewRedisCache(addr, prefix string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client, prefix: prefix}, nil
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

func (r *RedisCache) key(k string) string {
	return r.prefix + ":" + k
}

// Get looks up a cache entry by key.
func (r *RedisCache) Get(ctx context.Context, key string) (*models.ResultCacheEntry, bool, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get cache entry: %w", err)
	}

	var entry models.ResultCacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	if entry.Expired(time.Now()) {
		return nil, false, nil
	}
	return &entry, true, nil
}

// Set writes a cache entry with the given TTL.
func (r *RedisCache) Set(ctx context.Context, entry *models.ResultCacheEntry, ttl time.Duration) error {
	now := time.Now()
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(ttl)
	entry.LastAccessed = now

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	return r.client.Set(ctx, r.key(entry.Key), payload, ttl).Err()
}

// Touch increments hit_count and refreshes last_accessed_at, best-effort.
func (r *RedisCache) Touch(ctx context.Context, key string) error {
	entry, ok, err := r.Get(ctx, key)
	if err != nil || !ok {
		return err
	}
	entry.HitCount++
	entry.LastAccessed = time.Now()
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	return r.Set(ctx, entry, ttl)
}
