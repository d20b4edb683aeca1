package cacher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// lockTTL bounds how long a fetch may hold the population lock before
// another process may take over.
const lockTTL = 30 * time.Second

// lockPollInterval is how often waiters re-check the cache while another
// process holds the population lock.
const lockPollInterval = 50 * time.Millisecond

// redisCacher is the Redis-backed implementation of Cacher. Values are
// JSON-encoded; a per-key lock entry prevents concurrent processes from
// fetching the same missing key at once.
type redisCacher[T any] struct {
	client *redis.Client
}

// NewRedisCacher creates a Redis-backed cacher around the given client.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	peers := cacher.NewRedisCacher[PeerInfo](client)
//
// Parameters:
//   - client: The Redis client to store entries through
//
// Returns:
//   - A Cacher backed by Redis
func NewRedisCacher[T any](client *redis.Client) Cacher[T] {
	return &redisCacher[T]{client: client}
}

// Get implements Cacher.
func (c *redisCacher[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T

	raw, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return zero, false
	}

	var value T
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return zero, false
	}

	return value, true
}

// Set implements Cacher.
func (c *redisCacher[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for key %s: %w", key, err)
	}

	if err := c.client.Set(ctx, key, encoded, ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}

	return nil
}

// GetOrFetch implements Cacher. On a miss the caller that wins the per-key
// lock runs fetchFn and populates the entry; losers poll the cache until
// the entry appears or the lock expires.
func (c *redisCacher[T]) GetOrFetch(
	ctx context.Context,
	key string,
	ttl time.Duration,
	fetchFn FetchFunc[T],
) (T, error) {
	var zero T

	raw, err := c.client.Get(ctx, key).Result()
	if err == nil {
		var value T
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return zero, fmt.Errorf("failed to decode cached value: %w", err)
		}

		return value, nil
	}
	if !errors.Is(err, redis.Nil) {
		return zero, fmt.Errorf("redis get error: %w", err)
	}

	lockKey := key + ":lock"
	acquired, err := c.client.SetNX(ctx, lockKey, 1, lockTTL).Result()
	if err != nil {
		return zero, fmt.Errorf("redis lock error: %w", err)
	}

	if !acquired {
		return c.waitForEntry(ctx, key, ttl, fetchFn)
	}

	defer c.client.Del(ctx, lockKey)

	fetched, err := fetchFn(ctx)
	if err != nil {
		return zero, err
	}

	if err := c.Set(ctx, key, fetched, ttl); err != nil {
		return zero, err
	}

	return fetched, nil
}

// waitForEntry polls the cache while another holder populates key, falling
// back to a direct fetch once the lock has expired.
func (c *redisCacher[T]) waitForEntry(
	ctx context.Context,
	key string,
	ttl time.Duration,
	fetchFn FetchFunc[T],
) (T, error) {
	var zero T

	deadline := time.Now().Add(lockTTL)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(lockPollInterval):
		}

		if value, found := c.Get(ctx, key); found {
			return value, nil
		}
	}

	// Lock expired without the entry appearing; fetch directly.
	fetched, err := fetchFn(ctx)
	if err != nil {
		return zero, err
	}

	if err := c.Set(ctx, key, fetched, ttl); err != nil {
		return zero, err
	}

	return fetched, nil
}

// Delete implements Cacher.
func (c *redisCacher[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del error: %w", err)
	}

	return nil
}

// Clear implements Cacher.
func (c *redisCacher[T]) Clear(ctx context.Context) error {
	if err := c.client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("redis flushdb error: %w", err)
	}

	return nil
}

// ItemCount implements Cacher.
func (c *redisCacher[T]) ItemCount(ctx context.Context) (int, error) {
	n, err := c.client.DBSize(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("redis dbsize error: %w", err)
	}

	return int(n), nil
}
