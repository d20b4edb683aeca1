package cacher

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// MemoryCacher is the in-process implementation of Cacher. Storage is
// go-cache; a singleflight group collapses concurrent fetches for the same
// missing key into one load.
type MemoryCacher[T any] struct {
	cache *cache.Cache
	group singleflight.Group
}

// NewMemoryCacher creates an in-memory cache with the given default
// expiration and cleanup interval.
//
// Parameters:
//   - defaultExpiration: Default TTL for entries (cache.NoExpiration for none)
//   - cleanupInterval: How often expired entries are swept
//
// Returns:
//   - A new MemoryCacher instance
func NewMemoryCacher[T any](defaultExpiration, cleanupInterval time.Duration) Cacher[T] {
	return &MemoryCacher[T]{
		cache: cache.New(defaultExpiration, cleanupInterval),
	}
}

// Get implements Cacher.
func (c *MemoryCacher[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false
	}

	val, found := c.cache.Get(key)
	if !found {
		return zero, false
	}

	typed, ok := val.(T)
	if !ok {
		return zero, false
	}

	return typed, true
}

// Set implements Cacher.
func (c *MemoryCacher[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.cache.Set(key, value, ttl)
	return nil
}

// GetOrFetch implements Cacher. Concurrent misses on the same key run
// fetchFn once; the other callers wait for and share its result.
func (c *MemoryCacher[T]) GetOrFetch(
	ctx context.Context,
	key string,
	ttl time.Duration,
	fetchFn FetchFunc[T],
) (T, error) {
	var zero T

	if val, found := c.Get(ctx, key); found {
		return val, nil
	}

	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check after winning the flight; a concurrent caller may have
		// populated the entry already.
		if cached, found := c.cache.Get(key); found {
			if typed, ok := cached.(T); ok {
				return typed, nil
			}
		}

		fetched, err := fetchFn(ctx)
		if err != nil {
			return zero, err
		}

		c.cache.Set(key, fetched, ttl)
		return fetched, nil
	})
	if err != nil {
		return zero, err
	}

	typed, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected type in cache for key %s", key)
	}

	return typed, nil
}

// Delete implements Cacher.
func (c *MemoryCacher[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.cache.Delete(key)
	return nil
}

// Clear implements Cacher.
func (c *MemoryCacher[T]) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.cache.Flush()
	return nil
}

// ItemCount implements Cacher.
func (c *MemoryCacher[T]) ItemCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	return c.cache.ItemCount(), nil
}
