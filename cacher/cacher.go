// Package cacher provides a generic TTL cache that applications hand to
// their session handlers as an explicit dependency (for example, caching
// peer metadata or lookup results keyed by endpoint). The cache is a
// collaborator passed in by the caller, never ambient state owned by an
// endpoint.
package cacher

import (
	"context"
	"time"
)

// FetchFunc loads a value from its source on a cache miss. It receives a
// context for cancellation and returns the value or an error.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cacher is a thread-safe TTL cache. Implementations must suppress
// duplicate loads when concurrent callers miss on the same key.
type Cacher[T any] interface {
	// Get returns the cached value for key, if present and unexpired.
	//
	// Parameters:
	//   - ctx: Context for cancellation
	//   - key: The cache key to look up
	//
	// Returns:
	//   - The cached value and true, or the zero value and false on a miss
	Get(ctx context.Context, key string) (T, bool)

	// Set stores value under key with the given TTL, replacing any
	// existing entry.
	//
	// Parameters:
	//   - ctx: Context for cancellation
	//   - key: The cache key to set
	//   - value: The value to store
	//   - ttl: Time-to-live for the entry
	//
	// Returns:
	//   - An error if the store fails
	Set(ctx context.Context, key string, value T, ttl time.Duration) error

	// GetOrFetch returns the cached value for key, or loads it with
	// fetchFn on a miss and stores the result with the given TTL.
	// Concurrent misses on the same key execute fetchFn once.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key to retrieve or populate
	//   - ttl: Time-to-live for a freshly fetched value
	//   - fetchFn: Function that loads the value on a miss
	//
	// Returns:
	//   - The cached or fetched value
	//   - An error if the fetch fails
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Delete removes key from the cache. No-op for absent keys.
	//
	// Parameters:
	//   - ctx: Context for cancellation
	//   - key: The cache key to delete
	//
	// Returns:
	//   - An error if the delete fails
	Delete(ctx context.Context, key string) error

	// Clear removes every entry from the cache.
	//
	// Parameters:
	//   - ctx: Context for cancellation
	//
	// Returns:
	//   - An error if the operation fails
	Clear(ctx context.Context) error

	// ItemCount returns the number of entries in the cache.
	//
	// Parameters:
	//   - ctx: Context for cancellation
	//
	// Returns:
	//   - The number of entries
	//   - An error if the operation fails
	ItemCount(ctx context.Context) (int, error)
}
