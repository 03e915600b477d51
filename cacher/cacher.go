// Package cacher provides get-or-fetch caches with stampede protection. The
// relay resolver uses them to share allocation lookups between server
// starts and, with Redis, between server processes.
package cacher

import (
	"context"
	"time"
)

// FetchFunc fetches a value from its source on a cache miss.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cacher caches values with automatic fetching on misses. Implementations
// are safe for concurrent use and run at most one fetch per key at a time.
type Cacher[T any] interface {
	// GetOrFetch returns the cached value for key, or calls fetchFn, caches
	// the result for ttl and returns it.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key
	//   - ttl: Time-to-live of a freshly fetched value
	//   - fetchFn: Called on a miss
	//
	// Returns:
	//   - The cached or fetched value
	//   - An error if the lookup or the fetch fails; failures are not cached
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Delete removes key from the cache. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
