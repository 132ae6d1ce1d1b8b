// Package cache provides a read-through cache with stampede protection, used
// to keep hot user records out of the database. Two backends exist: a
// process-local one and a Redis one that several chat servers can share.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrLockWait is returned by the shared backend when another process held
// the fill lock and the value never appeared.
var ErrLockWait = errors.New("cache fill by another holder did not complete")

// FetchFunc loads the value for a missing key from the source of truth.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cacher caches values of type T under string keys. Implementations are safe
// for concurrent use and run at most one fetch per key at a time.
type Cacher[T any] interface {
	// GetOrFetch returns the cached value for key, or calls fetchFn, stores
	// its result for ttl and returns it. Fetch errors are returned as-is and
	// nothing is cached.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key
	//   - ttl: How long a fetched value stays valid
	//   - fetchFn: Loader called on a miss
	//
	// Returns:
	//   - The cached or fetched value
	//   - An error if the fetch or the backend failed
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Delete drops key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteByPrefix drops every key starting with prefix.
	//
	// Returns:
	//   - The number of keys dropped
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)

	// Len returns the number of cached keys.
	Len(ctx context.Context) (int, error)
}
