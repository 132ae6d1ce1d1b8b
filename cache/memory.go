package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Memory is a process-local Cacher backed by go-cache. Concurrent misses on
// one key share a single fetch through singleflight.
type Memory[T any] struct {
	items  *gocache.Cache
	flight singleflight.Group
}

// NewMemory returns an empty in-memory cache whose expired entries are swept
// every cleanupInterval.
func NewMemory[T any](cleanupInterval time.Duration) *Memory[T] {
	return &Memory[T]{items: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func (c *Memory[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	if v, ok := c.lookup(key); ok {
		return v, nil
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		// a previous flight may have filled the key while we waited
		if v, ok := c.lookup(key); ok {
			return v, nil
		}

		v, err := fetchFn(ctx)
		if err != nil {
			return nil, err
		}

		c.items.Set(key, v, ttl)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}

	typed, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("cache: unexpected %T for key %q", v, key)
	}

	return typed, nil
}

func (c *Memory[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.items.Delete(key)
	return nil
}

func (c *Memory[T]) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	deleted := 0
	for key := range c.items.Items() {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		if strings.HasPrefix(key, prefix) {
			c.items.Delete(key)
			deleted++
		}
	}

	return deleted, nil
}

func (c *Memory[T]) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	return c.items.ItemCount(), nil
}

func (c *Memory[T]) lookup(key string) (T, bool) {
	if v, found := c.items.Get(key); found {
		if typed, ok := v.(T); ok {
			return typed, true
		}
	}

	var zero T
	return zero, false
}
