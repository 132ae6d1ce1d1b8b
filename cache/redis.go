package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockTTL      = 10 * time.Second
	lockWaitMax  = 250 * time.Millisecond
	lockWaitBase = 5 * time.Millisecond
)

// releaseScript deletes the lock only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is a Cacher shared by every chat server pointing at the same Redis.
// Values are stored as JSON under namespace+key. A miss takes a SETNX lock
// so only one process runs the fetch; the others poll until the value lands.
type Redis[T any] struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedis returns a cache storing its keys under namespace, for example
// "lpchat:".
func NewRedis[T any](client redis.UniversalClient, namespace string) *Redis[T] {
	return &Redis[T]{client: client, namespace: namespace}
}

func (c *Redis[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T

	full := c.namespace + key
	if v, ok, err := c.get(ctx, full); err != nil || ok {
		return v, err
	}

	lockKey := full + ":lock"
	token := uuid.NewString()
	acquired, err := c.client.SetNX(ctx, lockKey, token, lockTTL).Result()
	if err != nil {
		return zero, fmt.Errorf("cache: acquire fill lock: %w", err)
	}

	if !acquired {
		return c.await(ctx, full, lockKey)
	}

	defer releaseScript.Run(context.WithoutCancel(ctx), c.client, []string{lockKey}, token)

	v, err := fetchFn(ctx)
	if err != nil {
		return zero, err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("cache: encode %q: %w", key, err)
	}

	if err := c.client.Set(ctx, full, data, ttl).Err(); err != nil {
		return zero, fmt.Errorf("cache: store %q: %w", key, err)
	}

	return v, nil
}

func (c *Redis[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.namespace+key).Err(); err != nil {
		return fmt.Errorf("cache: delete %q: %w", key, err)
	}

	return nil
}

func (c *Redis[T]) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := c.keys(ctx, c.namespace+prefix+"*")
	if err != nil {
		return 0, err
	}

	if len(keys) == 0 {
		return 0, nil
	}

	n, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: delete by prefix: %w", err)
	}

	return int(n), nil
}

// Len counts the keys in the namespace, fill locks excluded.
func (c *Redis[T]) Len(ctx context.Context) (int, error) {
	keys, err := c.keys(ctx, c.namespace+"*")
	if err != nil {
		return 0, err
	}

	n := 0
	for _, k := range keys {
		if !strings.HasSuffix(k, ":lock") {
			n++
		}
	}

	return n, nil
}

func (c *Redis[T]) get(ctx context.Context, full string) (T, bool, error) {
	var v T

	raw, err := c.client.Get(ctx, full).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, false, nil
	}

	if err != nil {
		return v, false, fmt.Errorf("cache: get: %w", err)
	}

	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("cache: decode: %w", err)
	}

	return v, true, nil
}

// await polls with doubling backoff until the lock holder stores the value
// or gives up the lock without storing one.
func (c *Redis[T]) await(ctx context.Context, full, lockKey string) (T, error) {
	var zero T

	wait := lockWaitBase
	deadline := time.Now().Add(lockTTL)
	for time.Now().Before(deadline) {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		v, ok, err := c.get(ctx, full)
		if err != nil || ok {
			return v, err
		}

		held, err := c.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return zero, fmt.Errorf("cache: check fill lock: %w", err)
		}

		if held == 0 {
			if v, ok, err := c.get(ctx, full); err != nil || ok {
				return v, err
			}

			return zero, ErrLockWait
		}

		wait = min(wait*2, lockWaitMax)
	}

	return zero, fmt.Errorf("%w: timed out after %s", ErrLockWait, lockTTL)
}

func (c *Redis[T]) keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cache: scan: %w", err)
	}

	return keys, nil
}
