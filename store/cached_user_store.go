package store

import (
	"context"
	"time"

	"github.com/cyberinferno/lpchat/cache"
	"github.com/cyberinferno/lpchat/logger"
)

const userKeyPrefix = "user:"

// CachedUserStore serves Find from a cache and forwards everything else to
// the wrapped store. Every write drops the affected entry.
type CachedUserStore struct {
	UserStore

	cache  cache.Cacher[User]
	ttl    time.Duration
	logger logger.Logger
}

// NewCachedUserStore wraps next.
//
// Parameters:
//   - next: The store of record
//   - c: Cache for User values; the Redis backend lets several servers share it
//   - ttl: Lifetime of a cached entry
//   - log: Receives invalidation failures
func NewCachedUserStore(next UserStore, c cache.Cacher[User], ttl time.Duration, log logger.Logger) *CachedUserStore {
	return &CachedUserStore{UserStore: next, cache: c, ttl: ttl, logger: log}
}

func (s *CachedUserStore) Find(ctx context.Context, name string) (User, error) {
	return s.cache.GetOrFetch(ctx, userKeyPrefix+name, s.ttl, func(ctx context.Context) (User, error) {
		return s.UserStore.Find(ctx, name)
	})
}

func (s *CachedUserStore) Create(ctx context.Context, name, password string) (User, error) {
	u, err := s.UserStore.Create(ctx, name, password)
	s.invalidate(ctx, name)
	return u, err
}

func (s *CachedUserStore) UpdateProfile(ctx context.Context, name, attribute, value string) error {
	err := s.UserStore.UpdateProfile(ctx, name, attribute, value)
	s.invalidate(ctx, name)
	return err
}

func (s *CachedUserStore) SetLoggedIn(ctx context.Context, name string, loggedIn bool) error {
	err := s.UserStore.SetLoggedIn(ctx, name, loggedIn)
	s.invalidate(ctx, name)
	return err
}

func (s *CachedUserStore) Delete(ctx context.Context, name string) error {
	err := s.UserStore.Delete(ctx, name)
	s.invalidate(ctx, name)
	return err
}

func (s *CachedUserStore) invalidate(ctx context.Context, name string) {
	if err := s.cache.Delete(ctx, userKeyPrefix+name); err != nil {
		s.logger.Warn("user cache invalidation failed",
			logger.Field{Key: "user", Value: name},
			logger.Field{Key: "error", Value: err})
	}
}
