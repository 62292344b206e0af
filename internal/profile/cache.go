// Package profile caches user identities in Redis in front of the user
// store. Concurrent misses for the same user share one store lookup.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/voyago/chat/internal/chat"
)

// KeyPrefix is the Redis key prefix for cached profiles.
const KeyPrefix = "profile:"

// Cache is a cache-aside chat.UserStore.
type Cache struct {
	client *redis.Client
	next   chat.UserStore
	ttl    time.Duration
	group  singleflight.Group
}

// NewCache wraps next with a Redis cache whose entries live for ttl.
func NewCache(client *redis.Client, next chat.UserStore, ttl time.Duration) *Cache {
	return &Cache{client: client, next: next, ttl: ttl}
}

func key(id string) string { return KeyPrefix + id }

// FindByID returns the cached profile, loading it from the user store on a
// miss. Redis failures fall through to the store.
func (c *Cache) FindByID(ctx context.Context, id string) (*chat.User, error) {
	data, err := c.client.Get(ctx, key(id)).Bytes()
	switch {
	case err == nil:
		var u chat.User
		if jerr := json.Unmarshal(data, &u); jerr == nil {
			return &u, nil
		}
		log.Warn().Str("module", "profile").Str("user", id).Msg("dropping undecodable cache entry")
		c.client.Del(ctx, key(id))
	case !errors.Is(err, redis.Nil):
		log.Warn().Str("module", "profile").Str("user", id).Err(err).Msg("cache read failed")
	}

	v, err, _ := c.group.Do(id, func() (any, error) {
		u, err := c.next.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		c.store(ctx, u)
		return u, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*chat.User)
	return &cp, nil
}

func (c *Cache) store(ctx context.Context, u *chat.User) {
	data, err := json.Marshal(u)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key(u.ID), data, c.ttl).Err(); err != nil {
		log.Warn().Str("module", "profile").Str("user", u.ID).Err(err).Msg("cache write failed")
	}
}

// FindByRole reads through to the user store. Role listings are not cached.
func (c *Cache) FindByRole(ctx context.Context, role chat.PlatformRole) ([]*chat.User, error) {
	return c.next.FindByRole(ctx, role)
}

