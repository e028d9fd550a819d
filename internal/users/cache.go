package users

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// CachedDirectory fronts another Directory with Redis. Cache failures fall
// through to the wrapped directory.
type CachedDirectory struct {
	next   Directory
	redis  *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// NewCachedDirectory wraps next. A nil client disables caching.
func NewCachedDirectory(next Directory, client *redis.Client, ttl time.Duration, logger *logging.Logger) *CachedDirectory {
	if logger == nil {
		logger = logging.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedDirectory{next: next, redis: client, ttl: ttl, logger: logger}
}

func cacheKey(id uuid.UUID) string {
	return "users:v1:" + id.String()
}

func (c *CachedDirectory) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	if c.redis == nil {
		return c.next.GetUser(ctx, id)
	}

	raw, err := c.redis.Get(ctx, cacheKey(id)).Bytes()
	switch {
	case err == nil:
		var u User
		if jsonErr := json.Unmarshal(raw, &u); jsonErr == nil {
			return &u, nil
		}
		c.logger.Warn("discarding corrupt user cache entry", "user_id", id)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("user cache read failed", "error", err, "user_id", id)
	}

	u, err := c.next.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(u); err == nil {
		if err := c.redis.Set(ctx, cacheKey(id), data, c.ttl).Err(); err != nil {
			c.logger.Warn("user cache write failed", "error", err, "user_id", id)
		}
	}
	return u, nil
}

// Invalidate drops the cached entry for id.
func (c *CachedDirectory) Invalidate(ctx context.Context, id uuid.UUID) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Del(ctx, cacheKey(id)).Err()
}
