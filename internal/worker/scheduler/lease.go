package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker elects a single runner per job across nodes.
type Locker interface {
	// Acquire returns ok=false when another holder owns the lease. release
	// is non-nil when ok is true.
	Acquire(ctx context.Context, job string, ttl time.Duration) (release func(), ok bool, err error)
}

// RedisLease is a Locker backed by SET NX PX.
type RedisLease struct {
	client *redis.Client
	prefix string
	owner  string
}

func NewRedisLease(client *redis.Client, prefix string) *RedisLease {
	if prefix == "" {
		prefix = "jobs:lease:"
	}
	return &RedisLease{client: client, prefix: prefix, owner: uuid.NewString()}
}

func (l *RedisLease) Acquire(ctx context.Context, job string, ttl time.Duration) (func(), bool, error) {
	key := l.prefix + job
	ok, err := l.client.SetNX(ctx, key, l.owner, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("scheduler: acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// The run context may already be done.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, l.owner).Err()
	}
	return release, true, nil
}
