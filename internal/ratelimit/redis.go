package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter backs the same Limiter contract with a shared Redis
// instance, for deployments running more than one gateway process
// against a single subscriber population. It implements the window
// with INCR plus an EXPIRE issued by the caller that saw the first
// increment, which tolerates concurrent callers from multiple
// processes without a client-side mutex. The counter is incremented on
// every call, including rejected ones.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter wraps an existing *redis.Client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Admit implements Limiter against Redis: INCR the per-uuid counter,
// setting a 60s expiry only on the first increment of the window.
func (l *RedisLimiter) Admit(uuid string, limit int) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := fmt.Sprintf("ratelimit:%s", uuid)
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		// Fail open: a Redis outage should not take down ingest.
		return true
	}
	if count == 1 {
		l.client.Expire(ctx, key, window)
	}
	return count <= int64(limit)
}

// Forget removes the window key for uuid, used on subscription delete.
func (l *RedisLimiter) Forget(uuid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l.client.Del(ctx, fmt.Sprintf("ratelimit:%s", uuid))
}
