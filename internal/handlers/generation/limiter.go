package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter allows at most Limit generations per user in each Window,
// counted in a fixed redis window shared by every replica.
type RedisLimiter struct {
	client *redis.Client
	Limit  int64
	Window time.Duration
}

func NewRedisLimiter(client *redis.Client, limit int64, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, Limit: limit, Window: window}
}

func limiterKey(userID uint64, window time.Duration, now time.Time) string {
	return fmt.Sprintf("v1:ratelimit:generate:%d:%d", userID, now.Unix()/int64(window.Seconds()))
}

func (l *RedisLimiter) Allow(ctx context.Context, userID uint64) (bool, error) {
	if l.Limit <= 0 || l.Window < time.Second {
		return true, nil
	}
	key := limiterKey(userID, l.Window, time.Now())
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= l.Limit, nil
}
