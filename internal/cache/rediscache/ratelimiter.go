package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ProviderLimiter caps provider calls per minute across all workers sharing one Redis.
type ProviderLimiter struct {
	c      *redis.Client
	limits map[string]int64
	now    func() time.Time
}

func NewProviderLimiter(addr string, perMinute map[string]int64) *ProviderLimiter {
	return &ProviderLimiter{
		c:      redis.NewClient(&redis.Options{Addr: addr}),
		limits: perMinute,
		now:    time.Now,
	}
}

// Allow считает вызов в минутном окне провайдера. Провайдер без лимита не ограничивается.
func (rl *ProviderLimiter) Allow(ctx context.Context, provider string) (bool, error) {
	limit, ok := rl.limits[provider]
	if !ok || limit <= 0 {
		return true, nil
	}
	window := rl.now().UTC().Truncate(time.Minute)
	key := fmt.Sprintf("partsync:rl:%s:%d", provider, window.Unix())
	allowed, _, err := rl.allow(ctx, key, limit, time.Minute)
	return allowed, err
}

// allow делает INCR по ключу и ставит TTL окна.
// Возвращает (allowed, currentCount).
func (rl *ProviderLimiter) allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	n := incr.Val()
	return n <= limit, n, nil
}
