package rediscache

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const variantsKey = "partsync:wcp:variants"

// RedisCache keeps the SKU -> vendor variant id index shared between workers.
type RedisCache struct {
	c *redis.Client
}

func New(addr string) *RedisCache {
	return &RedisCache{
		c: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
	}
}

func (r *RedisCache) Ping(ctx context.Context) error {
	if err := r.c.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping")
	}
	return nil
}

func (r *RedisCache) Close() error {
	return r.c.Close()
}

// Variants returns the known variant ids; SKUs without one are absent from the map.
func (r *RedisCache) Variants(ctx context.Context, skus []string) (map[string]string, error) {
	out := make(map[string]string, len(skus))
	if len(skus) == 0 {
		return out, nil
	}
	vals, err := r.c.HMGet(ctx, variantsKey, skus...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis hmget")
	}
	for i, v := range vals {
		if s, ok := v.(string); ok && s != "" {
			out[skus[i]] = s
		}
	}
	return out, nil
}

func (r *RedisCache) RememberVariants(ctx context.Context, bySKU map[string]string) error {
	if len(bySKU) == 0 {
		return nil
	}
	args := make([]any, 0, len(bySKU)*2)
	for sku, id := range bySKU {
		if sku == "" || id == "" {
			continue
		}
		args = append(args, sku, id)
	}
	if len(args) == 0 {
		return nil
	}
	if err := r.c.HSet(ctx, variantsKey, args...).Err(); err != nil {
		return errors.Wrap(err, "redis hset")
	}
	return nil
}
