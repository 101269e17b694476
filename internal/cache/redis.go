package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kjstillabower/heatpump-dashboard/internal/models"
)

// RedisCache implements Cache on a single redis instance. Keys are written
// with no TTL.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to addr (host:port). timeout bounds dial, read and write.
func NewRedisCache(addr string, timeout time.Duration) *RedisCache {
	opts := &redis.Options{Addr: addr}
	if timeout > 0 {
		opts.DialTimeout = timeout
		opts.ReadTimeout = timeout
		opts.WriteTimeout = timeout
	}
	return &RedisCache{client: redis.NewClient(opts)}
}

func (c *RedisCache) Get(ctx context.Context, key string) (models.TemperatureSeries, bool, error) {
	raw, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.TemperatureSeries{}, false, nil
	}
	if err != nil {
		return models.TemperatureSeries{}, false, err
	}
	data, err := decodeSeries(raw)
	if err != nil {
		return models.TemperatureSeries{}, false, err
	}
	return data, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value models.TemperatureSeries) error {
	raw, err := encodeSeries(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+key, raw, 0).Err()
}

// Ping checks if redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
