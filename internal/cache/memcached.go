package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/heatpump-dashboard/internal/models"
)

// MemcachedCache implements Cache using memcached. Items are stored without
// an expiration; memcached may still evict them under memory pressure.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *MemcachedCache) Get(ctx context.Context, key string) (models.TemperatureSeries, bool, error) {
	if ctx.Err() != nil {
		return models.TemperatureSeries{}, false, ctx.Err()
	}
	item, err := c.client.Get(keyPrefix + key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return models.TemperatureSeries{}, false, nil
		}
		return models.TemperatureSeries{}, false, err
	}
	data, err := decodeSeries(item.Value)
	if err != nil {
		return models.TemperatureSeries{}, false, err
	}
	return data, true, nil
}

func (c *MemcachedCache) Set(ctx context.Context, key string, value models.TemperatureSeries) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := encodeSeries(value)
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:        keyPrefix + key,
		Value:      raw,
		Expiration: 0,
	})
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
