package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kjstillabower/heatpump-dashboard/internal/models"
)

// Backend names accepted by cache.backend.
const (
	BackendInMemory  = "in_memory"
	BackendMemcached = "memcached"
	BackendRedis     = "redis"
	BackendSQLite    = "sqlite"
	BackendPostgres  = "postgres"
)

// keyPrefix namespaces series entries in shared key-value stores.
const keyPrefix = "series:"

// Cache stores archive series keyed by models.SeriesQuery.Key. Entries never
// expire: archived daily temperatures for a past range do not change.
// Get returns (series, true, nil) on hit and (zero, false, nil) on miss.
type Cache interface {
	Get(ctx context.Context, key string) (models.TemperatureSeries, bool, error)
	Set(ctx context.Context, key string, value models.TemperatureSeries) error
}

// Pinger is implemented by backends with a remote dependency. Used by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// InMemoryCache implements Cache with a map guarded by a RWMutex.
type InMemoryCache struct {
	mu   sync.RWMutex
	data map[string]models.TemperatureSeries
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]models.TemperatureSeries),
	}
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (models.TemperatureSeries, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.TemperatureSeries{}, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *InMemoryCache) Set(ctx context.Context, key string, value models.TemperatureSeries) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

// Len returns the number of cached series.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func encodeSeries(v models.TemperatureSeries) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode cached series: %w", err)
	}
	return raw, nil
}

func decodeSeries(raw []byte) (models.TemperatureSeries, error) {
	var v models.TemperatureSeries
	if err := json.Unmarshal(raw, &v); err != nil {
		return models.TemperatureSeries{}, fmt.Errorf("decode cached series: %w", err)
	}
	return v, nil
}
