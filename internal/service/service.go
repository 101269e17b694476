package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/heatpump-dashboard/internal/cache"
	"github.com/kjstillabower/heatpump-dashboard/internal/client"
	"github.com/kjstillabower/heatpump-dashboard/internal/models"
	"github.com/kjstillabower/heatpump-dashboard/internal/observability"
)

// TemperatureService serves archive series cache-aside: the cache first, then
// the archive client, storing successful fetches forever.
type TemperatureService struct {
	client          client.ArchiveClient
	cache           cache.Cache
	backend         string
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer // nil when coalescing is disabled
}

// NewTemperatureService wires the client and cache. backend labels cache metrics.
// Coalescing is disabled when coalesceEnabled is false or coalesceTimeout is 0.
func NewTemperatureService(client client.ArchiveClient, c cache.Cache, backend string, coalesceEnabled bool, coalesceTimeout time.Duration) *TemperatureService {
	var coalescer *requestCoalescer
	if coalesceEnabled && coalesceTimeout > 0 {
		coalescer = newRequestCoalescer(coalesceTimeout)
	}
	if backend == "" {
		backend = cache.BackendInMemory
	}
	return &TemperatureService{
		client:          client,
		cache:           c,
		backend:         backend,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

// loggerFromContext extracts a zap.Logger from request context if present.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return zap.NewNop()
}

// GetSeries returns the daily minimum series for q. Cache errors are logged
// and treated as misses; only upstream failures are returned.
func (s *TemperatureService) GetSeries(ctx context.Context, q models.SeriesQuery) (models.TemperatureSeries, error) {
	key := q.Key()
	start := time.Now()
	logger := loggerFromContext(ctx).With(zap.String("series_key", key))

	getStart := time.Now()
	cached, ok, err := s.cache.Get(ctx, key)
	getDuration := time.Since(getStart).Seconds()
	switch {
	case err != nil:
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
		logger.Warn("cache get failed", zap.Error(err))
	case ok:
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
		observability.CacheLookupsTotal.WithLabelValues(s.backend, "hit").Inc()
		logger.Debug("series served", zap.Bool("cached", true), zap.Int("days", cached.Len()), zap.Duration("duration", time.Since(start)))
		return cached, nil
	default:
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
	}
	observability.CacheLookupsTotal.WithLabelValues(s.backend, "miss").Inc()

	if concurrent := s.stampedeTracker.RecordMiss(key); concurrent > 1 {
		observability.CacheStampedeDetectedTotal.Inc()
	}
	defer s.stampedeTracker.Resolve(key)

	logger.Debug("cache miss, fetching archive")

	var data models.TemperatureSeries
	var upstreamErr error
	if s.coalescer != nil {
		var shared bool
		// the shared fetch must outlive the caller that started it
		fetchCtx := context.WithoutCancel(ctx)
		data, shared, upstreamErr = s.coalescer.GetOrDo(ctx, key, func() (models.TemperatureSeries, error) {
			return s.fetchAndStore(fetchCtx, q, key, logger)
		})
		if shared && upstreamErr == nil {
			observability.RequestCoalescingHitsTotal.Inc()
		}
	} else {
		data, upstreamErr = s.fetchAndStore(ctx, q, key, logger)
	}
	if upstreamErr != nil {
		return models.TemperatureSeries{}, fmt.Errorf("fetch series %s: %w", key, upstreamErr)
	}

	logger.Debug("series served", zap.Bool("cached", false), zap.Int("days", data.Len()), zap.Duration("duration", time.Since(start)))
	return data, nil
}

func (s *TemperatureService) fetchAndStore(ctx context.Context, q models.SeriesQuery, key string, logger *zap.Logger) (models.TemperatureSeries, error) {
	data, err := s.client.FetchDailyMinTemps(ctx, q)
	if err != nil {
		return models.TemperatureSeries{}, err
	}

	setStart := time.Now()
	if setErr := s.cache.Set(ctx, key, data); setErr != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(setErr)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		logger.Warn("cache set failed", zap.Error(setErr))
	} else {
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
	}
	return data, nil
}

// IsUpstreamUnavailable reports whether err means the archive could not be
// reached after retries (as opposed to a rejected request).
func IsUpstreamUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, client.ErrInvalidRequest) || errors.Is(err, client.ErrLocationNotFound) {
		return false
	}
	return true
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, decode, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "timeout"
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "timeout"):
		return "timeout"
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "network"):
		return "connection"
	case strings.Contains(errStr, "decode"):
		return "decode"
	}
	return "unknown"
}
