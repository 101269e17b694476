package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/heatpump-dashboard/internal/models"
	"github.com/kjstillabower/heatpump-dashboard/internal/observability"
)

// SeriesFetcher is implemented by the service layer. Used by CacheWarmer to
// avoid a circular dependency on the service package.
type SeriesFetcher interface {
	GetSeries(ctx context.Context, q models.SeriesQuery) (models.TemperatureSeries, error)
}

// DefaultWarmConcurrency bounds concurrent archive fetches during warming.
const DefaultWarmConcurrency = 4

// CacheWarmer warms the cache by prefetching series through the fetcher.
type CacheWarmer struct {
	fetcher     SeriesFetcher
	logger      *zap.Logger
	concurrency int
}

// NewCacheWarmer creates a CacheWarmer that uses the given fetcher and logger.
func NewCacheWarmer(fetcher SeriesFetcher, logger *zap.Logger) *CacheWarmer {
	return &CacheWarmer{fetcher: fetcher, logger: logger, concurrency: DefaultWarmConcurrency}
}

// WithConcurrency sets the number of concurrent fetches (minimum 1).
func (w *CacheWarmer) WithConcurrency(n int) *CacheWarmer {
	if n < 1 {
		n = 1
	}
	w.concurrency = n
	return w
}

// Warm fetches every query and returns all failures joined. A failed query
// does not stop the others.
func (w *CacheWarmer) Warm(ctx context.Context, queries []models.SeriesQuery) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming cache", zap.Int("queries", len(queries)))
	}

	errs := make([]error, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			if _, err := w.fetcher.GetSeries(gctx, q); err != nil {
				errs[i] = fmt.Errorf("warm %s: %w", q.Key(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	failed := 0
	for _, e := range errs {
		if e != nil {
			failed++
		}
	}
	if w.logger != nil {
		w.logger.Info("cache warming complete", zap.Int("queries", len(queries)), zap.Int("errors", failed), zap.Float64("duration_seconds", duration))
	}
	if err != nil {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", err)
	}
	return nil
}

// WarmQueries expands cities into one query per unit over r.
func WarmQueries(cities []models.City, r models.DateRange, units ...models.Unit) []models.SeriesQuery {
	if len(units) == 0 {
		units = []models.Unit{models.Fahrenheit, models.Celsius}
	}
	out := make([]models.SeriesQuery, 0, len(cities)*len(units))
	for _, c := range cities {
		for _, u := range units {
			out = append(out, models.SeriesQuery{Latitude: c.Latitude, Longitude: c.Longitude, Range: r, Unit: u})
		}
	}
	return out
}
