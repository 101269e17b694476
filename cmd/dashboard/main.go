package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/heatpump-dashboard/internal/cache"
	"github.com/kjstillabower/heatpump-dashboard/internal/circuitbreaker"
	"github.com/kjstillabower/heatpump-dashboard/internal/cities"
	"github.com/kjstillabower/heatpump-dashboard/internal/client"
	"github.com/kjstillabower/heatpump-dashboard/internal/config"
	"github.com/kjstillabower/heatpump-dashboard/internal/dashboard"
	httphandler "github.com/kjstillabower/heatpump-dashboard/internal/http"
	"github.com/kjstillabower/heatpump-dashboard/internal/lifecycle"
	"github.com/kjstillabower/heatpump-dashboard/internal/models"
	"github.com/kjstillabower/heatpump-dashboard/internal/observability"
	"github.com/kjstillabower/heatpump-dashboard/internal/service"
	"github.com/kjstillabower/heatpump-dashboard/internal/validation"
)

const breakerComponent = "archive_api"

func main() {
	lifecycle.SetPhase(lifecycle.PhaseStarting)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	dir, err := cities.Load(cfg.CitiesPath)
	if err != nil {
		logger.Fatal("city directory", zap.Error(err), zap.String("path", cfg.CitiesPath))
	}
	logger.Info("city directory loaded", zap.Int("cities", dir.Len()), zap.String("path", cfg.CitiesPath))

	archiveClient, err := client.NewArchiveClientWithRetry(
		cfg.ArchiveAPIURL,
		cfg.ArchiveAPITimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("archive client", zap.Error(err))
	}
	if cfg.ArchiveRateLimitRPS > 0 {
		archiveClient.SetRateLimiter(rate.NewLimiter(rate.Limit(cfg.ArchiveRateLimitRPS), cfg.ArchiveRateLimitBurst))
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        breakerComponent,
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(breakerComponent, from.String(), to.String())
				observability.SetCircuitBreakerStateGauge(breakerComponent, float64(to))
				logger.Warn("circuit breaker transition", zap.String("from", from.String()), zap.String("to", to.String()))
			},
			IsFailure: service.IsUpstreamUnavailable,
		})
		archiveClient.SetCircuitBreaker(breaker)
		observability.SetCircuitBreakerStateGauge(breakerComponent, 0)
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	store, closer, pinger, err := openCache(context.Background(), cfg)
	if err != nil {
		logger.Fatal("cache backend", zap.Error(err), zap.String("backend", cfg.CacheBackend))
	}
	logger.Info("cache backend ready", zap.String("backend", cfg.CacheBackend))

	temps := service.NewTemperatureService(archiveClient, store, cfg.CacheBackend, cfg.CoalesceEnabled, cfg.CoalesceTimeout)

	settings := dashboard.Settings{
		DefaultCity:  cfg.DefaultCity,
		DefaultRange: models.NewDateRange(cfg.DefaultStart, cfg.DefaultEnd),
		DefaultUnit:  models.Fahrenheit,
		Bounds: validation.DateBounds{
			Min:   cfg.MinDate,
			Max:   cfg.MaxDate,
			Clock: clockwork.NewRealClock(),
		},
	}
	if _, err := dir.Get(cfg.DefaultCity); err != nil {
		logger.Warn("default city unavailable", zap.Error(err))
	}
	maps := dashboard.NewLeafletRenderer()
	dash := dashboard.New(dir, temps, maps, settings, logger)

	tracked := append([]string{cfg.DefaultCity}, cfg.WarmCities...)
	observability.SetTrackedCities(tracked)

	if cfg.WarmEnabled && len(cfg.WarmCities) > 0 {
		go warmCache(temps, dir, cfg, settings.DefaultRange, logger)
	}

	healthConfig := &httphandler.HealthConfig{
		Window:      cfg.HealthWindow,
		ErrorPct:    cfg.HealthErrorPct,
		MinRequests: cfg.HealthMinRequests,
	}
	if pinger != nil {
		healthConfig.CachePing = pinger.Ping
	}
	if breaker != nil {
		healthConfig.BreakerState = func() string { return breaker.State().String() }
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	drain := httphandler.NewRequestDrain()
	handler := httphandler.NewHandler(temps, dash, dir, maps, healthConfig, logger)
	router := httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		RateLimiter:    limiter,
		Drain:          drain,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		lifecycle.SetPhase(lifecycle.PhaseServing)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetPhase(lifecycle.PhaseDraining)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", drain.Active()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.InFlightTimeout)
	defer waitCancel()
	if err := drain.Wait(waitCtx, cfg.InFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", drain.Active()))
	}

	if closer != nil {
		if err := closer.Close(); err != nil {
			logger.Error("cache close", zap.Error(err), zap.String("backend", cfg.CacheBackend))
		}
	}
	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// openCache builds the configured backend. closer and pinger are nil for in_memory.
func openCache(ctx context.Context, cfg *config.Config) (cache.Cache, io.Closer, cache.Pinger, error) {
	switch cfg.CacheBackend {
	case cache.BackendMemcached:
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, nil, err
		}
		return mc, mc, mc, nil
	case cache.BackendRedis:
		rc := cache.NewRedisCache(cfg.CacheDSN, cfg.MemcachedTimeout)
		return rc, rc, rc, nil
	case cache.BackendSQLite, cache.BackendPostgres:
		open, dialect := cache.OpenSQLite, cache.DialectSQLite
		if cfg.CacheBackend == cache.BackendPostgres {
			open, dialect = cache.OpenPostgres, cache.DialectPostgres
		}
		db, err := open(cfg.CacheDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		sc, err := cache.NewSQLCache(ctx, db, dialect)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		return sc, sc, sc, nil
	}
	return cache.NewInMemoryCache(), nil, nil, nil
}

// warmCache prefetches the configured cities for the default range in both units.
func warmCache(fetcher cache.SeriesFetcher, dir *cities.Directory, cfg *config.Config, r models.DateRange, logger *zap.Logger) {
	list := resolveCities(dir, cfg.WarmCities, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := cache.NewCacheWarmer(fetcher, logger).Warm(ctx, cache.WarmQueries(list, r)); err != nil {
		logger.Warn("cache warming incomplete", zap.Error(err))
	}
}

// resolveCities looks up each label, logging and skipping the ones the directory lacks.
func resolveCities(dir *cities.Directory, labels []string, logger *zap.Logger) []models.City {
	list := make([]models.City, 0, len(labels))
	for _, label := range labels {
		c, err := dir.Get(label)
		if err != nil {
			logger.Warn("skipping warm city", zap.Error(err))
			continue
		}
		list = append(list, c)
	}
	return list
}
