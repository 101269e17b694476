package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Plot rendering dominates the tail.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Archive API call rate by outcome. Watch for: error vs success ratio.
	ArchiveAPICallsTotal *prometheus.CounterVec

	// Archive API latency. Multi-year ranges are slower than single months.
	ArchiveAPIDuration *prometheus.HistogramVec

	// Retry attempts for archive calls. High retries = unstable upstream.
	ArchiveAPIRetriesTotal prometheus.Counter

	// Archive failures by stable category (see client.CategorizeError).
	ArchiveAPIErrorsTotal *prometheus.CounterVec

	// Cache lookups by backend and result (hit, miss).
	CacheLookupsTotal *prometheus.CounterVec

	// Cache errors by operation (get, set) and category.
	CacheErrorsTotal *prometheus.CounterVec

	// Cache operation latency by operation and result.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Concurrent misses for the same key.
	CacheStampedeDetectedTotal prometheus.Counter

	// Callers that waited on another caller's in-flight archive request.
	RequestCoalescingHitsTotal prometheus.Counter

	// Cache warming runs, failures and duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Circuit breaker transitions and current state (0 closed, 1 open, 2 half-open).
	CircuitBreakerTransitionsTotal *prometheus.CounterVec
	CircuitBreakerState            *prometheus.GaugeVec

	// Dashboard panel outcomes by panel (location, plot, table) and outcome (ok, no_data, not_available).
	DashboardPanelsTotal *prometheus.CounterVec

	// Dashboard queries per city (allow-list; others go to "other").
	DashboardQueriesByCityTotal *prometheus.CounterVec

	// Rate limit denials on the inbound API.
	RateLimitDeniedTotal prometheus.Counter

	trackedCitiesMu sync.RWMutex
	trackedCities   map[string]struct{}
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	ArchiveAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiveApiCallsTotal",
			Help: "Total number of weather archive API calls",
		},
		[]string{"status"},
	)
	ArchiveAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archiveApiDurationSeconds",
			Help:    "Weather archive API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	ArchiveAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archiveApiRetriesTotal",
			Help: "Total number of retry attempts for archive API calls",
		},
	)
	ArchiveAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiveApiErrorsTotal",
			Help: "Archive API failures after retries, by category",
		},
		[]string{"category"},
	)
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheLookupsTotal",
			Help: "Series cache lookups by backend and result (hit, miss)",
		},
		[]string{"backend", "result"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Series cache errors by operation and category",
		},
		[]string{"operation", "category"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Series cache operation latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"operation", "result"},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Cache misses that found another miss for the same key in progress",
		},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "requestCoalescingHitsTotal",
			Help: "Requests served by waiting on an identical in-flight archive request",
		},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed query",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"component"},
	)
	DashboardPanelsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboardPanelsTotal",
			Help: "Dashboard panels built, by panel and outcome",
		},
		[]string{"panel", "outcome"},
	)
	DashboardQueriesByCityTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboardQueriesByCityTotal",
			Help: "Dashboard queries by city (allow-list; others use city=other)",
		},
		[]string{"city"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		ArchiveAPICallsTotal, ArchiveAPIDuration, ArchiveAPIRetriesTotal, ArchiveAPIErrorsTotal,
		CacheLookupsTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		CacheStampedeDetectedTotal, RequestCoalescingHitsTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
		DashboardPanelsTotal, DashboardQueriesByCityTotal,
		RateLimitDeniedTotal,
	)
}

// RecordCircuitBreakerTransition counts a breaker state change.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// SetCircuitBreakerStateGauge publishes the breaker's current state value.
func SetCircuitBreakerStateGauge(component string, value float64) {
	CircuitBreakerState.WithLabelValues(component).Set(value)
}

// RecordPanel counts one dashboard panel outcome.
func RecordPanel(panel, outcome string) {
	DashboardPanelsTotal.WithLabelValues(panel, outcome).Inc()
}

// SetTrackedCities sets the allow-list for per-city metrics. Untracked cities increment "other".
func SetTrackedCities(labels []string) {
	trackedCitiesMu.Lock()
	defer trackedCitiesMu.Unlock()
	trackedCities = make(map[string]struct{}, len(labels))
	for _, l := range labels {
		trackedCities[normalizeCityForMetrics(l)] = struct{}{}
	}
}

// RecordDashboardQuery records a dashboard query for the given city label.
func RecordDashboardQuery(label string) {
	DashboardQueriesByCityTotal.WithLabelValues(MetricCityLabel(label)).Inc()
}

// MetricCityLabel returns the normalized label if tracked, otherwise "other".
func MetricCityLabel(label string) string {
	l := normalizeCityForMetrics(label)
	trackedCitiesMu.RLock()
	_, ok := trackedCities[l] // nil map read is safe in Go
	trackedCitiesMu.RUnlock()
	if ok {
		return l
	}
	return "other"
}

func normalizeCityForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
