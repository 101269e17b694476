package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/heatpump-dashboard/internal/observability"
)

// RouterConfig configures NewRouter. Zero values disable the rate limiter and timeout.
type RouterConfig struct {
	RequestTimeout time.Duration
	RateLimiter    *rate.Limiter
	// Drain, when set, counts requests for graceful shutdown.
	Drain *RequestDrain
}

// NewRouter registers every route. /health and /metrics skip the rate limiter
// so probes keep working under load; archive-backed routes get the request timeout.
func NewRouter(h *Handler, logger *zap.Logger, cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	if cfg.Drain != nil {
		router.Use(cfg.Drain.Middleware)
	}
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(cfg.RateLimiter))
	api.HandleFunc("/cities", h.ListCities).Methods(http.MethodGet)
	api.HandleFunc("/cities/{label}", h.GetCity).Methods(http.MethodGet)
	api.HandleFunc("/controls", h.GetControls).Methods(http.MethodGet)

	data := api.NewRoute().Subrouter()
	data.Use(TimeoutMiddleware(cfg.RequestTimeout))
	data.HandleFunc("/series", h.GetSeries).Methods(http.MethodGet)
	data.HandleFunc("/dashboard", h.GetDashboard).Methods(http.MethodGet)
	data.HandleFunc("/dashboard/plot.{format}", h.GetDashboardPlot).Methods(http.MethodGet)

	return router
}
