package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/heatpump-dashboard/internal/client"
	"github.com/kjstillabower/heatpump-dashboard/internal/dashboard"
	"github.com/kjstillabower/heatpump-dashboard/internal/lifecycle"
	"github.com/kjstillabower/heatpump-dashboard/internal/models"
	"github.com/kjstillabower/heatpump-dashboard/internal/observability"
	"github.com/kjstillabower/heatpump-dashboard/internal/traffic"
	"github.com/kjstillabower/heatpump-dashboard/internal/validation"
)

// MaxCitySearchLimit caps /api/cities?limit.
const MaxCitySearchLimit = 1000

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	// Window and ErrorPct drive the degraded check; ErrorPct <= 0 disables it.
	Window      time.Duration
	ErrorPct    float64
	MinRequests int
	// CachePing, when set, is called to check cache reachability.
	CachePing func(ctx context.Context) error
	// BreakerState, when set, reports the archive circuit breaker state.
	BreakerState func() string
	Version      string
}

// CityDirectory is the subset of the city directory the handlers use.
type CityDirectory interface {
	Lookup(label string) (models.City, bool)
	Search(query string, limit int) []models.City
	Len() int
}

// SeriesService returns archive series, cache first.
type SeriesService interface {
	GetSeries(ctx context.Context, q models.SeriesQuery) (models.TemperatureSeries, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	series           SeriesService
	dash             *dashboard.Dashboard
	cities           CityDirectory
	maps             dashboard.MapRenderer
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	series SeriesService,
	dash *dashboard.Dashboard,
	cities CityDirectory,
	maps dashboard.MapRenderer,
	healthConfig *HealthConfig,
	logger *zap.Logger,
) *Handler {
	if maps == nil {
		maps = dashboard.NewLeafletRenderer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		series:       series,
		dash:         dash,
		cities:       cities,
		maps:         maps,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

type cityResponse struct {
	City   models.City      `json:"city"`
	Text   string           `json:"text"`
	Marker dashboard.Marker `json:"marker"`
}

// ListCities handles GET /api/cities?q=&limit=.
func (h *Handler) ListCities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > MaxCitySearchLimit {
			writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "limit must be an integer between 0 and "+strconv.Itoa(MaxCitySearchLimit))
			return
		}
		limit = n
	}
	list := h.cities.Search(q.Get("q"), limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cities": list,
		"count":  len(list),
		"total":  h.cities.Len(),
	})
}

// GetCity handles GET /api/cities/{label}: the coordinate readout and map marker.
func (h *Handler) GetCity(w http.ResponseWriter, r *http.Request) {
	label, err := validation.ValidateCityLabel(mux.Vars(r)["label"])
	if err != nil {
		writeValidationError(w, r, err)
		return
	}
	city, ok := h.cities.Lookup(label)
	if !ok {
		writeError(w, r, http.StatusNotFound, "CITY_NOT_FOUND", dashboard.LocationUnavailableMessage)
		return
	}
	writeJSON(w, http.StatusOK, cityResponse{
		City:   city,
		Text:   dashboard.CoordinateText(city),
		Marker: h.maps.ShowMarker(city.Latitude, city.Longitude),
	})
}

// GetControls handles GET /api/controls?unit=&from=&threshold=&table_low=&table_high=.
// from names the unit the client's current slider values are in; when it
// differs from unit the sliders go back to unit's defaults.
func (h *Handler) GetControls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	unit, err := validation.ParseUnit(q.Get("unit"), h.dash.Settings().DefaultUnit)
	if err != nil {
		writeValidationError(w, r, err)
		return
	}
	from, err := validation.ParseUnit(q.Get("from"), unit)
	if err != nil {
		writeValidationError(w, r, err)
		return
	}
	current := h.dash.Controls(from)
	if err := applySliderValues(&current, q); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, current.WithUnit(unit))
}

// applySliderValues copies the client's threshold and table positions onto c.
func applySliderValues(c *dashboard.Controls, q url.Values) error {
	fields := []struct {
		key string
		dst *int
	}{
		{"threshold", &c.Threshold.Value},
		{"table_low", &c.Table.Low},
		{"table_high", &c.Table.High},
	}
	for _, f := range fields {
		s := q.Get(f.key)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%s must be a whole number", f.key)
		}
		*f.dst = n
	}
	if c.Table.Low > c.Table.High {
		return errors.New("table_low must not exceed table_high")
	}
	return nil
}

// GetSeries handles GET /api/series: the raw daily minimum series.
func (h *Handler) GetSeries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := validation.SeriesParams{City: q.Get("city"), Start: q.Get("start"), End: q.Get("end"), Unit: q.Get("unit")}
	p.Normalize()
	if err := validation.Params(&p); err != nil {
		writeValidationError(w, r, err)
		return
	}

	settings := h.dash.Settings()
	unit, err := validation.ParseUnit(p.Unit, settings.DefaultUnit)
	if err != nil {
		writeValidationError(w, r, err)
		return
	}
	rng := settings.DefaultRange
	if p.Start != "" || p.End != "" {
		start, end := rng.Start.Format(models.DateLayout), rng.End.Format(models.DateLayout)
		if p.Start != "" {
			start = p.Start
		}
		if p.End != "" {
			end = p.End
		}
		if rng, err = models.ParseDateRange(start, end); err != nil {
			writeValidationError(w, r, err)
			return
		}
	}
	if err := settings.Bounds.Validate(rng); err != nil {
		writeValidationError(w, r, err)
		return
	}

	city, ok := h.cities.Lookup(p.City)
	if !ok {
		writeError(w, r, http.StatusNotFound, "CITY_NOT_FOUND", dashboard.LocationUnavailableMessage)
		return
	}

	series, err := h.series.GetSeries(r.Context(), models.SeriesQuery{
		Latitude:  city.Latitude,
		Longitude: city.Longitude,
		Range:     rng,
		Unit:      unit,
	})
	if err != nil {
		traffic.RecordError()
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"city":   city,
		"series": series,
	})
}

// GetDashboard handles GET /api/dashboard: every panel for one input tuple.
// Upstream failures degrade the data panels to no_data; the response is still 200.
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	view, ok := h.buildView(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetDashboardPlot handles GET /api/dashboard/plot.{format}.
func (h *Handler) GetDashboardPlot(w http.ResponseWriter, r *http.Request) {
	format := mux.Vars(r)["format"]
	if format != dashboard.FormatSVG && format != dashboard.FormatPNG {
		writeError(w, r, http.StatusNotFound, "UNSUPPORTED_FORMAT", "plot format must be svg or png")
		return
	}
	view, ok := h.buildView(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := dashboard.RenderPlot(&buf, view.Plot, format); err != nil {
		loggerFrom(r, h.logger).Error("plot render failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Unable to render plot")
		return
	}
	w.Header().Set("Content-Type", dashboard.ContentType(format))
	w.Header().Set("X-Plot-Status", string(view.Plot.Status))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) buildView(w http.ResponseWriter, r *http.Request) (dashboard.View, bool) {
	q := r.URL.Query()
	p := validation.DashboardParams{
		City:      q.Get("city"),
		Start:     q.Get("start"),
		End:       q.Get("end"),
		Unit:      q.Get("unit"),
		Threshold: q.Get("threshold"),
		TableLow:  q.Get("table_low"),
		TableHigh: q.Get("table_high"),
		Rolling:   q.Get("rolling"),
	}
	p.Normalize()
	if err := validation.Params(&p); err != nil {
		writeValidationError(w, r, err)
		return dashboard.View{}, false
	}
	in, err := h.dash.ResolveInputs(p, q.Has("city"))
	if err != nil {
		writeValidationError(w, r, err)
		return dashboard.View{}, false
	}

	view := h.dash.Build(r.Context(), in)
	switch {
	case view.FetchErr != nil:
		traffic.RecordError()
	case view.Location.Status == dashboard.StatusOK:
		traffic.RecordSuccess()
	}
	return view, true
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"archiveApi": "healthy", "cityDirectory": "healthy"}
	if result.status == traffic.StatusDegraded {
		checks["archiveApi"] = "unhealthy"
	}
	if h.cities == nil || h.cities.Len() == 0 {
		checks["cityDirectory"] = "empty"
	}
	version := "dev"
	if h.healthConfig != nil {
		if h.healthConfig.CachePing != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			if h.healthConfig.CachePing(ctx) == nil {
				checks["cache"] = "healthy"
			} else {
				checks["cache"] = "unhealthy"
			}
			cancel()
		}
		if h.healthConfig.BreakerState != nil {
			checks["circuitBreaker"] = h.healthConfig.BreakerState()
		}
		if h.healthConfig.Version != "" {
			version = h.healthConfig.Version
		}
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   observability.ServiceName,
		"version":   version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates, in order: shutting-down, degraded, healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{lifecycle.PhaseDraining.String(), http.StatusServiceUnavailable, "signal"}
	}
	if h.healthConfig == nil {
		return healthResult{traffic.StatusHealthy, http.StatusOK, ""}
	}
	if traffic.Assess(h.healthConfig.Window, h.healthConfig.ErrorPct, h.healthConfig.MinRequests) == traffic.StatusDegraded {
		return healthResult{traffic.StatusDegraded, http.StatusServiceUnavailable, "error_rate_breach"}
	}
	return healthResult{traffic.StatusHealthy, http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error envelope with the request's correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID, _ := r.Context().Value("correlation_id").(string)
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeValidationError writes a 400 INVALID_REQUEST with the validation message.
func writeValidationError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
}

// writeServiceError maps archive failures: rejected requests are 400/404,
// everything else (retries exhausted, circuit open, timeout) is 503 UPSTREAM_UNAVAILABLE.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	loggerFrom(r, zap.NewNop()).Debug("upstream error", zap.Error(err), zap.String("category", string(client.CategorizeError(err))))
	switch {
	case errors.Is(err, client.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "Archive rejected the request")
	case errors.Is(err, client.ErrLocationNotFound):
		writeError(w, r, http.StatusNotFound, "LOCATION_NOT_FOUND", "Archive has no data for this location")
	default:
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch temperature data")
	}
}

func loggerFrom(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		return logger
	}
	return fallback
}
