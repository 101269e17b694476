package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kjstillabower/heatpump-dashboard/internal/circuitbreaker"
	"github.com/kjstillabower/heatpump-dashboard/internal/models"
	"github.com/kjstillabower/heatpump-dashboard/internal/observability"
)

// DefaultArchiveURL is the Open-Meteo historical archive endpoint.
const DefaultArchiveURL = "https://archive-api.open-meteo.com/v1/archive"

// DailyMinVariable is the archive's daily minimum 2m temperature variable.
const DailyMinVariable = "temperature_2m_min"

// ArchiveClient fetches a daily minimum-temperature series for a location and range.
type ArchiveClient interface {
	FetchDailyMinTemps(ctx context.Context, q models.SeriesQuery) (models.TemperatureSeries, error)
}

var (
	ErrInvalidRequest   = errors.New("invalid archive request")
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
	ErrEmptyResponse    = errors.New("empty archive response")
	ErrCircuitOpen      = errors.New("archive circuit open")
)

type OpenMeteoClient struct {
	apiURL         string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
	limiter        *rate.Limiter
}

// NewArchiveClient returns a client with five attempts and a 200ms backoff factor.
func NewArchiveClient(apiURL string, timeout time.Duration) (*OpenMeteoClient, error) {
	return NewArchiveClientWithRetry(apiURL, timeout, 5, 200*time.Millisecond, 5*time.Second)
}

// NewArchiveClientWithRetry returns a client that makes at most retryAttempts
// calls per fetch, sleeping retryBaseDelay*2^(n-1) (capped at retryMaxDelay,
// plus up to 10% jitter) before retry n.
func NewArchiveClientWithRetry(apiURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*OpenMeteoClient, error) {
	if apiURL == "" {
		apiURL = DefaultArchiveURL
	}
	u, err := url.Parse(apiURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: archive URL %q", ErrInvalidRequest, apiURL)
	}
	if retryAttempts < 1 {
		retryAttempts = 1
	}

	return &OpenMeteoClient{
		apiURL:         apiURL,
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetCircuitBreaker guards every upstream attempt with cb. Nil disables it.
func (c *OpenMeteoClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// SetRateLimiter paces outbound attempts. Nil disables pacing.
func (c *OpenMeteoClient) SetRateLimiter(l *rate.Limiter) {
	c.limiter = l
}

type archiveResponse struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Daily     *struct {
		Time    []string   `json:"time"`
		MinTemp []*float64 `json:"temperature_2m_min"`
	} `json:"daily"`
}

type archiveErrorResponse struct {
	Error  bool   `json:"error"`
	Reason string `json:"reason"`
}

func (c *OpenMeteoClient) FetchDailyMinTemps(ctx context.Context, q models.SeriesQuery) (models.TemperatureSeries, error) {
	if err := validateQuery(q); err != nil {
		return models.TemperatureSeries{}, err
	}

	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.ArchiveAPIRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return models.TemperatureSeries{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return models.TemperatureSeries{}, fmt.Errorf("rate limiter wait: %w", err)
			}
		}

		result, err := c.guardedCall(ctx, q)
		if err == nil {
			return result, nil
		}

		lastErr = err
		if !c.isRetryable(err) {
			observability.ArchiveAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
			return models.TemperatureSeries{}, err
		}
	}

	observability.ArchiveAPIErrorsTotal.WithLabelValues(string(CategorizeError(lastErr))).Inc()
	return models.TemperatureSeries{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *OpenMeteoClient) guardedCall(ctx context.Context, q models.SeriesQuery) (models.TemperatureSeries, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, q)
	}
	var result models.TemperatureSeries
	err := c.breaker.Call(ctx, func() error {
		var callErr error
		result, callErr = c.callAPI(ctx, q)
		return callErr
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return models.TemperatureSeries{}, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return result, err
}

func (c *OpenMeteoClient) callAPI(ctx context.Context, q models.SeriesQuery) (models.TemperatureSeries, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, q)
	if err != nil {
		observability.ArchiveAPICallsTotal.WithLabelValues("error").Inc()
		return models.TemperatureSeries{}, fmt.Errorf("build request: %w", err)
	}

	corrID := extractCorrelationID(ctx)
	if corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.ArchiveAPICallsTotal.WithLabelValues("error").Inc()
		observability.ArchiveAPIDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.TemperatureSeries{}, fmt.Errorf("request timeout: %w", err)
		}
		return models.TemperatureSeries{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.ArchiveAPICallsTotal.WithLabelValues(status).Inc()
	observability.ArchiveAPIDuration.WithLabelValues(status).Observe(duration)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.TemperatureSeries{}, fmt.Errorf("read response body: %w", err)
	}

	if err := c.handleErrorResponse(resp.StatusCode, body); err != nil {
		return models.TemperatureSeries{}, err
	}

	var apiResp archiveResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return models.TemperatureSeries{}, fmt.Errorf("parse response: %w", err)
	}

	return c.mapResponse(apiResp, q)
}

func (c *OpenMeteoClient) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrLocationNotFound) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "http request failed") {
		return true
	}

	return false
}

func (c *OpenMeteoClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if c.retryMaxDelay > 0 && delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *OpenMeteoClient) buildRequest(ctx context.Context, q models.SeriesQuery) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(q.Latitude, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(q.Longitude, 'f', -1, 64))
	params.Set("start_date", q.Range.Start.Format(models.DateLayout))
	params.Set("end_date", q.Range.End.Format(models.DateLayout))
	params.Set("daily", DailyMinVariable)
	params.Set("temperature_unit", string(q.Unit))
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *OpenMeteoClient) handleErrorResponse(statusCode int, body []byte) error {
	switch statusCode {
	case http.StatusBadRequest:
		var apiErr archiveErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Reason != "" {
			return fmt.Errorf("%w: %s", ErrInvalidRequest, apiErr.Reason)
		}
		return fmt.Errorf("%w: HTTP %d", ErrInvalidRequest, statusCode)
	case http.StatusNotFound:
		return fmt.Errorf("%w", ErrLocationNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	}

	if statusCode < 200 || statusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, statusCode)
	}

	return nil
}

// mapResponse zips daily.time with daily.temperature_2m_min. Days the archive
// reports as null stay in the series as missing (NaN).
func (c *OpenMeteoClient) mapResponse(apiResp archiveResponse, q models.SeriesQuery) (models.TemperatureSeries, error) {
	if apiResp.Daily == nil {
		return models.TemperatureSeries{}, fmt.Errorf("%w: no daily block", ErrEmptyResponse)
	}
	if len(apiResp.Daily.Time) != len(apiResp.Daily.MinTemp) {
		return models.TemperatureSeries{}, fmt.Errorf("parse response: %d dates but %d values",
			len(apiResp.Daily.Time), len(apiResp.Daily.MinTemp))
	}

	days := make([]models.DailyTemperature, 0, len(apiResp.Daily.Time))
	for i, raw := range apiResp.Daily.Time {
		d, err := time.Parse(models.DateLayout, raw)
		if err != nil {
			return models.TemperatureSeries{}, fmt.Errorf("parse response: date %q: %w", raw, err)
		}
		value := math.NaN()
		if v := apiResp.Daily.MinTemp[i]; v != nil {
			value = *v
		}
		days = append(days, models.DailyTemperature{Date: d, Value: value})
	}

	return models.TemperatureSeries{
		Latitude:  q.Latitude,
		Longitude: q.Longitude,
		Unit:      q.Unit,
		Range:     q.Range,
		Days:      days,
		FetchedAt: time.Now().UTC(),
	}, nil
}

func validateQuery(q models.SeriesQuery) error {
	if !q.Unit.Valid() {
		return fmt.Errorf("%w: unit %q", ErrInvalidRequest, q.Unit)
	}
	if q.Latitude < -90 || q.Latitude > 90 || q.Longitude < -180 || q.Longitude > 180 {
		return fmt.Errorf("%w: coordinates %v,%v", ErrInvalidRequest, q.Latitude, q.Longitude)
	}
	if q.Range.End.Before(q.Range.Start) {
		return fmt.Errorf("%w: start %s after end %s", ErrInvalidRequest,
			q.Range.Start.Format(models.DateLayout), q.Range.End.Format(models.DateLayout))
	}
	return nil
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
