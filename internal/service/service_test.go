package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/heatpump-dashboard/internal/cache"
	"github.com/kjstillabower/heatpump-dashboard/internal/client"
	"github.com/kjstillabower/heatpump-dashboard/internal/models"
)

type mockArchiveClient struct {
	series models.TemperatureSeries
	err    error
	delay  time.Duration
	calls  int32
}

func (m *mockArchiveClient) FetchDailyMinTemps(ctx context.Context, q models.SeriesQuery) (models.TemperatureSeries, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return models.TemperatureSeries{}, m.err
	}
	out := m.series
	out.Unit = q.Unit
	out.Range = q.Range
	return out, nil
}

type mockCache struct {
	mu     sync.Mutex
	data   map[string]models.TemperatureSeries
	getErr error
	setErr error
	sets   int
}

func (m *mockCache) Get(ctx context.Context, key string) (models.TemperatureSeries, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return models.TemperatureSeries{}, false, m.getErr
	}
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *mockCache) Set(ctx context.Context, key string, value models.TemperatureSeries) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if m.setErr != nil {
		return m.setErr
	}
	if m.data == nil {
		m.data = make(map[string]models.TemperatureSeries)
	}
	m.data[key] = value
	return nil
}

func testQuery(t *testing.T, unit models.Unit) models.SeriesQuery {
	t.Helper()
	r, err := models.ParseDateRange("2022-01-01", "2022-01-05")
	if err != nil {
		t.Fatalf("ParseDateRange() error = %v", err)
	}
	return models.SeriesQuery{Latitude: 40.1106, Longitude: -88.1972, Range: r, Unit: unit}
}

func fiveDays() models.TemperatureSeries {
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	values := []float64{2, 5, -3, 10, 0}
	days := make([]models.DailyTemperature, len(values))
	for i, v := range values {
		days[i] = models.DailyTemperature{Date: start.AddDate(0, 0, i), Value: v}
	}
	return models.TemperatureSeries{Latitude: 40.1106, Longitude: -88.1972, Days: days}
}

func TestTemperatureService_GetSeries_CacheHit(t *testing.T) {
	q := testQuery(t, models.Fahrenheit)
	cached := fiveDays()
	c := &mockCache{data: map[string]models.TemperatureSeries{q.Key(): cached}}
	archive := &mockArchiveClient{err: errors.New("should not be called")}
	svc := NewTemperatureService(archive, c, "", false, 0)

	got, err := svc.GetSeries(context.Background(), q)
	if err != nil {
		t.Fatalf("GetSeries() error = %v", err)
	}
	if got.Len() != 5 {
		t.Errorf("Len() = %d, want 5", got.Len())
	}
	if n := atomic.LoadInt32(&archive.calls); n != 0 {
		t.Errorf("archive calls = %d, want 0 on cache hit", n)
	}
}

func TestTemperatureService_GetSeries_CacheMissPopulatesCache(t *testing.T) {
	q := testQuery(t, models.Celsius)
	c := &mockCache{}
	archive := &mockArchiveClient{series: fiveDays()}
	svc := NewTemperatureService(archive, c, cache.BackendInMemory, false, 0)

	for i := 0; i < 3; i++ {
		got, err := svc.GetSeries(context.Background(), q)
		if err != nil {
			t.Fatalf("GetSeries() #%d error = %v", i, err)
		}
		if got.Unit != models.Celsius {
			t.Errorf("Unit = %q, want celsius", got.Unit)
		}
	}
	if n := atomic.LoadInt32(&archive.calls); n != 1 {
		t.Errorf("archive calls = %d, want 1 (identical queries are cached)", n)
	}
	if _, ok := c.data[q.Key()]; !ok {
		t.Error("series not stored under query key")
	}
}

func TestTemperatureService_GetSeries_UnitChangeRefetches(t *testing.T) {
	c := &mockCache{}
	archive := &mockArchiveClient{series: fiveDays()}
	svc := NewTemperatureService(archive, c, "", false, 0)

	if _, err := svc.GetSeries(context.Background(), testQuery(t, models.Fahrenheit)); err != nil {
		t.Fatalf("GetSeries(F) error = %v", err)
	}
	if _, err := svc.GetSeries(context.Background(), testQuery(t, models.Celsius)); err != nil {
		t.Fatalf("GetSeries(C) error = %v", err)
	}
	if n := atomic.LoadInt32(&archive.calls); n != 2 {
		t.Errorf("archive calls = %d, want 2 (unit is part of the key)", n)
	}
}

func TestTemperatureService_GetSeries_UpstreamErrorNotCached(t *testing.T) {
	q := testQuery(t, models.Fahrenheit)
	c := &mockCache{}
	archive := &mockArchiveClient{err: fmt.Errorf("exhausted retries: %w", client.ErrUpstreamFailure)}
	svc := NewTemperatureService(archive, c, "", false, 0)

	_, err := svc.GetSeries(context.Background(), q)
	if !errors.Is(err, client.ErrUpstreamFailure) {
		t.Fatalf("GetSeries() error = %v, want ErrUpstreamFailure", err)
	}
	if c.sets != 0 {
		t.Errorf("cache sets = %d, want 0 after upstream failure", c.sets)
	}
	if !IsUpstreamUnavailable(err) {
		t.Error("IsUpstreamUnavailable() = false, want true")
	}
}

func TestTemperatureService_GetSeries_CacheErrorsDegradeToMiss(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	ctx := context.WithValue(context.Background(), "logger", zap.New(core))

	c := &mockCache{getErr: errors.New("connection refused"), setErr: errors.New("timeout")}
	archive := &mockArchiveClient{series: fiveDays()}
	svc := NewTemperatureService(archive, c, cache.BackendMemcached, false, 0)

	got, err := svc.GetSeries(ctx, testQuery(t, models.Fahrenheit))
	if err != nil {
		t.Fatalf("GetSeries() error = %v, cache errors must not fail the request", err)
	}
	if got.Len() != 5 {
		t.Errorf("Len() = %d, want 5", got.Len())
	}
	if logs.FilterMessage("cache get failed").Len() != 1 || logs.FilterMessage("cache set failed").Len() != 1 {
		t.Errorf("expected cache get/set warnings, got %v", logs.All())
	}
}

func TestTemperatureService_GetSeries_Coalescing(t *testing.T) {
	c := &mockCache{}
	archive := &mockArchiveClient{series: fiveDays(), delay: 50 * time.Millisecond}
	svc := NewTemperatureService(archive, c, "", true, 5*time.Second)
	q := testQuery(t, models.Fahrenheit)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.GetSeries(context.Background(), q)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d error = %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&archive.calls); n != 1 {
		t.Errorf("archive calls = %d, want 1 (coalescing failed)", n)
	}
}

func TestTemperatureService_GetSeries_CoalescedFetchSurvivesCallerCancel(t *testing.T) {
	c := &mockCache{}
	archive := &mockArchiveClient{series: fiveDays(), delay: 50 * time.Millisecond}
	svc := NewTemperatureService(archive, c, "", true, 5*time.Second)
	q := testQuery(t, models.Fahrenheit)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := svc.GetSeries(ctx, q); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("GetSeries() error = %v, want deadline exceeded", err)
	}

	// the background fetch still completes and fills the cache
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := c.Get(context.Background(), q.Key()); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("coalesced fetch did not populate cache after caller cancelled")
}

func TestIsUpstreamUnavailable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{client.ErrInvalidRequest, false},
		{fmt.Errorf("x: %w", client.ErrLocationNotFound), false},
		{client.ErrCircuitOpen, true},
		{context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		if got := IsUpstreamUnavailable(tt.err); got != tt.want {
			t.Errorf("IsUpstreamUnavailable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestCategorizeCacheError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "unknown"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("i/o timeout"), "timeout"},
		{errors.New("dial tcp: connection refused"), "connection"},
		{errors.New("decode cached series: bad"), "decode"},
		{errors.New("boom"), "unknown"},
	}
	for _, tt := range tests {
		if got := categorizeCacheError(tt.err); got != tt.want {
			t.Errorf("categorizeCacheError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
