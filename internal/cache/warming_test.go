package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/heatpump-dashboard/internal/models"
)

type mockSeriesFetcher struct {
	mu       sync.Mutex
	calls    []models.SeriesQuery
	failUnit models.Unit
	inFlight int32
	maxSeen  int32
}

func (m *mockSeriesFetcher) GetSeries(ctx context.Context, q models.SeriesQuery) (models.TemperatureSeries, error) {
	n := atomic.AddInt32(&m.inFlight, 1)
	defer atomic.AddInt32(&m.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&m.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&m.maxSeen, seen, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)

	m.mu.Lock()
	m.calls = append(m.calls, q)
	m.mu.Unlock()
	if q.Unit == m.failUnit {
		return models.TemperatureSeries{}, errors.New("api down")
	}
	return models.TemperatureSeries{Unit: q.Unit}, nil
}

var warmCities = []models.City{
	{Label: "Urbana, Illinois", Latitude: 40.1106, Longitude: -88.1972},
	{Label: "Chicago, Illinois", Latitude: 41.8375, Longitude: -87.6866},
	{Label: "Fargo, North Dakota", Latitude: 46.8653, Longitude: -96.8292},
}

func warmRange(t *testing.T) models.DateRange {
	t.Helper()
	r, err := models.ParseDateRange("2022-01-01", "2024-01-01")
	if err != nil {
		t.Fatalf("ParseDateRange() error = %v", err)
	}
	return r
}

func TestWarmQueries_BothUnitsByDefault(t *testing.T) {
	qs := WarmQueries(warmCities[:1], warmRange(t))
	if len(qs) != 2 {
		t.Fatalf("len(WarmQueries) = %d, want 2", len(qs))
	}
	if qs[0].Unit != models.Fahrenheit || qs[1].Unit != models.Celsius {
		t.Errorf("units = %s,%s, want fahrenheit,celsius", qs[0].Unit, qs[1].Unit)
	}
	if got := WarmQueries(warmCities, warmRange(t), models.Celsius); len(got) != 3 {
		t.Errorf("len(WarmQueries(celsius)) = %d, want 3", len(got))
	}
}

func TestCacheWarmer_Warm_Success(t *testing.T) {
	fetcher := &mockSeriesFetcher{}
	warmer := NewCacheWarmer(fetcher, nil).WithConcurrency(2)

	err := warmer.Warm(context.Background(), WarmQueries(warmCities, warmRange(t)))
	if err != nil {
		t.Fatalf("Warm() error = %v, want nil", err)
	}
	if len(fetcher.calls) != 6 {
		t.Errorf("fetch calls = %d, want 6", len(fetcher.calls))
	}
	if max := atomic.LoadInt32(&fetcher.maxSeen); max > 2 {
		t.Errorf("max concurrent fetches = %d, want <= 2", max)
	}
}

func TestCacheWarmer_Warm_EmptyQueries(t *testing.T) {
	warmer := NewCacheWarmer(&mockSeriesFetcher{}, nil)
	if err := warmer.Warm(context.Background(), nil); err != nil {
		t.Fatalf("Warm() with nil queries error = %v, want nil", err)
	}
}

func TestCacheWarmer_Warm_PartialFailure(t *testing.T) {
	fetcher := &mockSeriesFetcher{failUnit: models.Celsius}
	warmer := NewCacheWarmer(fetcher, nil)

	err := warmer.Warm(context.Background(), WarmQueries(warmCities, warmRange(t)))
	if err == nil {
		t.Fatal("Warm() error = nil, want non-nil")
	}
	if len(fetcher.calls) != 6 {
		t.Errorf("fetch calls = %d, want 6 (failures must not stop other queries)", len(fetcher.calls))
	}
	if got := strings.Count(err.Error(), "api down"); got != 3 {
		t.Errorf("error mentions %d failures, want 3: %v", got, err)
	}
}

func TestCacheWarmer_WithConcurrency_Minimum(t *testing.T) {
	w := NewCacheWarmer(&mockSeriesFetcher{}, nil).WithConcurrency(0)
	if w.concurrency != 1 {
		t.Errorf("concurrency = %d, want 1", w.concurrency)
	}
}
