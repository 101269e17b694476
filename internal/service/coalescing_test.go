package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/heatpump-dashboard/internal/models"
)

func TestRequestCoalescer_GetOrDo_ConcurrentRequests(t *testing.T) {
	coalescer := newRequestCoalescer(5 * time.Second)
	var calls int32
	release := make(chan struct{})

	fn := func() (models.TemperatureSeries, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return models.TemperatureSeries{Unit: models.Fahrenheit}, nil
	}

	var wg sync.WaitGroup
	results := make([]models.TemperatureSeries, 10)
	shared := make([]bool, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], shared[idx], errs[idx] = coalescer.GetOrDo(context.Background(), "k", fn)
		}(i)
	}
	// let every caller join before the fetch completes
	for coalescer.inFlightCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	sharedCount := 0
	for i := range results {
		if errs[i] != nil {
			t.Errorf("request %d error = %v, want nil", i, errs[i])
		}
		if results[i].Unit != models.Fahrenheit {
			t.Errorf("request %d unit = %q", i, results[i].Unit)
		}
		if shared[i] {
			sharedCount++
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("fn call count = %d, want 1 (coalescing failed)", n)
	}
	if sharedCount != 9 {
		t.Errorf("shared results = %d, want 9", sharedCount)
	}
	if coalescer.inFlightCount() != 0 {
		t.Errorf("inFlightCount() = %d, want 0 after completion", coalescer.inFlightCount())
	}
}

func TestRequestCoalescer_GetOrDo_ErrorPropagation(t *testing.T) {
	coalescer := newRequestCoalescer(5 * time.Second)
	wantErr := errors.New("api failure")

	fn := func() (models.TemperatureSeries, error) {
		time.Sleep(10 * time.Millisecond)
		return models.TemperatureSeries{}, wantErr
	}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _, errs[idx] = coalescer.GetOrDo(context.Background(), "k", fn)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, wantErr) {
			t.Errorf("request %d error = %v, want %v", i, err, wantErr)
		}
	}
}

func TestRequestCoalescer_GetOrDo_Timeout(t *testing.T) {
	coalescer := newRequestCoalescer(100 * time.Millisecond)

	fn := func() (models.TemperatureSeries, error) {
		time.Sleep(200 * time.Millisecond)
		return models.TemperatureSeries{}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := coalescer.GetOrDo(ctx, "k", fn)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("GetOrDo() error = %v, want context deadline exceeded", err)
	}
}

func TestRequestCoalescer_GetOrDo_DifferentKeys(t *testing.T) {
	coalescer := newRequestCoalescer(5 * time.Second)
	var calls int32

	fn := func() (models.TemperatureSeries, error) {
		atomic.AddInt32(&calls, 1)
		return models.TemperatureSeries{}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, _, _ = coalescer.GetOrDo(context.Background(), key, fn)
		}("key" + string(rune('a'+i)))
	}
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 5 {
		t.Errorf("fn call count = %d, want 5 (no coalescing for different keys)", n)
	}
}
