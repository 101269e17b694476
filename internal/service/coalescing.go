package service

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/heatpump-dashboard/internal/models"
)

// inFlightRequest is one upstream fetch that several callers may wait on.
type inFlightRequest struct {
	done   chan struct{}
	result models.TemperatureSeries
	err    error
}

// requestCoalescer collapses concurrent fetches for the same key into one call.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightRequest
	timeout  time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightRequest),
		timeout:  timeout,
	}
}

// GetOrDo runs fn for key unless a call for key is already in flight, in which
// case it waits for that call's result. shared is true when the result came
// from another caller's fetch. The wait is bounded by ctx and the coalescer
// timeout; fn itself keeps running so later waiters still benefit.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func() (models.TemperatureSeries, error)) (result models.TemperatureSeries, shared bool, err error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if !exists {
		req = &inFlightRequest{done: make(chan struct{})}
		rc.inFlight[key] = req
		go rc.run(key, req, fn)
	}
	rc.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-req.done:
		return req.result, exists, req.err
	case <-waitCtx.Done():
		return models.TemperatureSeries{}, exists, waitCtx.Err()
	}
}

func (rc *requestCoalescer) run(key string, req *inFlightRequest, fn func() (models.TemperatureSeries, error)) {
	req.result, req.err = fn()

	rc.mu.Lock()
	delete(rc.inFlight, key)
	rc.mu.Unlock()

	close(req.done)
}

// inFlightCount returns the number of keys with a fetch in progress.
func (rc *requestCoalescer) inFlightCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.inFlight)
}
