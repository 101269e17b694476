package http

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

// RequestDrain counts requests the router is still serving so shutdown can
// wait for them after the listener closes.
type RequestDrain struct {
	active atomic.Int64
}

// NewRequestDrain returns an empty drain.
func NewRequestDrain() *RequestDrain {
	return &RequestDrain{}
}

// Middleware counts every request passing through next.
func (d *RequestDrain) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.active.Add(1)
		defer d.active.Add(-1)
		next.ServeHTTP(w, r)
	})
}

// Active returns the number of requests being served.
func (d *RequestDrain) Active() int64 {
	return d.active.Load()
}

// Wait polls every interval until no request is active or ctx is done.
func (d *RequestDrain) Wait(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for d.Active() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
