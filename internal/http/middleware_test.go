package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/heatpump-dashboard/internal/traffic"
)

func TestCorrelationIDMiddleware_GeneratesID(t *testing.T) {
	router := newTestRouter(newTestHandler(&mockSeriesService{}, nil))
	w := doGet(t, router, "/api/cities")
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID header missing")
	}
}

func TestCorrelationIDMiddleware_PropagatesClientID(t *testing.T) {
	router := newTestRouter(newTestHandler(&mockSeriesService{}, nil))
	req := httptest.NewRequest(http.MethodGet, "/api/cities/Atlantis", nil)
	req.Header.Set("X-Correlation-ID", "client-provided-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-ID"); got != "client-provided-id" {
		t.Errorf("X-Correlation-ID = %q, want client-provided-id", got)
	}
	if got := decodeError(t, w).Error.RequestID; got != "client-provided-id" {
		t.Errorf("requestId = %q, want client-provided-id", got)
	}
}

func TestCorrelationIDMiddleware_TagsLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		loggerFrom(r, zap.NewNop()).Info("handled")
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	router.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("handled").All()
	if len(entries) != 1 {
		t.Fatalf("logged %d entries, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["correlation_id"]; got != "abc-123" {
		t.Errorf("correlation_id = %v, want abc-123", got)
	}
}

func TestGetRoute_UsesTemplate(t *testing.T) {
	var got string
	router := mux.NewRouter()
	router.HandleFunc("/api/cities/{label}", func(w http.ResponseWriter, r *http.Request) {
		got = getRoute(r)
	})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/cities/Urbana", nil))
	if got != "/api/cities/{label}" {
		t.Errorf("getRoute = %q, want template", got)
	}

	if r := getRoute(httptest.NewRequest(http.MethodGet, "/nowhere", nil)); r != "unmatched" {
		t.Errorf("getRoute without route = %q, want unmatched", r)
	}
}

func TestStatusCodeString(t *testing.T) {
	for code, want := range map[int]string{200: "2xx", 404: "4xx", 503: "5xx"} {
		if got := statusCodeString(code); got != want {
			t.Errorf("statusCodeString(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestMetricsMiddleware_RecordsStatus(t *testing.T) {
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/slow", nil))

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
}

func TestTimeoutMiddleware_CancelsSlowFetch(t *testing.T) {
	svc := &mockSeriesService{values: []float64{1}, block: make(chan struct{})}
	defer close(svc.block)

	router := NewRouter(newTestHandler(svc, nil), zap.NewNop(), RouterConfig{RequestTimeout: 50 * time.Millisecond})
	w := doGet(t, router, "/api/series?city=Urbana,%20Illinois")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 (timeout should surface as upstream unavailable)", w.Code)
	}
}

func TestTimeoutMiddleware_ZeroDisables(t *testing.T) {
	var hasDeadline bool
	router := mux.NewRouter()
	router.Use(TimeoutMiddleware(0))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	if hasDeadline {
		t.Error("zero timeout should not set a deadline")
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()

	router := NewRouter(newTestHandler(&mockSeriesService{}, nil), zap.NewNop(), RouterConfig{
		RateLimiter: rate.NewLimiter(rate.Every(time.Hour), 2),
	})

	for i := 0; i < 3; i++ {
		w := doGet(t, router, "/api/cities")
		if i < 2 {
			if w.Code != http.StatusOK {
				t.Errorf("request %d: status = %d, want 200", i, w.Code)
			}
			continue
		}
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d: status = %d, want 429", i, w.Code)
		}
		if got := decodeError(t, w).Error.Code; got != "RATE_LIMITED" {
			t.Errorf("error.code = %q, want RATE_LIMITED", got)
		}
	}
	if got := traffic.Counts(time.Minute).Denied; got != 1 {
		t.Errorf("denied = %d, want 1", got)
	}

	// probes bypass the limiter
	if w := doGet(t, router, "/health"); w.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200 while rate limited", w.Code)
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	router := mux.NewRouter()
	router.Use(RateLimitMiddleware(nil))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {})
	for i := 0; i < 50; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}
}
