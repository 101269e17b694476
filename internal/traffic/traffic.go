package traffic

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// retention bounds how long outcomes are kept; windows longer than this see at most retention.
const retention = 5 * time.Minute

// Health states reported by Assess.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

var defaultTracker = NewTracker(clockwork.NewRealClock())

// RecordSuccess records a request whose archive data was available.
func RecordSuccess() {
	defaultTracker.RecordSuccess()
}

// RecordError records a request that ended without archive data (upstream error, timeout).
func RecordError() {
	defaultTracker.RecordError()
}

// RecordDenied records a rate-limit denial (429).
func RecordDenied() {
	defaultTracker.RecordDenied()
}

// Counts returns the default tracker's counts within the window.
func Counts(window time.Duration) Snapshot {
	return defaultTracker.Counts(window)
}

// Assess evaluates the default tracker. See Tracker.Assess.
func Assess(window time.Duration, errorPct float64, minRequests int) string {
	return defaultTracker.Assess(window, errorPct, minRequests)
}

// Reset clears all recorded outcomes. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Snapshot is the number of each outcome inside a window.
type Snapshot struct {
	Successes int `json:"successes"`
	Errors    int `json:"errors"`
	Denied    int `json:"denied"`
}

// Total returns successes + errors + denied.
func (s Snapshot) Total() int {
	return s.Successes + s.Errors + s.Denied
}

// ErrorPct returns errors / (successes + errors) * 100, or 0 with no traffic.
// Denials are excluded: they say nothing about upstream health.
func (s Snapshot) ErrorPct() float64 {
	n := s.Successes + s.Errors
	if n == 0 {
		return 0
	}
	return float64(s.Errors) / float64(n) * 100
}

// Tracker keeps sliding windows of outcome timestamps.
type Tracker struct {
	clock        clockwork.Clock
	mu           sync.Mutex
	successTimes []time.Time
	errorTimes   []time.Time
	deniedTimes  []time.Time
}

// NewTracker returns a tracker reading time from clock.
func NewTracker(clock clockwork.Clock) *Tracker {
	return &Tracker{clock: clock}
}

func (t *Tracker) RecordSuccess() {
	t.recordOutcome(&t.successTimes)
}

func (t *Tracker) RecordError() {
	t.recordOutcome(&t.errorTimes)
}

func (t *Tracker) RecordDenied() {
	t.recordOutcome(&t.deniedTimes)
}

func (t *Tracker) recordOutcome(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// Counts returns outcome counts in (now-window, now].
func (t *Tracker) Counts(window time.Duration) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-window)
	return Snapshot{
		Successes: countInWindow(t.successTimes, cutoff),
		Errors:    countInWindow(t.errorTimes, cutoff),
		Denied:    countInWindow(t.deniedTimes, cutoff),
	}
}

// Assess returns StatusDegraded when at least minRequests upstream-dependent
// requests landed in the window and their error percentage is >= errorPct.
func (t *Tracker) Assess(window time.Duration, errorPct float64, minRequests int) string {
	s := t.Counts(window)
	if s.Successes+s.Errors < minRequests || errorPct <= 0 {
		return StatusHealthy
	}
	if s.ErrorPct() >= errorPct {
		return StatusDegraded
	}
	return StatusHealthy
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.errorTimes = nil
	t.deniedTimes = nil
}

func countInWindow(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than retention. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.errorTimes)
	prune(&t.deniedTimes)
}
