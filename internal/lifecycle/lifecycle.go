package lifecycle

import "sync/atomic"

// Phase is where the process is in its life: starting, serving or draining.
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseServing
	PhaseDraining
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseServing:
		return "serving"
	case PhaseDraining:
		return "shutting-down"
	}
	return "unknown"
}

var phase atomic.Int32

// SetPhase records the current phase. main moves to PhaseServing once the
// listener is up and to PhaseDraining on SIGTERM/SIGINT.
func SetPhase(p Phase) {
	phase.Store(int32(p))
}

// Current returns the current phase.
func Current() Phase {
	return Phase(phase.Load())
}

// IsShuttingDown reports whether the process is draining. /health returns 503 while true.
func IsShuttingDown() bool {
	return Current() == PhaseDraining
}
