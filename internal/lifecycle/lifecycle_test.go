package lifecycle

import "testing"

func TestPhase_Transitions(t *testing.T) {
	defer SetPhase(PhaseStarting)

	SetPhase(PhaseStarting)
	if IsShuttingDown() {
		t.Error("IsShuttingDown() = true while starting")
	}
	SetPhase(PhaseServing)
	if Current() != PhaseServing || IsShuttingDown() {
		t.Errorf("Current() = %v, want serving", Current())
	}
	SetPhase(PhaseDraining)
	if !IsShuttingDown() {
		t.Error("IsShuttingDown() = false after draining")
	}
}

func TestPhase_String(t *testing.T) {
	tests := map[Phase]string{
		PhaseStarting: "starting",
		PhaseServing:  "serving",
		PhaseDraining: "shutting-down",
		Phase(9):      "unknown",
	}
	for p, want := range tests {
		if got := p.String(); got != want {
			t.Errorf("Phase(%d).String() = %q, want %q", p, got, want)
		}
	}
}
