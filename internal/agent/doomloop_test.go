package agent

import "testing"

func TestDoomLoopDetectorTripsAfterThreshold(t *testing.T) {
	d := newDoomLoopDetector()
	tripped := false
	for i := 0; i < doomLoopThreshold; i++ {
		tripped = d.Observe("bash", "bash:{\"command\":\"ls\"}")
	}
	if !tripped {
		t.Fatalf("expected doom loop detector to trip after %d identical calls", doomLoopThreshold)
	}
}

func TestDoomLoopDetectorDoesNotTripBelowThreshold(t *testing.T) {
	d := newDoomLoopDetector()
	for i := 0; i < doomLoopThreshold-1; i++ {
		if d.Observe("bash", "bash:{\"command\":\"ls\"}") {
			t.Fatalf("detector tripped early at iteration %d", i)
		}
	}
}

func TestDoomLoopDetectorResetsOnDifferentSignature(t *testing.T) {
	d := newDoomLoopDetector()
	for i := 0; i < doomLoopThreshold-1; i++ {
		d.Observe("bash", "bash:{\"command\":\"ls\"}")
	}
	if d.Observe("bash", "bash:{\"command\":\"pwd\"}") {
		t.Fatal("a different call should reset the streak, not trip the detector")
	}
}

func TestDoomLoopDetectorExemptsReadOnlyTools(t *testing.T) {
	d := newDoomLoopDetector()
	for i := 0; i < doomLoopThreshold*3; i++ {
		if d.Observe("read", "read:{\"path\":\"a.go\"}") {
			t.Fatal("read-only tools must never trip the doom-loop detector")
		}
	}
}

func TestDoomLoopDetectorResetClearsStreak(t *testing.T) {
	d := newDoomLoopDetector()
	for i := 0; i < doomLoopThreshold-1; i++ {
		d.Observe("bash", "bash:{\"command\":\"ls\"}")
	}
	d.Reset()
	if d.Observe("bash", "bash:{\"command\":\"ls\"}") {
		t.Fatal("Reset should clear the streak back to zero")
	}
}
