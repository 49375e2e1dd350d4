package controlplane

import "testing"

func TestTogglePauseFromRunning(t *testing.T) {
	p := New()
	p.Start()
	if err := p.TogglePause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if p.State() != Paused {
		t.Fatalf("expected PAUSED, got %s", p.State())
	}
}

func TestInterjectFromRunning(t *testing.T) {
	p := New()
	p.Start()
	if err := p.Interject(); err != nil {
		t.Fatalf("interject: %v", err)
	}
	if p.State() != InterjectReq {
		t.Fatalf("expected INTERJECT_REQ, got %s", p.State())
	}
}

func TestCheckStepBoundaryMovesToWaitInput(t *testing.T) {
	p := New()
	p.Start()
	_ = p.Interject()
	if !p.CheckStepBoundary() {
		t.Fatal("expected step boundary to report WAIT needed")
	}
	if p.State() != WaitInput {
		t.Fatalf("expected WAIT_INPUT, got %s", p.State())
	}
}

func TestResumeReleasesAllWaiters(t *testing.T) {
	p := New()
	p.Start()
	_ = p.TogglePause()

	const n = 5
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			p.AwaitIfPaused()
			done <- struct{}{}
		}()
	}

	if err := p.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	for i := 0; i < n; i++ {
		<-done
	}
}

func TestInterruptObservedFromAnyActiveState(t *testing.T) {
	p := New()
	p.Start()
	_ = p.TogglePause()
	if err := p.InterruptNow(); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	if p.State() != Interrupt {
		t.Fatalf("expected INTERRUPT, got %s", p.State())
	}
	// A paused waiter must be released by the interrupt, not stay blocked.
	done := make(chan struct{})
	go func() {
		p.AwaitIfPaused()
		close(done)
	}()
	<-done
}
