// Package controlplane implements the pause/interject/interrupt state
// machine that the agent loop consults at every suspension point (spec
// §4.2). It is a small state machine: state changes are serial because the
// loop is single-tasked per session, and a pause releases every waiter at
// once on resume.
package controlplane

import (
	"fmt"
	"sync"
)

// State is one of the six control-plane states.
type State string

const (
	Idle        State = "IDLE"
	Running     State = "RUNNING"
	InterjectReq State = "INTERJECT_REQ"
	Interrupt   State = "INTERRUPT"
	Paused      State = "PAUSED"
	WaitInput   State = "WAIT_INPUT"
)

// Observer is invoked synchronously on every state transition. Panics are
// recovered so a misbehaving observer cannot corrupt plane state.
type Observer func(from, to State)

// Plane is the control-plane state machine for a single running session.
type Plane struct {
	mu       sync.Mutex
	state    State
	observer Observer

	// pause latch: closed while RUNNING, recreated on Pause so every
	// waiter blocks on the same channel and Resume releases them all
	// atomically by closing it.
	latch chan struct{}
}

// New creates a plane in IDLE state.
func New() *Plane {
	p := &Plane{state: Idle}
	p.latch = closedChan()
	return p
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// OnChange registers the single state-change observer (replaces any prior one).
func (p *Plane) OnChange(fn Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = fn
}

func (p *Plane) setState(to State) {
	from := p.state
	p.state = to
	obs := p.observer
	if obs != nil && from != to {
		p.safeObserve(obs, from, to)
	}
}

func (p *Plane) safeObserve(obs Observer, from, to State) {
	defer func() { recover() }()
	obs(from, to)
}

// State returns the current state.
func (p *Plane) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start transitions IDLE -> RUNNING. Called when run() begins.
func (p *Plane) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setState(Running)
}

// Finish transitions any state -> IDLE. Called when run() completes.
func (p *Plane) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setState(Idle)
}

// Interject requests an interjection at the next step boundary. Valid from RUNNING.
func (p *Plane) Interject() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Running {
		return fmt.Errorf("controlplane: interject requires RUNNING, got %s", p.state)
	}
	p.setState(InterjectReq)
	return nil
}

// InterruptNow signals an immediate interrupt. Valid from RUNNING, INTERJECT_REQ, or PAUSED.
func (p *Plane) InterruptNow() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case Running, InterjectReq, Paused:
		p.setState(Interrupt)
		// Release anyone waiting on the pause latch so they observe INTERRUPT.
		select {
		case <-p.latch:
		default:
			close(p.latch)
		}
		return nil
	}
	return fmt.Errorf("controlplane: interrupt requires RUNNING/INTERJECT_REQ/PAUSED, got %s", p.state)
}

// TogglePause pauses a RUNNING loop. Output progression gates on the latch;
// in-flight model I/O is not cancelled.
func (p *Plane) TogglePause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Running {
		return fmt.Errorf("controlplane: pause requires RUNNING, got %s", p.state)
	}
	p.latch = make(chan struct{})
	p.setState(Paused)
	return nil
}

// Resume releases the pause latch and returns to RUNNING.
func (p *Plane) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Paused {
		return fmt.Errorf("controlplane: resume requires PAUSED, got %s", p.state)
	}
	select {
	case <-p.latch:
	default:
		close(p.latch)
	}
	p.setState(Running)
	return nil
}

// AwaitIfPaused blocks the caller while PAUSED. Safe to call from any
// suspension point inside the loop or tool executor.
func (p *Plane) AwaitIfPaused() {
	p.mu.Lock()
	latch := p.latch
	p.mu.Unlock()
	<-latch
}

// CheckStepBoundary is called at a step boundary. If the plane is
// INTERJECT_REQ or INTERRUPT it transitions to WAIT_INPUT and returns true
// (the loop must pause and request input from the UI).
func (p *Plane) CheckStepBoundary() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == InterjectReq || p.state == Interrupt {
		p.setState(WaitInput)
		return true
	}
	return false
}

// SubmitInput resolves a WAIT_INPUT state back to RUNNING because the user
// supplied text.
func (p *Plane) SubmitInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != WaitInput {
		return fmt.Errorf("controlplane: submit requires WAIT_INPUT, got %s", p.state)
	}
	p.setState(Running)
	return nil
}

// CancelInput resolves a WAIT_INPUT back to RUNNING with no buffered input.
func (p *Plane) CancelInput() error {
	return p.SubmitInput()
}

// IsInterrupted reports whether the plane is currently in INTERRUPT state,
// the check every await point inside the loop/executor performs.
func (p *Plane) IsInterrupted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == Interrupt
}
