package supervisor

import (
	"sync"

	"github.com/isdmx/execbox/sandbox"
)

// Run tracks one submission's unit through its lifecycle
type Run struct {
	id      string
	machine *Machine

	mu   sync.Mutex
	unit sandbox.Unit

	killCh      chan struct{}
	killOnce    sync.Once
	reclaimOnce sync.Once
}

func newRun(id string) *Run {
	return &Run{
		id:      id,
		machine: NewMachine(),
		killCh:  make(chan struct{}),
	}
}

// ID returns the submission id the run belongs to
func (r *Run) ID() string { return r.id }

// State returns the run's lifecycle state
func (r *Run) State() State { return r.machine.State() }

// Unit returns the attached unit, or nil before launch succeeded
func (r *Run) Unit() sandbox.Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unit
}

// Attach records the launched unit and moves the run to Running
func (r *Run) Attach(unit sandbox.Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.machine.Transition(StateRunning); err != nil {
		return err
	}
	r.unit = unit
	return nil
}

// Fail marks the launch as failed
func (r *Run) Fail() error {
	return r.machine.Transition(StateLaunchFailed)
}

// Kill requests termination. Repeated calls and calls on a finished run are no-ops.
func (r *Run) Kill() {
	if r.State().Terminal() {
		return
	}
	r.killOnce.Do(func() { close(r.killCh) })
}

// Killed is closed when Kill is called
func (r *Run) Killed() <-chan struct{} {
	return r.killCh
}

// KillRequested reports whether Kill was called
func (r *Run) KillRequested() bool {
	select {
	case <-r.killCh:
		return true
	default:
		return false
	}
}

// Abort moves a run that never launched straight to Killed
func (r *Run) Abort() error {
	return r.machine.Transition(StateKilled)
}
