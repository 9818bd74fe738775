package supervisor

import (
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle state of one execution unit
type State int

// Lifecycle states
const (
	StateStarting State = iota
	StateRunning
	StateCompleted
	StateTimedOut
	StateKilled
	StateLaunchFailed
)

// ErrInvalidTransition is returned for transitions outside the lifecycle graph
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State][]State{
	StateStarting: {StateRunning, StateLaunchFailed, StateKilled},
	StateRunning:  {StateCompleted, StateTimedOut, StateKilled},
}

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateKilled:
		return "killed"
	case StateLaunchFailed:
		return "launch_failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// Machine is a lifecycle state machine safe for concurrent use
type Machine struct {
	mu    sync.Mutex
	state State
}

// NewMachine creates a machine in StateStarting
func NewMachine() *Machine {
	return &Machine{state: StateStarting}
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to the given state if the lifecycle graph allows it
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, allowed := range transitions[m.state] {
		if allowed == to {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
}
