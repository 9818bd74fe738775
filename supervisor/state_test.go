package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineTransitions(t *testing.T) {
	tests := []struct {
		name  string
		path  []State
		valid bool
	}{
		{name: "Completed", path: []State{StateRunning, StateCompleted}, valid: true},
		{name: "TimedOut", path: []State{StateRunning, StateTimedOut}, valid: true},
		{name: "KilledWhileRunning", path: []State{StateRunning, StateKilled}, valid: true},
		{name: "KilledBeforeLaunch", path: []State{StateKilled}, valid: true},
		{name: "LaunchFailed", path: []State{StateLaunchFailed}, valid: true},
		{name: "CompleteWithoutRunning", path: []State{StateCompleted}},
		{name: "TimeoutWithoutRunning", path: []State{StateTimedOut}},
		{name: "LaunchFailedAfterRunning", path: []State{StateRunning, StateLaunchFailed}},
		{name: "LeaveTerminal", path: []State{StateRunning, StateCompleted, StateKilled}},
		{name: "RunTwice", path: []State{StateRunning, StateRunning}},
		{name: "BackToStarting", path: []State{StateStarting}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine()
			var err error
			for _, s := range tt.path {
				if err = m.Transition(s); err != nil {
					break
				}
			}
			if tt.valid {
				require.NoError(t, err)
				assert.Equal(t, tt.path[len(tt.path)-1], m.State())
				assert.True(t, m.State().Terminal())
			} else {
				require.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "timed_out", StateTimedOut.String())
	assert.Equal(t, "launch_failed", StateLaunchFailed.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.False(t, StateStarting.Terminal())
	assert.False(t, StateRunning.Terminal())
}
