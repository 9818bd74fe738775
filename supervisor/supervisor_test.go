package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/execbox/sandbox"
	"github.com/isdmx/execbox/sandbox/sandboxtest"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	return New(zaptest.NewLogger(t), Options{
		GracePeriod:    50 * time.Millisecond,
		KillWait:       50 * time.Millisecond,
		ReclaimTimeout: time.Second,
	})
}

func attached(t *testing.T, s *Supervisor, unit sandbox.Unit) *Run {
	t.Helper()
	run := s.Begin("sub-1")
	require.Equal(t, StateStarting, run.State())
	require.NoError(t, run.Attach(unit))
	require.Equal(t, StateRunning, run.State())
	return run
}

func TestSuperviseCompletes(t *testing.T) {
	s := newTestSupervisor(t)
	unit := sandboxtest.NewUnit("u1")
	run := attached(t, s, unit)

	go unit.Exit(0)
	out := s.Supervise(context.Background(), run, time.Second)

	assert.Equal(t, StateCompleted, out.State)
	assert.True(t, out.Exited)
	require.NoError(t, out.Err)
	assert.Equal(t, 0, out.Exit.Code)
	assert.Empty(t, unit.Signals())
}

func TestSuperviseTimeoutGraceful(t *testing.T) {
	s := newTestSupervisor(t)
	unit := sandboxtest.NewUnit("u1")
	run := attached(t, s, unit)

	out := s.Supervise(context.Background(), run, 20*time.Millisecond)

	assert.Equal(t, StateTimedOut, out.State)
	assert.True(t, out.Exited)
	assert.Equal(t, 143, out.Exit.Code)
	assert.Equal(t, []sandbox.Signal{sandbox.SignalTerminate}, unit.Signals())
}

func TestSuperviseTimeoutEscalatesToKill(t *testing.T) {
	s := newTestSupervisor(t)
	unit := sandboxtest.NewUnit("u1")
	unit.IgnoreTerm = true
	run := attached(t, s, unit)

	start := time.Now()
	out := s.Supervise(context.Background(), run, 20*time.Millisecond)

	assert.Equal(t, StateTimedOut, out.State)
	assert.True(t, out.Exited)
	assert.Equal(t, 137, out.Exit.Code)
	assert.Equal(t, []sandbox.Signal{sandbox.SignalTerminate, sandbox.SignalKill}, unit.Signals())
	assert.Less(t, time.Since(start), time.Second)
}

func TestSuperviseUnresponsiveUnitIsBounded(t *testing.T) {
	s := newTestSupervisor(t)
	unit := sandboxtest.NewUnit("u1")
	unit.IgnoreTerm = true
	unit.IgnoreKill = true
	run := attached(t, s, unit)

	start := time.Now()
	out := s.Supervise(context.Background(), run, 20*time.Millisecond)

	assert.Equal(t, StateTimedOut, out.State)
	assert.False(t, out.Exited)
	require.Error(t, out.Err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestKillIsIdempotent(t *testing.T) {
	s := newTestSupervisor(t)
	unit := sandboxtest.NewUnit("u1")
	run := attached(t, s, unit)

	run.Kill()
	run.Kill()
	out := s.Supervise(context.Background(), run, time.Minute)
	assert.Equal(t, StateKilled, out.State)
	assert.True(t, out.Exited)

	run.Kill()
	assert.Equal(t, StateKilled, run.State())
	assert.Equal(t, []sandbox.Signal{sandbox.SignalTerminate}, unit.Signals())
}

func TestKillAfterCompletionIsNoop(t *testing.T) {
	s := newTestSupervisor(t)
	unit := sandboxtest.NewUnit("u1")
	run := attached(t, s, unit)
	unit.Exit(0)

	out := s.Supervise(context.Background(), run, time.Second)
	require.Equal(t, StateCompleted, out.State)

	run.Kill()
	assert.Equal(t, StateCompleted, run.State())
	assert.False(t, run.KillRequested())
}

func TestSuperviseContextCancelKills(t *testing.T) {
	s := newTestSupervisor(t)
	unit := sandboxtest.NewUnit("u1")
	run := attached(t, s, unit)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := s.Supervise(ctx, run, time.Minute)
	assert.Equal(t, StateKilled, out.State)
}

func TestSuperviseWithoutUnit(t *testing.T) {
	s := newTestSupervisor(t)
	run := s.Begin("sub-1")
	out := s.Supervise(context.Background(), run, time.Second)
	require.Error(t, out.Err)
	assert.Equal(t, StateStarting, out.State)
}

func TestReclaimReleasesOnce(t *testing.T) {
	s := newTestSupervisor(t)
	unit := sandboxtest.NewUnit("u1")
	run := attached(t, s, unit)
	unit.Exit(0)
	s.Supervise(context.Background(), run, time.Second)

	s.Reclaim(run)
	s.Reclaim(run)
	assert.Equal(t, 1, unit.Releases())
	assert.Equal(t, StateCompleted, run.State())
}

func TestReclaimKillsLiveRun(t *testing.T) {
	s := newTestSupervisor(t)
	unit := sandboxtest.NewUnit("u1")
	unit.IgnoreTerm = true
	run := attached(t, s, unit)

	s.Reclaim(run)
	assert.Equal(t, StateKilled, run.State())
	assert.Equal(t, []sandbox.Signal{sandbox.SignalKill}, unit.Signals())
	assert.Equal(t, 1, unit.Releases())
	assert.True(t, unit.Exited())
}

func TestReclaimBeforeLaunch(t *testing.T) {
	s := newTestSupervisor(t)
	run := s.Begin("sub-1")

	s.Reclaim(run)
	assert.Equal(t, StateKilled, run.State())
}

func TestReclaimFailureIsSwallowed(t *testing.T) {
	s := newTestSupervisor(t)
	unit := sandboxtest.NewUnit("u1")
	unit.ReleaseErr = errors.New("device busy")
	run := attached(t, s, unit)
	unit.Exit(0)
	s.Supervise(context.Background(), run, time.Second)

	assert.NotPanics(t, func() { s.Reclaim(run) })
	assert.Equal(t, 1, unit.Releases())
}

type panickingUnit struct {
	*sandboxtest.Unit
}

func (panickingUnit) Release(context.Context) error {
	panic("release exploded")
}

func TestReclaimRecoversPanic(t *testing.T) {
	s := newTestSupervisor(t)
	unit := panickingUnit{Unit: sandboxtest.NewUnit("u1")}
	run := attached(t, s, unit)
	unit.Exit(0)
	s.Supervise(context.Background(), run, time.Second)

	assert.NotPanics(t, func() { s.Reclaim(run) })
}

func TestAttachAfterFailIsRejected(t *testing.T) {
	s := newTestSupervisor(t)
	run := s.Begin("sub-1")
	require.NoError(t, run.Fail())
	require.ErrorIs(t, run.Attach(sandboxtest.NewUnit("u1")), ErrInvalidTransition)
	assert.Nil(t, run.Unit())
}
