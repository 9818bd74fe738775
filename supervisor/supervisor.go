package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/sandbox"
)

// Options bounds the termination and teardown phases
type Options struct {
	// GracePeriod is how long a unit may take to exit after SIGTERM
	GracePeriod time.Duration
	// KillWait is how long to wait for SIGKILL to be acknowledged
	KillWait time.Duration
	// ReclaimTimeout bounds Release of a unit
	ReclaimTimeout time.Duration
}

// Outcome is how a supervised run ended
type Outcome struct {
	State State
	Exit  sandbox.ExitStatus
	// Exited is false when the unit never acknowledged termination
	Exited bool
	Err    error
}

// Supervisor enforces timeouts and cancellation on running units
type Supervisor struct {
	logger *zap.Logger
	opts   Options
}

// New creates a supervisor
func New(logger *zap.Logger, opts Options) *Supervisor {
	return &Supervisor{logger: logger, opts: opts}
}

// NewFromConfig creates a supervisor from the sandbox section
func NewFromConfig(logger *zap.Logger, cfg *config.Config) *Supervisor {
	return New(logger, Options{
		GracePeriod:    cfg.Sandbox.GracePeriod,
		KillWait:       cfg.Sandbox.KillWait,
		ReclaimTimeout: cfg.Sandbox.ReclaimTimeout,
	})
}

// Options returns the supervisor's bounds
func (s *Supervisor) Options() Options {
	return s.opts
}

// Begin starts tracking a run in StateStarting
func (*Supervisor) Begin(id string) *Run {
	return newRun(id)
}

type waitResult struct {
	status sandbox.ExitStatus
	err    error
}

// Supervise waits for the run's unit to exit, terminating it when timeout
// elapses, when Kill is called or when ctx is done.
func (s *Supervisor) Supervise(ctx context.Context, run *Run, timeout time.Duration) Outcome {
	unit := run.Unit()
	if unit == nil {
		return Outcome{State: run.State(), Err: fmt.Errorf("run %s has no unit", run.ID())}
	}
	logger := s.logger.With(zap.String("submission_id", run.ID()), zap.String("unit_id", unit.ID()))

	waitCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	waitDone := make(chan waitResult, 1)
	go func() {
		status, err := unit.Wait(waitCtx)
		waitDone <- waitResult{status: status, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var trigger State
	select {
	case res := <-waitDone:
		return s.complete(run, res)
	case <-timer.C:
		trigger = StateTimedOut
	case <-run.killCh:
		trigger = StateKilled
	case <-ctx.Done():
		trigger = StateKilled
	}

	// An exit that raced the trigger still counts as completion.
	select {
	case res := <-waitDone:
		return s.complete(run, res)
	default:
	}

	if err := run.machine.Transition(trigger); err != nil {
		return Outcome{State: run.State(), Err: err}
	}
	logger.Info("Terminating unit", zap.Stringer("reason", trigger), zap.Duration("timeout", timeout))

	res, exited := s.terminate(unit, waitDone, logger)
	return Outcome{State: trigger, Exit: res.status, Exited: exited && res.err == nil, Err: res.err}
}

func (*Supervisor) complete(run *Run, res waitResult) Outcome {
	if err := run.machine.Transition(StateCompleted); err != nil {
		return Outcome{State: run.State(), Exit: res.status, Err: err}
	}
	return Outcome{State: StateCompleted, Exit: res.status, Exited: res.err == nil, Err: res.err}
}

// terminate sends SIGTERM, waits the grace period and escalates to SIGKILL
func (s *Supervisor) terminate(unit sandbox.Unit, waitDone <-chan waitResult, logger *zap.Logger) (waitResult, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.GracePeriod+s.opts.KillWait)
	defer cancel()

	if err := unit.Signal(ctx, sandbox.SignalTerminate); err != nil {
		logger.Warn("Failed to send SIGTERM", zap.Error(err))
	}
	grace := time.NewTimer(s.opts.GracePeriod)
	defer grace.Stop()
	select {
	case res := <-waitDone:
		return res, true
	case <-grace.C:
	}

	logger.Warn("Unit ignored SIGTERM, escalating", zap.Duration("grace_period", s.opts.GracePeriod))
	if err := unit.Signal(ctx, sandbox.SignalKill); err != nil {
		logger.Warn("Failed to send SIGKILL", zap.Error(err))
	}
	killWait := time.NewTimer(s.opts.KillWait)
	defer killWait.Stop()
	select {
	case res := <-waitDone:
		return res, true
	case <-killWait.C:
		logger.Error("Unit did not acknowledge SIGKILL", zap.Duration("kill_wait", s.opts.KillWait))
		return waitResult{err: errors.New("unit did not exit after SIGKILL")}, false
	}
}

// Reclaim releases the run's unit exactly once. A run that is not yet
// terminal is killed first. Failures are logged and never returned.
func (s *Supervisor) Reclaim(run *Run) {
	run.reclaimOnce.Do(func() {
		logger := s.logger.With(zap.String("submission_id", run.ID()))
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Reclaim panicked", zap.Any("panic", r), zap.Stack("stack"))
			}
		}()

		live := !run.State().Terminal()
		if live {
			run.Kill()
			if err := run.machine.Transition(StateKilled); err != nil {
				logger.Warn("Unexpected state during reclaim", zap.Error(err))
			}
		}

		unit := run.Unit()
		if unit == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ReclaimTimeout)
		defer cancel()
		if live {
			if err := unit.Signal(ctx, sandbox.SignalKill); err != nil {
				logger.Warn("Failed to kill unit before release", zap.Error(err))
			}
		}

		start := time.Now()
		if err := unit.Release(ctx); err != nil {
			logger.Error("Failed to reclaim unit",
				zap.String("unit_id", unit.ID()),
				zap.Stringer("state", run.State()),
				zap.Error(err),
			)
			return
		}
		logger.Debug("Unit reclaimed",
			zap.String("unit_id", unit.ID()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
