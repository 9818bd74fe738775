package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/catalog"
	"github.com/isdmx/execbox/collector"
	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/model"
	"github.com/isdmx/execbox/sandbox"
	"github.com/isdmx/execbox/supervisor"
	"github.com/isdmx/execbox/telemetry"
)

// minDrainWait is the least time given to output draining once the unit stopped
const minDrainWait = 250 * time.Millisecond

// Resolver looks up images and profiles
type Resolver interface {
	Resolve(language string) (model.SandboxImage, error)
	Profile(name string) (model.ResourceProfile, error)
}

// Orchestrator runs submissions to completion within a bounded slot pool
type Orchestrator struct {
	logger     *zap.Logger
	catalog    Resolver
	launcher   sandbox.Launcher
	supervisor *supervisor.Supervisor
	slots      *SlotPool
	limits     Limits
	sink       telemetry.Sink
	newID      func() string

	active sync.Map // submission id -> *supervisor.Run
}

// Option defines a functional option for Orchestrator
type Option func(*Orchestrator)

// WithSink sets the telemetry sink
func WithSink(sink telemetry.Sink) Option {
	return func(o *Orchestrator) {
		o.sink = sink
	}
}

// WithIDGenerator sets how ids are assigned to submissions that carry none
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		o.newID = fn
	}
}

// New creates an orchestrator
func New(
	logger *zap.Logger,
	resolver Resolver,
	launcher sandbox.Launcher,
	sup *supervisor.Supervisor,
	slots *SlotPool,
	limits Limits,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		logger:     logger,
		catalog:    resolver,
		launcher:   launcher,
		supervisor: sup,
		slots:      slots,
		limits:     limits,
		sink:       telemetry.Nop{},
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewFromConfig wires an orchestrator from configuration
func NewFromConfig(
	logger *zap.Logger,
	cfg *config.Config,
	cat *catalog.Catalog,
	backend sandbox.Backend,
	sup *supervisor.Supervisor,
	sink telemetry.Sink,
) *Orchestrator {
	return New(logger, cat, backend, sup,
		NewSlotPool(cfg.Sandbox.Concurrency, cfg.GetQueueTimeout()),
		LimitsFromConfig(cfg),
		WithSink(sink),
	)
}

// InUse returns the number of occupied slots
func (o *Orchestrator) InUse() int {
	return o.slots.InUse()
}

// Capacity returns the number of slots
func (o *Orchestrator) Capacity() int {
	return o.slots.Size()
}

// Cancel kills the in-flight submission with the given id. It reports
// whether such a submission was found; cancelling twice is harmless.
func (o *Orchestrator) Cancel(id string) bool {
	v, ok := o.active.Load(id)
	if !ok {
		return false
	}
	v.(*supervisor.Run).Kill()
	o.logger.Info("Execution cancelled", zap.String("submission_id", id))
	return true
}

// Execute runs sub and returns its terminated result. The error is non-nil
// only for *ValidationError, catalog.ErrNotFound, ErrCapacityExceeded or the
// caller's context ending while waiting for a slot; every other failure is
// reported through the result's terminal reason.
func (o *Orchestrator) Execute(ctx context.Context, sub model.Submission) (model.ExecutionResult, error) {
	sub = sub.Clone()
	if sub.ID == "" {
		sub.ID = o.newID()
	}
	logger := o.logger.With(zap.String("submission_id", sub.ID), zap.String("language", sub.Language))

	img, profile, err := o.resolve(sub)
	if err != nil {
		logger.Info("Submission rejected", zap.Error(err))
		return model.ExecutionResult{}, err
	}

	run := o.supervisor.Begin(sub.ID)
	if _, loaded := o.active.LoadOrStore(sub.ID, run); loaded {
		return model.ExecutionResult{}, invalid("id", "submission %s is already running", sub.ID)
	}
	defer o.active.Delete(sub.ID)

	queued := time.Now()
	release, err := o.acquire(ctx, run)
	slotWait := time.Since(queued)
	if err != nil {
		if run.KillRequested() {
			// Cancelled while queued: the run never held a slot.
			if abortErr := run.Abort(); abortErr != nil {
				logger.Warn("Failed to abort run", zap.Error(abortErr))
			}
			result := model.InternalErrorResult(sub)
			result.Reason = model.ReasonKilled
			o.emit(sub, result, slotWait)
			return result, nil
		}
		logger.Warn("No execution slot available", zap.Duration("waited", slotWait), zap.Error(err))
		return model.ExecutionResult{}, err
	}
	defer release()

	result := o.run(ctx, logger, sub, img, profile, run)
	o.emit(sub, result, slotWait)
	return result, nil
}

// acquire waits for a slot, giving up early when the run is cancelled
func (o *Orchestrator) acquire(ctx context.Context, run *supervisor.Run) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-run.Killed():
			cancel()
		case <-ctx.Done():
		}
	}()
	return o.slots.Acquire(ctx)
}

func (o *Orchestrator) emit(sub model.Submission, result model.ExecutionResult, slotWait time.Duration) {
	o.sink.Emit(telemetry.Event{
		SubmissionID: sub.ID,
		Language:     sub.Language,
		Reason:       result.Reason,
		ExitCode:     result.ExitCode,
		WallTime:     result.WallTime,
		SlotWait:     slotWait,
		Truncated:    result.Truncated(),
	})
}

// run drives one launched unit inside an acquired slot. The unit is always
// reclaimed before run returns, and a panic yields whatever was salvaged.
func (o *Orchestrator) run(
	ctx context.Context,
	logger *zap.Logger,
	sub model.Submission,
	img model.SandboxImage,
	profile model.ResourceProfile,
	run *supervisor.Run,
) (result model.ExecutionResult) {
	result = model.InternalErrorResult(sub)
	result.Profile = profile.Name
	result.ProfileVersion = profile.Version

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Execution panicked", zap.Any("panic", r), zap.Stack("stack"))
			result.Reason = model.ReasonInternalError
		}
	}()
	defer o.supervisor.Reclaim(run)

	if run.KillRequested() {
		if err := run.Abort(); err != nil {
			logger.Warn("Failed to abort run", zap.Error(err))
		}
		result.Reason = model.ReasonKilled
		return result
	}

	launchStart := time.Now()
	unit, err := o.launcher.Launch(ctx, sub, img, profile)
	if err != nil {
		if failErr := run.Fail(); failErr != nil {
			logger.Warn("Unexpected state after launch failure", zap.Error(failErr))
		}
		result.Reason = model.ReasonLaunchFailed
		result.Stderr = launchFailureMessage(err)
		logger.Error("Launch failed", zap.String("image", img.Reference), zap.Error(err))
		return result
	}
	if err := run.Attach(unit); err != nil {
		logger.Error("Failed to attach unit", zap.Error(err))
		if relErr := unit.Release(context.Background()); relErr != nil {
			logger.Error("Failed to release unattached unit", zap.Error(relErr))
		}
		return result
	}
	logger.Debug("Unit running",
		zap.String("unit_id", unit.ID()),
		zap.Duration("launch_time", time.Since(launchStart)),
	)

	drain := collector.Start(unit, profile.MaxOutputBytes)
	started := time.Now()
	outcome := o.supervisor.Supervise(ctx, run, profile.Timeout)

	wait := time.Until(started.Add(profile.Timeout + o.supervisor.Options().GracePeriod))
	if wait < minDrainWait {
		wait = minDrainWait
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), wait)
	out, complete := drain.Wait(drainCtx)
	cancel()
	if !complete {
		logger.Warn("Output drain did not finish, returning partial output", zap.Duration("waited", wait))
	}

	result.Stdout = out.Stdout
	result.StdoutTruncated = out.StdoutTruncated
	result.Stderr = out.Stderr
	result.StderrTruncated = out.StderrTruncated
	result.WallTime = time.Since(started)
	if outcome.Exited {
		result.ExitCode = outcome.Exit.Code
		if wt := outcome.Exit.WallTime(); wt > 0 {
			result.WallTime = wt
		}
	}

	switch outcome.State {
	case supervisor.StateCompleted:
		result.Reason = model.ReasonCompleted
	case supervisor.StateTimedOut:
		result.Reason = model.ReasonTimeout
	case supervisor.StateKilled:
		result.Reason = model.ReasonKilled
	default:
		result.Reason = model.ReasonInternalError
	}
	if outcome.Err != nil && outcome.State == supervisor.StateCompleted {
		logger.Error("Waiting for unit failed", zap.Error(outcome.Err))
		result.Reason = model.ReasonInternalError
	}
	return result
}

func launchFailureMessage(err error) string {
	var launchErr *sandbox.LaunchError
	if errors.As(err, &launchErr) {
		return fmt.Sprintf("launch failed: %s", launchErr.Reason)
	}
	return "launch failed"
}
