package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/sandbox"
)

// Reaper periodically removes units left behind by a crashed orchestrator
type Reaper struct {
	logger   *zap.Logger
	sweeper  sandbox.Sweeper
	interval time.Duration
	maxAge   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a reaper removing units older than maxAge every interval
func NewReaper(logger *zap.Logger, sweeper sandbox.Sweeper, interval, maxAge time.Duration) *Reaper {
	return &Reaper{
		logger:   logger,
		sweeper:  sweeper,
		interval: interval,
		maxAge:   maxAge,
	}
}

// Sweep runs one pass and returns the number of units removed
func (r *Reaper) Sweep(ctx context.Context) int {
	removed, err := r.sweeper.Sweep(ctx, r.maxAge)
	if err != nil {
		r.logger.Error("Orphan sweep failed", zap.Int("removed", removed), zap.Error(err))
	} else if removed > 0 {
		r.logger.Info("Orphan sweep finished", zap.Int("removed", removed))
	}
	return removed
}

// Run sweeps immediately and then every interval until ctx is done
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Start runs the reaper in the background until Stop
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		r.Run(ctx)
	}()
	r.logger.Info("Reaper started", zap.Duration("interval", r.interval), zap.Duration("max_age", r.maxAge))
}

// Stop halts a started reaper and waits for the current pass to finish
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
