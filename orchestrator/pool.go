package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// SlotPool bounds the number of concurrent executions
type SlotPool struct {
	sem          *semaphore.Weighted
	size         int
	queueTimeout time.Duration
	inUse        atomic.Int64
}

// NewSlotPool creates a pool of size slots. A queueTimeout <= 0 waits until
// the caller's context is done.
func NewSlotPool(size int, queueTimeout time.Duration) *SlotPool {
	if size < 1 {
		size = 1
	}
	return &SlotPool{
		sem:          semaphore.NewWeighted(int64(size)),
		size:         size,
		queueTimeout: queueTimeout,
	}
}

// Acquire blocks until a slot is free. The returned release func is safe to
// call more than once and frees the slot on the first call.
func (p *SlotPool) Acquire(ctx context.Context) (func(), error) {
	acquireCtx := ctx
	if p.queueTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.queueTimeout)
		defer cancel()
	}

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrCapacityExceeded
	}
	p.inUse.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			p.inUse.Add(-1)
			p.sem.Release(1)
		})
	}, nil
}

// InUse returns the number of held slots
func (p *SlotPool) InUse() int {
	return int(p.inUse.Load())
}

// Size returns the pool capacity
func (p *SlotPool) Size() int {
	return p.size
}
