package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

type countingSweeper struct {
	calls   atomic.Int32
	removed int
	err     error
	maxAge  atomic.Int64
}

func (c *countingSweeper) Sweep(_ context.Context, olderThan time.Duration) (int, error) {
	c.calls.Add(1)
	c.maxAge.Store(int64(olderThan))
	return c.removed, c.err
}

func TestReaperSweep(t *testing.T) {
	sweeper := &countingSweeper{removed: 2}
	r := NewReaper(zaptest.NewLogger(t), sweeper, time.Minute, 10*time.Minute)

	assert.Equal(t, 2, r.Sweep(context.Background()))
	assert.Equal(t, int64(10*time.Minute), sweeper.maxAge.Load())
}

func TestReaperSweepError(t *testing.T) {
	sweeper := &countingSweeper{removed: 1, err: errors.New("engine down")}
	r := NewReaper(zaptest.NewLogger(t), sweeper, time.Minute, time.Minute)

	assert.Equal(t, 1, r.Sweep(context.Background()))
}

func TestReaperStartStop(t *testing.T) {
	sweeper := &countingSweeper{}
	r := NewReaper(zaptest.NewLogger(t), sweeper, 10*time.Millisecond, time.Minute)

	r.Start()
	r.Start()
	assert.Eventually(t, func() bool { return sweeper.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	r.Stop()
	r.Stop()

	calls := sweeper.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, sweeper.calls.Load())
}
