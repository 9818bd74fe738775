// Package sandboxtest provides scriptable in-memory sandbox units for tests.
package sandboxtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/isdmx/execbox/model"
	"github.com/isdmx/execbox/sandbox"
)

var errReleased = errors.New("unit released")

// Unit is a fake sandbox.Unit driven by the test through Exit and Write*
type Unit struct {
	// IgnoreTerm and IgnoreKill make the unit ignore the matching signal.
	// Set them before the unit is handed to the code under test.
	IgnoreTerm bool
	IgnoreKill bool
	ReleaseErr error

	id               string
	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter
	started          time.Time

	mu       sync.Mutex
	done     chan struct{}
	exitOnce sync.Once
	status   sandbox.ExitStatus
	signals  []sandbox.Signal
	releases int
}

// NewUnit creates a running unit
func NewUnit(id string) *Unit {
	u := &Unit{id: id, done: make(chan struct{}), started: time.Now()}
	u.stdoutR, u.stdoutW = io.Pipe()
	u.stderrR, u.stderrW = io.Pipe()
	return u
}

// WriteStdout blocks until the bytes are read or the unit is released
func (u *Unit) WriteStdout(s string) {
	_, _ = io.WriteString(u.stdoutW, s)
}

// WriteStderr blocks until the bytes are read or the unit is released
func (u *Unit) WriteStderr(s string) {
	_, _ = io.WriteString(u.stderrW, s)
}

// Exit ends the unit's streams and reports code. Later calls are ignored.
func (u *Unit) Exit(code int) {
	u.exitOnce.Do(func() {
		u.stdoutW.Close()
		u.stderrW.Close()
		u.mu.Lock()
		u.status = sandbox.ExitStatus{Code: code, StartedAt: u.started, FinishedAt: time.Now()}
		u.mu.Unlock()
		close(u.done)
	})
}

// Exited reports whether the unit has stopped
func (u *Unit) Exited() bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}

// Signals returns the signals delivered while the unit was running
func (u *Unit) Signals() []sandbox.Signal {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]sandbox.Signal(nil), u.signals...)
}

// Releases returns how many times Release was called
func (u *Unit) Releases() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.releases
}

func (u *Unit) ID() string { return u.id }

func (u *Unit) Stdout() io.Reader { return u.stdoutR }

func (u *Unit) Stderr() io.Reader { return u.stderrR }

func (u *Unit) Wait(ctx context.Context) (sandbox.ExitStatus, error) {
	select {
	case <-u.done:
		u.mu.Lock()
		defer u.mu.Unlock()
		return u.status, nil
	case <-ctx.Done():
		return sandbox.ExitStatus{}, ctx.Err()
	}
}

func (u *Unit) Signal(_ context.Context, sig sandbox.Signal) error {
	if u.Exited() {
		return nil
	}
	u.mu.Lock()
	u.signals = append(u.signals, sig)
	u.mu.Unlock()

	switch {
	case sig == sandbox.SignalTerminate && !u.IgnoreTerm:
		u.Exit(143)
	case sig == sandbox.SignalKill && !u.IgnoreKill:
		u.Exit(137)
	}
	return nil
}

func (u *Unit) Release(context.Context) error {
	u.mu.Lock()
	u.releases++
	u.mu.Unlock()
	u.stdoutR.CloseWithError(errReleased)
	u.stderrR.CloseWithError(errReleased)
	return u.ReleaseErr
}

// Behavior scripts a launched unit. It runs in its own goroutine.
type Behavior func(u *Unit, sub model.Submission)

// Print writes stdout and exits with code
func Print(stdout string, code int) Behavior {
	return func(u *Unit, _ model.Submission) {
		u.WriteStdout(stdout)
		u.Exit(code)
	}
}

// Hang never exits on its own
func Hang() Behavior {
	return func(*Unit, model.Submission) {}
}

// Call records one Launch invocation
type Call struct {
	Submission model.Submission
	Image      model.SandboxImage
	Profile    model.ResourceProfile
}

// Launcher is a fake sandbox.Backend
type Launcher struct {
	Behavior Behavior
	Err      error
	// Prepare, when set, adjusts each unit before it is returned
	Prepare func(u *Unit)

	mu     sync.Mutex
	calls  []Call
	units  []*Unit
	swept  int
	closed bool
}

// NewLauncher creates a launcher running behavior for every unit
func NewLauncher(behavior Behavior) *Launcher {
	return &Launcher{Behavior: behavior}
}

func (l *Launcher) Launch(_ context.Context, sub model.Submission, img model.SandboxImage, profile model.ResourceProfile) (sandbox.Unit, error) {
	l.mu.Lock()
	l.calls = append(l.calls, Call{Submission: sub, Image: img, Profile: profile})
	if l.Err != nil {
		l.mu.Unlock()
		return nil, l.Err
	}
	u := NewUnit(fmt.Sprintf("fake-%s", sub.ID))
	if l.Prepare != nil {
		l.Prepare(u)
	}
	l.units = append(l.units, u)
	behavior := l.Behavior
	l.mu.Unlock()

	if behavior != nil {
		go behavior(u, sub)
	}
	return u, nil
}

func (l *Launcher) Sweep(context.Context, time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.swept++
	return 0, nil
}

func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Calls returns every Launch invocation so far
func (l *Launcher) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Call(nil), l.calls...)
}

// Units returns every unit launched so far
func (l *Launcher) Units() []*Unit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Unit(nil), l.units...)
}

// Swept returns how many times Sweep ran
func (l *Launcher) Swept() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.swept
}

var _ sandbox.Backend = (*Launcher)(nil)
var _ sandbox.Unit = (*Unit)(nil)
