package collector

import (
	"context"
	"io"
	"sync"
)

// Output is the captured content of both streams
type Output struct {
	Stdout          string
	StdoutTruncated bool
	Stderr          string
	StderrTruncated bool
}

// Streams is anything exposing a stdout and a stderr reader
type Streams interface {
	Stdout() io.Reader
	Stderr() io.Reader
}

// Drain is an in-progress capture of one unit's output
type Drain struct {
	stdout *CappedBuffer
	stderr *CappedBuffer
	done   chan struct{}
}

// Start begins draining both streams, each capped at maxBytes
func Start(s Streams, maxBytes int) *Drain {
	d := &Drain{
		stdout: NewCappedBuffer(maxBytes),
		stderr: NewCappedBuffer(maxBytes),
		done:   make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drain(d.stdout, s.Stdout())
	}()
	go func() {
		defer wg.Done()
		drain(d.stderr, s.Stderr())
	}()
	go func() {
		wg.Wait()
		close(d.done)
	}()

	return d
}

// drain copies until the stream ends. Read errors end the stream.
func drain(dst *CappedBuffer, src io.Reader) {
	if src == nil {
		return
	}
	_, _ = io.Copy(dst, src)
}

// Done is closed once both streams reached their end
func (d *Drain) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until both streams end or ctx is done. When ctx ends first the
// bytes captured so far are returned and complete is false.
func (d *Drain) Wait(ctx context.Context) (out Output, complete bool) {
	select {
	case <-d.done:
		complete = true
	case <-ctx.Done():
	}
	return d.Snapshot(), complete
}

// Snapshot returns what has been captured so far
func (d *Drain) Snapshot() Output {
	return Output{
		Stdout:          d.stdout.String(),
		StdoutTruncated: d.stdout.Truncated(),
		Stderr:          d.stderr.String(),
		StderrTruncated: d.stderr.Truncated(),
	}
}
