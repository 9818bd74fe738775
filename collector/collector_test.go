package collector

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStreams struct {
	stdout io.Reader
	stderr io.Reader
}

func (f fakeStreams) Stdout() io.Reader { return f.stdout }
func (f fakeStreams) Stderr() io.Reader { return f.stderr }

func TestCappedBuffer(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		writes    []string
		want      string
		truncated bool
	}{
		{name: "UnderLimit", limit: 10, writes: []string{"abc", "def"}, want: "abcdef"},
		{name: "ExactlyAtLimit", limit: 6, writes: []string{"abc", "def"}, want: "abcdef"},
		{name: "SplitWrite", limit: 4, writes: []string{"abc", "def"}, want: "abcd", truncated: true},
		{name: "AfterFull", limit: 3, writes: []string{"abc", "d"}, want: "abc", truncated: true},
		{name: "ZeroLimit", limit: 0, writes: []string{"x"}, want: "", truncated: true},
		{name: "EmptyWrite", limit: 0, writes: []string{""}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewCappedBuffer(tt.limit)
			for _, w := range tt.writes {
				n, err := b.Write([]byte(w))
				require.NoError(t, err)
				assert.Equal(t, len(w), n)
			}
			assert.Equal(t, tt.want, b.String())
			assert.Equal(t, tt.truncated, b.Truncated())
			assert.LessOrEqual(t, b.Len(), tt.limit)
		})
	}
}

func TestDrainCapturesBothStreams(t *testing.T) {
	d := Start(fakeStreams{
		stdout: strings.NewReader("hello\n"),
		stderr: strings.NewReader("warning\n"),
	}, 1024)

	out, complete := d.Wait(context.Background())
	assert.True(t, complete)
	assert.Equal(t, "hello\n", out.Stdout)
	assert.Equal(t, "warning\n", out.Stderr)
	assert.False(t, out.StdoutTruncated)
	assert.False(t, out.StderrTruncated)
}

func TestDrainTruncatesAndKeepsReading(t *testing.T) {
	big := strings.Repeat("x", 1<<20)
	r, w := io.Pipe()
	go func() {
		_, _ = io.WriteString(w, big)
		w.Close()
	}()

	d := Start(fakeStreams{stdout: r, stderr: strings.NewReader("")}, 100)
	out, complete := d.Wait(context.Background())

	// The writer finished, so the whole stream was consumed past the cap.
	assert.True(t, complete)
	assert.Len(t, out.Stdout, 100)
	assert.True(t, out.StdoutTruncated)
	assert.Empty(t, out.Stderr)
}

func TestDrainWaitReturnsSnapshotOnDeadline(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()

	d := Start(fakeStreams{stdout: r, stderr: strings.NewReader("")}, 1024)
	_, err := io.WriteString(w, "partial")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out, complete := d.Wait(ctx)
	assert.False(t, complete)
	assert.Equal(t, "partial", out.Stdout)

	w.CloseWithError(io.ErrClosedPipe)
	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("drain did not finish after stream closed")
	}
}

func TestDrainNilStream(t *testing.T) {
	d := Start(fakeStreams{stdout: strings.NewReader("ok")}, 10)
	out, complete := d.Wait(context.Background())
	assert.True(t, complete)
	assert.Equal(t, "ok", out.Stdout)
}
