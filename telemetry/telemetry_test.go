package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/isdmx/execbox/model"
)

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)

	sink.Emit(Event{Language: "java", Reason: model.ReasonCompleted, WallTime: time.Second})
	sink.Emit(Event{Language: "java", Reason: model.ReasonTimeout, WallTime: 2 * time.Second, Truncated: true})
	sink.Emit(Event{Language: "python", Reason: model.ReasonCompleted, SlotWait: time.Millisecond})

	assert.InDelta(t, 1, testutil.ToFloat64(sink.executions.WithLabelValues("java", "completed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(sink.executions.WithLabelValues("java", "timeout")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(sink.executions.WithLabelValues("python", "completed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(sink.truncated.WithLabelValues("java")), 0)
	assert.Equal(t, 2, testutil.CollectAndCount(sink.wallTime))

	count, err := testutil.GatherAndCount(reg, "execbox_slot_wait_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))

	sink.Emit(Event{SubmissionID: "s1", Language: "cpp", Reason: model.ReasonKilled, ExitCode: 137})

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "s1", fields["submission_id"])
	assert.Equal(t, "killed", fields["terminal_reason"])
	assert.Equal(t, int64(137), fields["exit_code"])
}

type recordingSink struct {
	events []Event
}

func (r *recordingSink) Emit(e Event) { r.events = append(r.events, e) }

func TestMulti(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	Multi{a, Nop{}, b}.Emit(Event{Language: "java"})
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}
