package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/model"
)

// Event describes one finished execution
type Event struct {
	SubmissionID string
	Language     string
	Reason       model.TerminalReason
	ExitCode     int
	WallTime     time.Duration
	SlotWait     time.Duration
	Truncated    bool
}

// Sink receives execution events. Emit must not block for long.
type Sink interface {
	Emit(Event)
}

// LogSink writes events to a zap logger
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink logging at info level
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(e Event) {
	s.logger.Info("Execution finished",
		zap.String("submission_id", e.SubmissionID),
		zap.String("language", e.Language),
		zap.String("terminal_reason", string(e.Reason)),
		zap.Int("exit_code", e.ExitCode),
		zap.Duration("wall_time", e.WallTime),
		zap.Duration("slot_wait", e.SlotWait),
		zap.Bool("truncated", e.Truncated),
	)
}

// PrometheusSink records events as metrics
type PrometheusSink struct {
	executions *prometheus.CounterVec
	wallTime   *prometheus.HistogramVec
	slotWait   prometheus.Histogram
	truncated  *prometheus.CounterVec
}

// NewPrometheusSink registers the execution metrics with reg
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	factory := promauto.With(reg)
	return &PrometheusSink{
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execbox",
			Name:      "executions_total",
			Help:      "Finished executions by language and terminal reason.",
		}, []string{"language", "reason"}),
		wallTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "execbox",
			Name:      "execution_wall_seconds",
			Help:      "Wall time of executions.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"language"}),
		slotWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "execbox",
			Name:      "slot_wait_seconds",
			Help:      "Time spent waiting for an execution slot.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		truncated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execbox",
			Name:      "output_truncated_total",
			Help:      "Executions whose output exceeded the cap.",
		}, []string{"language"}),
	}
}

func (s *PrometheusSink) Emit(e Event) {
	s.executions.WithLabelValues(e.Language, string(e.Reason)).Inc()
	s.wallTime.WithLabelValues(e.Language).Observe(e.WallTime.Seconds())
	s.slotWait.Observe(e.SlotWait.Seconds())
	if e.Truncated {
		s.truncated.WithLabelValues(e.Language).Inc()
	}
}

// Multi fans events out to every sink
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Nop discards events
type Nop struct{}

func (Nop) Emit(Event) {}
