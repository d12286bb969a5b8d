package lifecycle

import (
	"sync"
	"time"

	"github.com/aiyumi19960310/sitewhere/internal/logging"
)

// Outcome is the result carried by a progress event.
type Outcome int

const (
	OutcomeBegin Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBegin:
		return "begin"
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// ProgressEvent describes one component entering or leaving a phase.
type ProgressEvent struct {
	Step      string
	Component string
	Phase     Phase
	Outcome   Outcome
	Err       error
	Duration  time.Duration
	Time      time.Time
}

// ProgressMonitor receives progress events. Monitors are observational only
// and must not block.
type ProgressMonitor interface {
	Report(event ProgressEvent)
}

// MonitorFunc adapts a function to ProgressMonitor.
type MonitorFunc func(event ProgressEvent)

func (f MonitorFunc) Report(event ProgressEvent) {
	f(event)
}

// NopMonitor discards all events.
var NopMonitor ProgressMonitor = MonitorFunc(func(ProgressEvent) {})

func orNop(m ProgressMonitor) ProgressMonitor {
	if m == nil {
		return NopMonitor
	}
	return m
}

// WithStep returns a monitor that stamps every event with the given step name
// before forwarding it.
func WithStep(m ProgressMonitor, step string) ProgressMonitor {
	m = orNop(m)
	return MonitorFunc(func(event ProgressEvent) {
		event.Step = step
		m.Report(event)
	})
}

// Monitors fans events out to every non-nil monitor in order.
func Monitors(monitors ...ProgressMonitor) ProgressMonitor {
	var list []ProgressMonitor
	for _, m := range monitors {
		if m != nil {
			list = append(list, m)
		}
	}
	return MonitorFunc(func(event ProgressEvent) {
		for _, m := range list {
			m.Report(event)
		}
	})
}

// LoggingMonitor writes progress events to a logger.
type LoggingMonitor struct {
	logger *logging.Logger
}

// NewLoggingMonitor creates a monitor logging to the given logger, or to
// "lifecycle.progress" when logger is nil.
func NewLoggingMonitor(logger *logging.Logger) *LoggingMonitor {
	if logger == nil {
		logger = logging.GetLogger("lifecycle.progress")
	}
	return &LoggingMonitor{logger: logger}
}

func (m *LoggingMonitor) Report(event ProgressEvent) {
	fields := []logging.LogField{
		logging.Field("step", event.Step),
		logging.Field("component", event.Component),
		logging.Field("phase", event.Phase.String()),
	}
	switch event.Outcome {
	case OutcomeBegin:
		m.logger.DebugWithFields("Entering phase", fields...)
	case OutcomeSuccess:
		fields = append(fields, logging.Field("duration_ms", event.Duration.Milliseconds()))
		m.logger.InfoWithFields("Phase completed", fields...)
	case OutcomeFailure:
		fields = append(fields,
			logging.Field("duration_ms", event.Duration.Milliseconds()),
			logging.Field("error", errString(event.Err)))
		m.logger.WarnWithFields("Phase failed", fields...)
	}
}

// RecordingMonitor keeps the most recent events in memory.
type RecordingMonitor struct {
	mu     sync.Mutex
	limit  int
	events []ProgressEvent
}

// NewRecordingMonitor keeps at most limit events; limit <= 0 means unbounded.
func NewRecordingMonitor(limit int) *RecordingMonitor {
	return &RecordingMonitor{limit: limit}
}

func (m *RecordingMonitor) Report(event ProgressEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = append([]ProgressEvent(nil), m.events[len(m.events)-m.limit:]...)
	}
}

// Events returns a copy of the recorded events, oldest first.
func (m *RecordingMonitor) Events() []ProgressEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProgressEvent, len(m.events))
	copy(out, m.events)
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
