package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsMonitor turns progress events into Prometheus metrics.
type MetricsMonitor struct {
	Transitions *prometheus.CounterVec   // Completed transitions by component, phase and outcome
	Durations   *prometheus.HistogramVec // Transition duration by phase
}

// NewMetricsMonitor creates and registers lifecycle metrics with reg.
func NewMetricsMonitor(reg prometheus.Registerer) *MetricsMonitor {
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sitewhere_lifecycle_transitions_total",
		Help: "Total number of completed lifecycle transitions",
	}, []string{"component", "phase", "outcome"})

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sitewhere_lifecycle_transition_duration_seconds",
		Help:    "Duration of lifecycle transitions",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	reg.MustRegister(transitions)
	reg.MustRegister(durations)

	return &MetricsMonitor{
		Transitions: transitions,
		Durations:   durations,
	}
}

func (m *MetricsMonitor) Report(event ProgressEvent) {
	if event.Outcome == OutcomeBegin {
		return
	}
	m.Transitions.WithLabelValues(event.Component, event.Phase.String(), event.Outcome.String()).Inc()
	m.Durations.WithLabelValues(event.Phase.String()).Observe(event.Duration.Seconds())
}
