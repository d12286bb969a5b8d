package eventsources

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Event outcomes.
const (
	ResultForwarded    = "forwarded"
	ResultUnregistered = "unregistered"
	ResultFailed       = "failed"
	ResultDropped      = "dropped"
	ResultRejected     = "rejected"
)

// Metrics holds Prometheus metrics for event sources.
type Metrics struct {
	Events  *prometheus.CounterVec // Events by tenant, source and outcome
	Pending *prometheus.GaugeVec   // Events waiting to be forwarded
}

// NewMetrics creates and registers event source metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sitewhere_event_source_events_total",
		Help: "Total number of events handled by event sources",
	}, []string{"tenant", "source", "result"})

	pending := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sitewhere_event_source_pending_events",
		Help: "Number of received events waiting to be forwarded",
	}, []string{"tenant", "source"})

	reg.MustRegister(events)
	reg.MustRegister(pending)

	return &Metrics{
		Events:  events,
		Pending: pending,
	}
}

func (m *Metrics) observe(tenant, source, result string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(tenant, source, result).Inc()
}

func (m *Metrics) setPending(tenant, source string, n int) {
	if m == nil {
		return
	}
	m.Pending.WithLabelValues(tenant, source).Set(float64(n))
}
