package demux

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for API channels.
type Metrics struct {
	ProbeAttempts *prometheus.CounterVec // Probe attempts by target and result
	Available     *prometheus.GaugeVec   // 1 when the target API is available
}

// NewMetrics creates and registers API channel metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	probeAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sitewhere_api_probe_attempts_total",
		Help: "Total number of API availability probes",
	}, []string{"target", "result"})

	available := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sitewhere_api_available",
		Help: "Whether the target API is currently available",
	}, []string{"target"})

	reg.MustRegister(probeAttempts)
	reg.MustRegister(available)

	return &Metrics{
		ProbeAttempts: probeAttempts,
		Available:     available,
	}
}

func (m *Metrics) observeProbe(target string, err error) {
	if m == nil {
		return
	}
	result := "success"
	switch {
	case err == nil:
	case isPermanentProbeError(err):
		result = "permanent"
	default:
		result = "transient"
	}
	m.ProbeAttempts.WithLabelValues(target, result).Inc()
}

func (m *Metrics) setAvailability(target string, a Availability) {
	if m == nil {
		return
	}
	v := 0.0
	if a == AvailabilityAvailable {
		v = 1
	}
	m.Available.WithLabelValues(target).Set(v)
}
