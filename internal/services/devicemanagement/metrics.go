package devicemanagement

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for device management.
type Metrics struct {
	CacheLookups *prometheus.CounterVec // Device cache lookups by tenant and result
	Registered   *prometheus.CounterVec // Devices registered by tenant
}

// NewMetrics creates and registers device management metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sitewhere_device_cache_lookups_total",
		Help: "Total number of device cache lookups",
	}, []string{"tenant", "result"})

	registered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sitewhere_devices_registered_total",
		Help: "Total number of devices registered",
	}, []string{"tenant"})

	reg.MustRegister(lookups)
	reg.MustRegister(registered)

	return &Metrics{
		CacheLookups: lookups,
		Registered:   registered,
	}
}

func (m *Metrics) observeLookup(tenant string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(tenant, result).Inc()
}

func (m *Metrics) observeRegistered(tenant string) {
	if m == nil {
		return
	}
	m.Registered.WithLabelValues(tenant).Inc()
}
