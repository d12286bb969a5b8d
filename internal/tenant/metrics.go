package tenant

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aiyumi19960310/sitewhere/internal/lifecycle"
)

// Metrics holds Prometheus metrics for tenant engines.
type Metrics struct {
	Engines *prometheus.GaugeVec // Registered engines by microservice and state
}

// NewMetrics creates and registers tenant engine metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	engines := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sitewhere_tenant_engines",
		Help: "Number of tenant engines by lifecycle state",
	}, []string{"microservice", "state"})

	reg.MustRegister(engines)

	return &Metrics{Engines: engines}
}

func (m *Metrics) update(microservice string, engines []*Engine) {
	if m == nil {
		return
	}
	counts := make(map[lifecycle.State]int)
	for _, e := range engines {
		counts[e.State()]++
	}
	for s := lifecycle.StateCreated; s <= lifecycle.StateTerminated; s++ {
		m.Engines.WithLabelValues(microservice, s.String()).Set(float64(counts[s]))
	}
}
