package batchoperations

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for batch operations.
type Metrics struct {
	Operations *prometheus.CounterVec   // Finished operations by tenant and final state
	Elements   *prometheus.CounterVec   // Processed elements by tenant, type and status
	Duration   *prometheus.HistogramVec // Operation processing time
	Queued     *prometheus.GaugeVec     // Operations waiting for the worker
}

// NewMetrics creates and registers batch operation metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sitewhere_batch_operations_total",
		Help: "Total number of finished batch operations",
	}, []string{"tenant", "state"})

	elements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sitewhere_batch_elements_total",
		Help: "Total number of processed batch operation elements",
	}, []string{"tenant", "type", "status"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sitewhere_batch_operation_duration_seconds",
		Help:    "Time taken to process a batch operation",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"tenant", "type"})

	queued := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sitewhere_batch_operations_queued",
		Help: "Number of batch operations waiting to be processed",
	}, []string{"tenant"})

	reg.MustRegister(operations)
	reg.MustRegister(elements)
	reg.MustRegister(duration)
	reg.MustRegister(queued)

	return &Metrics{
		Operations: operations,
		Elements:   elements,
		Duration:   duration,
		Queued:     queued,
	}
}

func (m *Metrics) observeElement(tenant, opType string, status ElementStatus) {
	if m == nil {
		return
	}
	m.Elements.WithLabelValues(tenant, opType, string(status)).Inc()
}

func (m *Metrics) observeOperation(tenant, opType string, state OperationState, d time.Duration) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(tenant, string(state)).Inc()
	m.Duration.WithLabelValues(tenant, opType).Observe(d.Seconds())
}

func (m *Metrics) setQueued(tenant string, n int) {
	if m == nil {
		return
	}
	m.Queued.WithLabelValues(tenant).Set(float64(n))
}
