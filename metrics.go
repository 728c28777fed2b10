package sgdb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are registered per handle so several databases can be open in
// one process.
type metrics struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	queueDepth *prometheus.GaugeVec
	resizes    prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &metrics{
		registry: reg,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sgdb_dispatch_operations_total",
			Help: "Dispatched operations by kind and result",
		}, []string{"kind", "result"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sgdb_dispatch_duration_seconds",
			Help:    "Operation run time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 16),
		}, []string{"kind"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sgdb_dispatch_queue_depth",
			Help: "Operations waiting in the queue of each kind",
		}, []string{"kind"}),
		resizes: factory.NewCounter(prometheus.CounterOpts{
			Name: "sgdb_resize_total",
			Help: "Completed resizes",
		}),
	}
}

func (m *metrics) observe(kind Kind, seconds float64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(kind.String(), result).Inc()
	m.duration.WithLabelValues(kind.String()).Observe(seconds)
}
