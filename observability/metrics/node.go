package metrics

import "github.com/prometheus/client_golang/prometheus"

// NodeMetrics are the node process's domain-specific counters/gauges,
// narrowed from gateway/middleware/observability.go's vector-per-concern
// shape to what spec.md §4.7's closing paragraph names.
type NodeMetrics struct {
	InFlight               prometheus.Gauge
	CapacityExhaustedTotal prometheus.Counter
	RunnerTimeoutsTotal    prometheus.Counter
	PaymentRejectionsTotal *prometheus.CounterVec
}

// RegisterNode builds and registers the node's domain metrics against reg
// (typically (*httpmw.Observability).Registry()).
func RegisterNode(reg *prometheus.Registry, prefix string) *NodeMetrics {
	if prefix == "" {
		prefix = "infermesh_node"
	}
	m := &NodeMetrics{
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: prefix,
			Name:      "in_flight_requests",
			Help:      "Inference requests currently admitted and not yet completed.",
		}),
		CapacityExhaustedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: prefix,
			Name:      "capacity_exhausted_total",
			Help:      "Requests rejected with capacity-exhausted.",
		}),
		RunnerTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: prefix,
			Name:      "runner_timeouts_total",
			Help:      "Runner calls that exceeded maxInferenceMs.",
		}),
		PaymentRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prefix,
			Name:      "payment_rejections_total",
			Help:      "Payment-gated /infer rejections, by error kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.InFlight,
		m.CapacityExhaustedTotal,
		m.RunnerTimeoutsTotal,
		m.PaymentRejectionsTotal,
	)
	return m
}
