// Package metrics registers the router/node domain metric vectors spec.md
// §4.6/§4.7 name ("Emit request-count and latency-histogram metrics labeled
// by final status", "Node operators see counters and a per-nodeId failure
// gauge") onto the shared Prometheus registry httpmw.Observability already
// owns for its own HTTP-layer request-count/duration vectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// RouterMetrics are the router process's domain-specific counters/gauges,
// grounded on gateway/middleware/observability.go's vector-per-concern
// shape, narrowed to what spec.md §4.6/§4.8 names.
type RouterMetrics struct {
	NodeFailuresTotal      *prometheus.CounterVec
	ActiveNodes            prometheus.Gauge
	NoCandidatesTotal      *prometheus.CounterVec
	PaymentsSettledTotal   prometheus.Counter
	ReceiptsRejectedTotal  *prometheus.CounterVec
	FederationAuctionsTotal *prometheus.CounterVec
}

// RegisterRouter builds and registers the router's domain metrics against
// reg (typically (*httpmw.Observability).Registry()).
func RegisterRouter(reg *prometheus.Registry, prefix string) *RouterMetrics {
	if prefix == "" {
		prefix = "infermesh_router"
	}
	m := &RouterMetrics{
		NodeFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prefix,
			Name:      "node_failures_total",
			Help:      "Forwarding failures per node, incremented on markFailure.",
		}, []string{"node_id"}),
		ActiveNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: prefix,
			Name:      "active_nodes",
			Help:      "Nodes currently passing the heartbeat-freshness/cooldown filter.",
		}),
		NoCandidatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prefix,
			Name:      "scheduler_no_candidates_total",
			Help:      "Quote/infer requests that found no eligible node, by reason.",
		}, []string{"reason"}),
		PaymentsSettledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: prefix,
			Name:      "payments_settled_total",
			Help:      "Payment receipts accepted onto the client-facing ledger.",
		}),
		ReceiptsRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prefix,
			Name:      "payment_receipts_rejected_total",
			Help:      "Payment receipts rejected, by error kind.",
		}, []string{"kind"}),
		FederationAuctionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prefix,
			Name:      "federation_auctions_total",
			Help:      "Completed federation auctions, by outcome (awarded|no_bids).",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.NodeFailuresTotal,
		m.ActiveNodes,
		m.NoCandidatesTotal,
		m.PaymentsSettledTotal,
		m.ReceiptsRejectedTotal,
		m.FederationAuctionsTotal,
	)
	return m
}
