package core

// metrics.go exposes the node's operational counters as Prometheus gauges
// and counters, scraped via the admin router's /metrics endpoint rather
// than pushed, matching how an operator already polls /status.

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the node's Prometheus collectors. One instance per node;
// registered against a private registry so multiple nodes in the same
// process (as in tests) don't collide on the default global registry.
type Metrics struct {
	registry *prometheus.Registry

	QueueDepth      prometheus.Gauge
	BatchesBuilt    prometheus.Counter
	BatchesSettled  prometheus.Counter
	SignerFailovers prometheus.Counter
	RecoveryActions prometheus.Counter
	RaftTerm        prometheus.Gauge
}

// NewMetrics builds and registers a fresh metrics set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sequencer_queue_depth", Help: "Number of transactions currently queued.",
		}),
		BatchesBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequencer_batches_built_total", Help: "Batches built and proposed to the replicated log.",
		}),
		BatchesSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequencer_batches_settled_total", Help: "Batches accepted by a destination chain's mempool.",
		}),
		SignerFailovers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequencer_signer_failovers_total", Help: "Signing provider failovers across the primary/secondary/emergency chain.",
		}),
		RecoveryActions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequencer_recovery_actions_total", Help: "Recovery strategies executed by the supervisor.",
		}),
		RaftTerm: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sequencer_raft_term", Help: "Current Raft term observed by this node.",
		}),
	}
	reg.MustRegister(m.QueueDepth, m.BatchesBuilt, m.BatchesSettled, m.SignerFailovers, m.RecoveryActions, m.RaftTerm)
	return m
}

// Handler returns the http.Handler serving this node's metrics in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
