// Copyright 2025 Signal ID
//
// Prometheus instruments for the identity pipeline.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the sequencer's Prometheus instruments.
// A nil *Metrics is valid and records nothing, so tests can pass nil.
type Metrics struct {
	registry *prometheus.Registry

	IdentitiesQueued    prometheus.Counter
	DeletionsQueued     prometheus.Counter
	BatchesFormed       *prometheus.CounterVec
	BatchesSubmitted    prometheus.Counter
	BatchesMined        prometheus.Counter
	Reorgs              prometheus.Counter
	ProverLatency       *prometheus.HistogramVec
	PendingInsertions   prometheus.Gauge
	PendingDeletions    prometheus.Gauge
	TreeLeaves          prometheus.Gauge
	InclusionProofsServed prometheus.Counter
	ProofsVerified      *prometheus.CounterVec
}

// New creates and registers all instruments on a fresh registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		IdentitiesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequencer_identities_queued_total",
			Help: "Insertions accepted into the unprocessed queue",
		}),
		DeletionsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequencer_deletions_queued_total",
			Help: "Deletion requests accepted into the queue",
		}),
		BatchesFormed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequencer_batches_formed_total",
			Help: "Batches formed and persisted, by kind",
		}, []string{"kind"}),
		BatchesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequencer_batches_submitted_total",
			Help: "Batches handed to the relayer",
		}),
		BatchesMined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequencer_batches_mined_total",
			Help: "Batches confirmed mined on chain",
		}),
		Reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequencer_reorgs_total",
			Help: "Reorgs observed by the finalizer",
		}),
		ProverLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sequencer_prover_latency_seconds",
			Help:    "Prover round-trip latency, by kind",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"kind"}),
		PendingInsertions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sequencer_pending_insertions",
			Help: "Insertions waiting in the unprocessed queue",
		}),
		PendingDeletions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sequencer_pending_deletions",
			Help: "Deletion requests waiting in the queue",
		}),
		TreeLeaves: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sequencer_tree_leaves",
			Help: "Occupied leaves in the latest tree snapshot",
		}),
		InclusionProofsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequencer_inclusion_proofs_served_total",
			Help: "Inclusion proofs served to clients",
		}),
		ProofsVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequencer_semaphore_proofs_verified_total",
			Help: "Semaphore proof verifications, by outcome",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		m.IdentitiesQueued, m.DeletionsQueued, m.BatchesFormed, m.BatchesSubmitted,
		m.BatchesMined, m.Reorgs, m.ProverLatency, m.PendingInsertions,
		m.PendingDeletions, m.TreeLeaves, m.InclusionProofsServed, m.ProofsVerified,
	)
	return m
}

// Handler serves the registry in Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CountBatchFormed increments the formed counter for a kind
func (m *Metrics) CountBatchFormed(kind string) {
	if m == nil {
		return
	}
	m.BatchesFormed.WithLabelValues(kind).Inc()
}

// CountBatchSubmitted increments the submitted counter
func (m *Metrics) CountBatchSubmitted() {
	if m == nil {
		return
	}
	m.BatchesSubmitted.Inc()
}

// CountBatchMined increments the mined counter
func (m *Metrics) CountBatchMined() {
	if m == nil {
		return
	}
	m.BatchesMined.Inc()
}

// CountReorg increments the reorg counter
func (m *Metrics) CountReorg() {
	if m == nil {
		return
	}
	m.Reorgs.Inc()
}

// ObserveProverLatency records one prover round trip
func (m *Metrics) ObserveProverLatency(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.ProverLatency.WithLabelValues(kind).Observe(seconds)
}

// CountIdentityQueued increments the queued-insertion counter
func (m *Metrics) CountIdentityQueued() {
	if m == nil {
		return
	}
	m.IdentitiesQueued.Inc()
}

// CountDeletionQueued increments the queued-deletion counter
func (m *Metrics) CountDeletionQueued() {
	if m == nil {
		return
	}
	m.DeletionsQueued.Inc()
}

// CountInclusionProof increments the served-proof counter
func (m *Metrics) CountInclusionProof() {
	if m == nil {
		return
	}
	m.InclusionProofsServed.Inc()
}

// CountProofVerified increments the verification counter for an outcome
func (m *Metrics) CountProofVerified(outcome string) {
	if m == nil {
		return
	}
	m.ProofsVerified.WithLabelValues(outcome).Inc()
}
