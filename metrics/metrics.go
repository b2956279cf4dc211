// Package metrics registers the process-wide Prometheus collectors served
// at /metrics (§5, "Process-wide state is limited to: ... (c) metrics
// registries").
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every named collector the server exposes.
type Registry struct {
	reg *prometheus.Registry

	POWSubmissions   *prometheus.CounterVec
	SearchRequests   prometheus.Counter
	SearchLatency    prometheus.Histogram
	CacheHits        *prometheus.CounterVec
	ChainsMinted     prometheus.Counter
	ChainsCompleted  *prometheus.CounterVec
}

// New builds and registers a fresh Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		POWSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kairos_pow_submissions_total",
			Help: "Proof-of-work submissions by result.",
		}, []string{"result"}),
		SearchRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kairos_search_requests_total",
			Help: "Total smart_search calls.",
		}),
		SearchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kairos_search_latency_seconds",
			Help:    "smart_search end-to-end latency.",
			Buckets: prometheus.DefBuckets,
		}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kairos_cache_hits_total",
			Help: "Cache hits by cache name (memory|search).",
		}, []string{"cache"}),
		ChainsMinted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kairos_chains_minted_total",
			Help: "Total chains minted via kairos_mint.",
		}),
		ChainsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kairos_chains_completed_total",
			Help: "Chains finalized via kairos_attest, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		r.POWSubmissions,
		r.SearchRequests,
		r.SearchLatency,
		r.CacheHits,
		r.ChainsMinted,
		r.ChainsCompleted,
	)
	return r
}

// Gatherer exposes the underlying registry to an HTTP handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ObservePOWResult records a proof-of-work submission outcome.
func (r *Registry) ObservePOWResult(result string) {
	r.POWSubmissions.WithLabelValues(result).Inc()
}

// ObserveCacheHit records a cache hit for the named cache.
func (r *Registry) ObserveCacheHit(cacheName string) {
	r.CacheHits.WithLabelValues(cacheName).Inc()
}

// ObserveChainCompleted records a chain finalization outcome.
func (r *Registry) ObserveChainCompleted(outcome string) {
	r.ChainsCompleted.WithLabelValues(outcome).Inc()
}
