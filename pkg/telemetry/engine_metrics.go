package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Cache names used as label values.
const (
	CacheNoPolicy  = "no_policy"
	CacheSource    = "source_chain"
	CacheOperation = "operation_chain"
)

// EngineMetrics exposes prometheus collectors for the policy instance cache and the
// source pipelines.
//
// Metrics:
//   - intercept_cache_hits_total: lookups answered from cache, by cache name
//   - intercept_cache_misses_total: lookups that materialized a chain, by cache name
//   - intercept_cache_entries: current entries, by cache name
//   - intercept_cache_evictions_total: entries disposed by invalidation, by cache name
//   - intercept_cache_invalidations_total: bulk invalidations
//   - intercept_pipeline_queue_depth: queued source executions, by pipeline
type EngineMetrics struct {
	hitsTotal          *prometheus.CounterVec
	missesTotal        *prometheus.CounterVec
	entries            *prometheus.GaugeVec
	evictionsTotal     *prometheus.CounterVec
	invalidationsTotal prometheus.Counter
	queueDepth         *prometheus.GaugeVec
}

// NewEngineMetrics creates and registers the engine collectors with the provided registerer.
// A nil registerer yields unregistered collectors, which tests use freely.
func NewEngineMetrics(registerer prometheus.Registerer) *EngineMetrics {
	cm := &EngineMetrics{
		hitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "intercept",
				Name:      "cache_hits_total",
				Help:      "Total number of policy cache hits",
			},
			[]string{"cache"},
		),
		missesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "intercept",
				Name:      "cache_misses_total",
				Help:      "Total number of policy cache misses",
			},
			[]string{"cache"},
		),
		entries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "intercept",
				Name:      "cache_entries",
				Help:      "Current number of entries in the policy cache",
			},
			[]string{"cache"},
		),
		evictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "intercept",
				Name:      "cache_evictions_total",
				Help:      "Total number of policy cache entries disposed by invalidation",
			},
			[]string{"cache"},
		),
		invalidationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "intercept",
				Name:      "cache_invalidations_total",
				Help:      "Total number of bulk policy cache invalidations",
			},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "intercept",
				Name:      "pipeline_queue_depth",
				Help:      "Source executions waiting on a pipeline",
			},
			[]string{"pipeline"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			cm.hitsTotal,
			cm.missesTotal,
			cm.entries,
			cm.evictionsTotal,
			cm.invalidationsTotal,
			cm.queueDepth,
		)
	}

	return cm
}

// RecordHit records a cache hit.
func (cm *EngineMetrics) RecordHit(cache string) {
	if cm == nil {
		return
	}
	cm.hitsTotal.WithLabelValues(cache).Inc()
}

// RecordMiss records a cache miss.
func (cm *EngineMetrics) RecordMiss(cache string) {
	if cm == nil {
		return
	}
	cm.missesTotal.WithLabelValues(cache).Inc()
}

// SetEntries sets the current entry count of a cache.
func (cm *EngineMetrics) SetEntries(cache string, n int) {
	if cm == nil {
		return
	}
	cm.entries.WithLabelValues(cache).Set(float64(n))
}

// RecordInvalidation records one bulk invalidation and the entries it evicted.
func (cm *EngineMetrics) RecordInvalidation(evicted map[string]int) {
	if cm == nil {
		return
	}
	cm.invalidationsTotal.Inc()
	for cache, n := range evicted {
		cm.evictionsTotal.WithLabelValues(cache).Add(float64(n))
		cm.entries.WithLabelValues(cache).Set(0)
	}
}

// QueueDepth returns the gauge tracking one pipeline's backlog.
func (cm *EngineMetrics) QueueDepth(pipeline string) prometheus.Gauge {
	if cm == nil {
		return nil
	}
	return cm.queueDepth.WithLabelValues(pipeline)
}
