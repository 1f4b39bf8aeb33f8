package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can take it as an optional dependency.
type Metrics struct {
	registry *prometheus.Registry

	// Search metrics
	SearchesTotal  *prometheus.CounterVec
	SearchDuration *prometheus.HistogramVec

	// Index metrics
	IndexOperationsTotal *prometheus.CounterVec
	IndexCacheLookups    *prometheus.CounterVec

	// Reindex metrics
	ReindexQueueDepth    prometheus.Gauge
	ReindexedTotal       *prometheus.CounterVec
	RebuildFailuresTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,

		SearchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locsearch_searches_total",
				Help: "Total number of search requests",
			},
			[]string{"outcome"},
		),
		SearchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "locsearch_search_duration_seconds",
				Help:    "Search execution time in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		IndexOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locsearch_index_operations_total",
				Help: "Total number of index write operations",
			},
			[]string{"operation", "outcome"},
		),
		IndexCacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locsearch_index_cache_lookups_total",
				Help: "Document cache lookups by result",
			},
			[]string{"result"},
		),

		ReindexQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "locsearch_reindex_queue_depth",
				Help: "Locations waiting to be re-projected",
			},
		),
		ReindexedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locsearch_reindexed_total",
				Help: "Total number of location re-projections",
			},
			[]string{"action", "outcome"},
		),
		RebuildFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "locsearch_rebuild_failures_total",
				Help: "Locations that failed to project during a full rebuild",
			},
		),
	}

	registry.MustRegister(
		m.SearchesTotal,
		m.SearchDuration,
		m.IndexOperationsTotal,
		m.IndexCacheLookups,
		m.ReindexQueueDepth,
		m.ReindexedTotal,
		m.RebuildFailuresTotal,
	)

	return m
}

// ObserveSearch records one search execution
func (m *Metrics) ObserveSearch(err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := outcomeOf(err)
	m.SearchesTotal.WithLabelValues(outcome).Inc()
	m.SearchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// IndexOperation records one index write (upsert, remove, rebuild)
func (m *Metrics) IndexOperation(op string, err error) {
	if m == nil {
		return
	}
	m.IndexOperationsTotal.WithLabelValues(op, outcomeOf(err)).Inc()
}

// CacheLookup records a document cache hit or miss
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.IndexCacheLookups.WithLabelValues(result).Inc()
}

// SetQueueDepth reports the number of pending re-projections
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.ReindexQueueDepth.Set(float64(n))
}

// Reindexed records one re-projection. action is "upsert" or "remove".
func (m *Metrics) Reindexed(action string, err error) {
	if m == nil {
		return
	}
	m.ReindexedTotal.WithLabelValues(action, outcomeOf(err)).Inc()
}

// RebuildFailed adds n per-location rebuild failures
func (m *Metrics) RebuildFailed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RebuildFailuresTotal.Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcomeOf(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
