package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// Sync metrics
	SyncRunsTotal      *prometheus.CounterVec
	SyncRetries        prometheus.Counter
	SyncRecordsAdded   prometheus.Counter
	SyncRecordsRemoved prometheus.Counter
	SyncDuration       prometheus.Histogram
	SyncLastSuccess    prometheus.Gauge

	// Lookup metrics
	LookupsTotal   *prometheus.CounterVec
	LookupDuration *prometheus.HistogramVec
	VulnerableHits *prometheus.CounterVec

	// Cache metrics
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	CacheErrors *prometheus.CounterVec
	CachePurges prometheus.Counter

	// Policy metrics
	PolicyPassed  prometheus.Counter
	PolicyFailed  prometheus.Counter
	ToleratedCVEs prometheus.Counter

	// API metrics
	APIRequests *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			// Sync metrics
			SyncRunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vulnhash_sync_runs_total",
					Help: "Total number of synchronization runs by outcome",
				},
				[]string{"status"}, // success, failure
			),
			SyncRetries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "vulnhash_sync_retries_total",
				Help: "Total number of sync attempts retried after a transient error",
			}),
			SyncRecordsAdded: promauto.NewCounter(prometheus.CounterOpts{
				Name: "vulnhash_sync_records_added_total",
				Help: "Total number of records inserted by synchronization",
			}),
			SyncRecordsRemoved: promauto.NewCounter(prometheus.CounterOpts{
				Name: "vulnhash_sync_records_removed_total",
				Help: "Total number of records deleted by synchronization",
			}),
			SyncDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "vulnhash_sync_duration_seconds",
				Help:    "Duration of synchronization runs in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
			}),
			SyncLastSuccess: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "vulnhash_sync_last_success_timestamp_seconds",
				Help: "Unix time of the last successful synchronization",
			}),

			// Lookup metrics
			LookupsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vulnhash_lookups_total",
					Help: "Total number of lookups by kind",
				},
				[]string{"kind"}, // artifact, hash, properties, embedded
			),
			LookupDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "vulnhash_lookup_duration_seconds",
					Help:    "Duration of lookups in seconds",
					Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
				},
				[]string{"kind"},
			),
			VulnerableHits: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vulnhash_vulnerable_lookups_total",
					Help: "Total number of lookups that returned at least one CVE",
				},
				[]string{"kind"},
			),

			// Cache metrics
			CacheHits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "vulnhash_cache_hits_total",
				Help: "Total number of result cache hits",
			}),
			CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
				Name: "vulnhash_cache_misses_total",
				Help: "Total number of result cache misses",
			}),
			CacheErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vulnhash_cache_errors_total",
					Help: "Total number of result cache I/O errors by operation",
				},
				[]string{"op"}, // get, add, purge
			),
			CachePurges: promauto.NewCounter(prometheus.CounterOpts{
				Name: "vulnhash_cache_purges_total",
				Help: "Total number of result cache purges",
			}),

			// Policy metrics
			PolicyPassed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "vulnhash_policy_passed_total",
				Help: "Total number of lookups that passed policy evaluation",
			}),
			PolicyFailed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "vulnhash_policy_failed_total",
				Help: "Total number of lookups that failed policy evaluation",
			}),
			ToleratedCVEs: promauto.NewCounter(prometheus.CounterOpts{
				Name: "vulnhash_tolerated_cves_total",
				Help: "Total number of CVEs that were tolerated",
			}),

			// API metrics
			APIRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vulnhash_api_requests_total",
					Help: "Total number of API requests by route and status code",
				},
				[]string{"route", "code"},
			),
		}
	})
	return metricsInstance
}
