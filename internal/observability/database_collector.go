package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/daimoniac/vulnhash/internal/statestore"
	"github.com/daimoniac/vulnhash/internal/types"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	dbCollectorOnce     sync.Once
	dbCollectorInstance *DatabaseCollector
)

// StatsSource is the part of the store the collector reads
type StatsSource interface {
	Stats(ctx context.Context) (statestore.Stats, error)
}

// CacheSizer reports the number of cached lookup results
type CacheSizer interface {
	Len() (int, error)
}

// DatabaseCollector collects metrics from the database on-demand when /metrics is scraped
type DatabaseCollector struct {
	store       StatsSource
	cache       CacheSizer // optional
	tolerations []types.CVEToleration
	logger      *slog.Logger
	now         func() time.Time

	recordsDesc             *prometheus.Desc
	fileHashesDesc          *prometheus.Desc
	cveRowsDesc             *prometheus.Desc
	cacheEntriesDesc        *prometheus.Desc
	expiredTolerationsDesc  *prometheus.Desc
	expiringTolerationsDesc *prometheus.Desc
	tolerationsNoExpiryDesc *prometheus.Desc
}

// NewDatabaseCollector creates a new database metrics collector
func NewDatabaseCollector(store StatsSource, cache CacheSizer, tolerations []types.CVEToleration, logger *slog.Logger) *DatabaseCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &DatabaseCollector{
		store:       store,
		cache:       cache,
		tolerations: tolerations,
		logger:      logger,
		now:         time.Now,
		recordsDesc: prometheus.NewDesc(
			"vulnhash_records",
			"Current number of vulnerability records",
			nil, nil,
		),
		fileHashesDesc: prometheus.NewDesc(
			"vulnhash_file_hashes",
			"Current number of file hashes across all records",
			nil, nil,
		),
		cveRowsDesc: prometheus.NewDesc(
			"vulnhash_cve_rows",
			"Current number of record to CVE associations",
			nil, nil,
		),
		cacheEntriesDesc: prometheus.NewDesc(
			"vulnhash_cache_entries",
			"Current number of cached lookup results",
			nil, nil,
		),
		expiredTolerationsDesc: prometheus.NewDesc(
			"vulnhash_expired_tolerations",
			"Number of configured tolerations that have expired",
			nil, nil,
		),
		expiringTolerationsDesc: prometheus.NewDesc(
			"vulnhash_expiring_tolerations_soon",
			"Number of configured tolerations expiring within 7 days",
			nil, nil,
		),
		tolerationsNoExpiryDesc: prometheus.NewDesc(
			"vulnhash_tolerations_without_expiry",
			"Number of configured tolerations without an expiry date",
			nil, nil,
		),
	}
}

// RegisterDatabaseCollector registers the database collector exactly once
func RegisterDatabaseCollector(store StatsSource, cache CacheSizer, tolerations []types.CVEToleration, logger *slog.Logger) {
	dbCollectorOnce.Do(func() {
		dbCollectorInstance = NewDatabaseCollector(store, cache, tolerations, logger)
		prometheus.MustRegister(dbCollectorInstance)
		dbCollectorInstance.logger.Info("database metrics collector registered")
	})
}

// Describe sends the metric descriptors to the provided channel
func (c *DatabaseCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.recordsDesc
	ch <- c.fileHashesDesc
	ch <- c.cveRowsDesc
	ch <- c.cacheEntriesDesc
	ch <- c.expiredTolerationsDesc
	ch <- c.expiringTolerationsDesc
	ch <- c.tolerationsNoExpiryDesc
}

// Collect queries the database and sends current metrics to the provided channel
func (c *DatabaseCollector) Collect(ch chan<- prometheus.Metric) {
	// A sync holding the write lock should not hang the scrape
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c.collectStoreStats(ctx, ch)
	c.collectCacheEntries(ch)
	c.collectTolerationExpiry(ch)
}

func (c *DatabaseCollector) collectStoreStats(ctx context.Context, ch chan<- prometheus.Metric) {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.logger.Debug("store metrics collection timed out", "error", err)
		} else {
			c.logger.Error("failed to collect store metrics", "error", err)
		}
		return
	}

	ch <- prometheus.MustNewConstMetric(c.recordsDesc, prometheus.GaugeValue, float64(stats.Records))
	ch <- prometheus.MustNewConstMetric(c.fileHashesDesc, prometheus.GaugeValue, float64(stats.FileHashes))
	ch <- prometheus.MustNewConstMetric(c.cveRowsDesc, prometheus.GaugeValue, float64(stats.CVEs))
}

func (c *DatabaseCollector) collectCacheEntries(ch chan<- prometheus.Metric) {
	if c.cache == nil {
		return
	}
	n, err := c.cache.Len()
	if err != nil {
		c.logger.Warn("failed to count cache entries", "error", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.cacheEntriesDesc, prometheus.GaugeValue, float64(n))
}

// collectTolerationExpiry reports expired, expiring-soon and open-ended tolerations
func (c *DatabaseCollector) collectTolerationExpiry(ch chan<- prometheus.Metric) {
	now := c.now()
	soon := now.Add(7 * 24 * time.Hour)

	var expired, expiring, noExpiry int
	for _, t := range c.tolerations {
		if t.ExpiresAt == nil {
			noExpiry++
			continue
		}
		expiresAt := time.Unix(*t.ExpiresAt, 0)
		switch {
		case expiresAt.Before(now):
			expired++
		case !expiresAt.After(soon):
			expiring++
		}
	}

	ch <- prometheus.MustNewConstMetric(c.expiredTolerationsDesc, prometheus.GaugeValue, float64(expired))
	ch <- prometheus.MustNewConstMetric(c.expiringTolerationsDesc, prometheus.GaugeValue, float64(expiring))
	ch <- prometheus.MustNewConstMetric(c.tolerationsNoExpiryDesc, prometheus.GaugeValue, float64(noExpiry))
}
