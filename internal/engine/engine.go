// Package engine ties the vulnerability store, the result cache and the
// syncer together behind the operations callers use: artifact lookups,
// synchronization and cache maintenance. An Engine owns all of its state;
// nothing is kept in package globals.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/daimoniac/vulnhash/internal/observability"
	"github.com/daimoniac/vulnhash/internal/statestore"
	"github.com/daimoniac/vulnhash/internal/syncer"
	"github.com/daimoniac/vulnhash/internal/types"
)

// Lookup kinds, used as metric labels
const (
	KindArtifact   = "artifact"
	KindHash       = "hash"
	KindProperties = "properties"
	KindEmbedded   = "embedded"
)

// ResultCache memoizes lookup results on disk. Writes carry the purge
// generation read before the result was computed, so a lookup that raced a
// sync cannot store an answer the sync's purge already invalidated.
type ResultCache interface {
	Exists(key string) bool
	Get(key string) ([]string, error)
	Generation() uint64
	AddIfGeneration(key string, cves []string, gen uint64) (bool, error)
	Purge() error
	PurgeOnce() error
}

// Engine answers vulnerability lookups and keeps the store in sync
type Engine struct {
	store   statestore.Store
	cache   ResultCache // nil disables result caching
	syncer  *syncer.Syncer
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates an engine. If the cache was configured to purge on start, the
// purge happens here, once.
func New(store statestore.Store, cache ResultCache, s *syncer.Syncer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		store:   store,
		cache:   cache,
		syncer:  s,
		logger:  logger,
		metrics: observability.GetMetrics(),
	}

	if cache != nil {
		if err := cache.PurgeOnce(); err != nil {
			e.cacheError("purge", "", err)
		}
	}
	return e
}

// Store returns the underlying vulnerability store
func (e *Engine) Store() statestore.Store {
	return e.store
}

// Lookup returns the CVEs of records matching the artifact's combined hash,
// plus those of every record whose file hashes are all embedded in it.
func (e *Engine) Lookup(ctx context.Context, artifact types.Artifact) ([]string, error) {
	fileHashes := artifact.FileHashKeys()
	key := artifactKey(artifact.CombinedHash, fileHashes)

	return e.cached(ctx, KindArtifact, key, func(ctx context.Context) ([]string, error) {
		var exact []string
		if artifact.CombinedHash != "" {
			var err error
			if exact, err = e.store.ByHash(ctx, artifact.CombinedHash); err != nil {
				return nil, err
			}
		}
		embedded, err := e.store.ByEmbeddedHashes(ctx, fileHashes)
		if err != nil {
			return nil, err
		}
		return types.MergeCVEs(exact, embedded), nil
	})
}

// LookupProperties returns the CVEs of every record carrying all of the
// given metadata pairs. Results are cached under the sorted property set.
func (e *Engine) LookupProperties(ctx context.Context, props map[string]string) ([]string, error) {
	return e.cached(ctx, KindProperties, propertiesKey(props), func(ctx context.Context) ([]string, error) {
		return e.store.ByProperties(ctx, props)
	})
}

// ByHash is an uncached exact-match lookup
func (e *Engine) ByHash(ctx context.Context, hash string) ([]string, error) {
	return e.timed(ctx, KindHash, func(ctx context.Context) ([]string, error) {
		return e.store.ByHash(ctx, hash)
	})
}

// ByEmbeddedHashes is an uncached embedded-match lookup
func (e *Engine) ByEmbeddedHashes(ctx context.Context, fileHashes []string) ([]string, error) {
	return e.timed(ctx, KindEmbedded, func(ctx context.Context) ([]string, error) {
		return e.store.ByEmbeddedHashes(ctx, fileHashes)
	})
}

// Synchronize runs one sync against the remote feed
func (e *Engine) Synchronize(ctx context.Context) (syncer.Result, error) {
	return e.syncer.Synchronize(ctx)
}

// SyncStatus returns the outcome of the most recent sync
func (e *Engine) SyncStatus() syncer.Status {
	return e.syncer.Status()
}

// LastUpdated returns the persisted sync cursor
func (e *Engine) LastUpdated() (time.Time, error) {
	return e.syncer.Cursor().LastUpdated()
}

// RecordCount returns the number of stored records
func (e *Engine) RecordCount(ctx context.Context) (int, error) {
	return e.store.RecordCount(ctx)
}

// Stats returns table row counts
func (e *Engine) Stats(ctx context.Context) (statestore.Stats, error) {
	return e.store.Stats(ctx)
}

// Purge drops every cached lookup result
func (e *Engine) Purge() error {
	if e.cache == nil {
		return nil
	}
	if err := e.cache.Purge(); err != nil {
		e.cacheError("purge", "", err)
		return err
	}
	e.metrics.CachePurges.Inc()
	return nil
}

// cached serves a lookup from the result cache, falling back to compute on a
// miss or a cache failure. Cache failures never fail the lookup.
func (e *Engine) cached(ctx context.Context, kind, key string, compute func(context.Context) ([]string, error)) ([]string, error) {
	var gen uint64
	if e.cache != nil {
		gen = e.cache.Generation()
	}

	if e.cache != nil && e.cache.Exists(key) {
		cves, err := e.cache.Get(key)
		if err == nil {
			e.metrics.CacheHits.Inc()
			e.metrics.LookupsTotal.WithLabelValues(kind).Inc()
			return cves, nil
		}
		e.cacheError("get", key, err)
	} else if e.cache != nil {
		e.metrics.CacheMisses.Inc()
	}

	cves, err := e.timed(ctx, kind, compute)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if _, err := e.cache.AddIfGeneration(key, cves, gen); err != nil {
			e.cacheError("add", key, err)
		}
	}
	return cves, nil
}

func (e *Engine) timed(ctx context.Context, kind string, compute func(context.Context) ([]string, error)) ([]string, error) {
	start := time.Now()
	cves, err := compute(ctx)
	e.metrics.LookupDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	e.metrics.LookupsTotal.WithLabelValues(kind).Inc()
	if err != nil {
		e.logger.Error("lookup failed",
			"kind", kind,
			"error", err)
		return nil, err
	}
	if len(cves) > 0 {
		e.metrics.VulnerableHits.WithLabelValues(kind).Inc()
	}
	return cves, nil
}

func (e *Engine) cacheError(op, key string, err error) {
	e.metrics.CacheErrors.WithLabelValues(op).Inc()
	e.logger.Warn("result cache error",
		"op", op,
		"key", key,
		"error", err)
}

// artifactKey identifies an artifact lookup by its combined hash and file hashes
func artifactKey(combined string, sortedFileHashes []string) string {
	return "artifact:" + combined + ":" + strings.Join(sortedFileHashes, ",")
}

// propertiesKey serializes a property set independent of map order
func propertiesKey(props map[string]string) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("properties:")
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(props[k])
		b.WriteByte('\n')
	}
	return b.String()
}
