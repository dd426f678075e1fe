// Package syncer applies remote feed deltas to the local vulnerability store.
//
// A run reads the cursor, streams the records removed and updated since then,
// and applies both inside one store transaction: removals first, then
// updates. Only after the transaction commits does the run purge the result
// cache (when something changed) and advance the cursor.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/daimoniac/vulnhash/internal/errors"
	"github.com/daimoniac/vulnhash/internal/feed"
	"github.com/daimoniac/vulnhash/internal/observability"
	"github.com/daimoniac/vulnhash/internal/statestore"
	"github.com/google/uuid"
)

// Feed opens delta streams from the remote service
type Feed interface {
	Removed(ctx context.Context, since time.Time) (*feed.RecordStream, error)
	Updated(ctx context.Context, since time.Time) (*feed.RecordStream, error)
}

// Applier runs a batch of mutations in one transaction
type Applier interface {
	Apply(ctx context.Context, fn func(w statestore.Writer) error) (statestore.ApplyStats, error)
}

// Purger drops every cached lookup result
type Purger interface {
	Purge() error
}

// Config contains configuration for the syncer
type Config struct {
	RetryAttempts int
	RetryBackoff  time.Duration
}

// DefaultConfig returns default syncer configuration
func DefaultConfig() Config {
	return Config{
		RetryAttempts: 3,
		RetryBackoff:  10 * time.Second,
	}
}

// Result describes one synchronization run
type Result struct {
	RunID       string        `json:"run_id"`
	Since       time.Time     `json:"since"`
	Cursor      time.Time     `json:"cursor"`
	Added       int           `json:"added"`
	Removed     int           `json:"removed"`
	Skipped     int           `json:"skipped"`
	Attempts    int           `json:"attempts"`
	CachePurged bool          `json:"cache_purged"`
	Duration    time.Duration `json:"duration_ns"`
}

// Changed reports whether the run touched any record
func (r Result) Changed() bool {
	return r.Added+r.Removed > 0
}

// Syncer coordinates synchronization runs. Runs are single-flight: a call
// to Synchronize waits for any run in progress to finish first.
type Syncer struct {
	feed    Feed
	store   Applier
	cache   Purger
	cursor  *Cursor
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu sync.Mutex

	lastMu sync.RWMutex
	last   Status
}

// Status is the outcome of the most recent run
type Status struct {
	Ran    bool
	Result Result
	Err    error
}

// New creates a syncer. cache may be nil when no result cache is in use.
func New(f Feed, store Applier, cache Purger, cursor *Cursor, config Config, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	return &Syncer{
		feed:    f,
		store:   store,
		cache:   cache,
		cursor:  cursor,
		config:  config,
		logger:  logger,
		metrics: observability.GetMetrics(),
		now:     time.Now,
	}
}

// Cursor returns the cursor the syncer reads and advances
func (s *Syncer) Cursor() *Cursor {
	return s.cursor
}

// Status returns the outcome of the most recent run
func (s *Syncer) Status() Status {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.last
}

// Synchronize runs one synchronization. Transient failures (the feed being
// unreachable or answering 5xx/429) are retried with linear backoff; any
// failure rolls back every change and leaves the cursor where it was.
func (s *Syncer) Synchronize(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	result := Result{RunID: uuid.NewString()}
	logger := s.logger.With("run_id", result.RunID)

	since, err := s.cursor.LastUpdated()
	if err != nil {
		logger.Warn("cursor unreadable, resynchronizing from epoch",
			"path", s.cursor.Path(),
			"error", err)
	}
	result.Since = since

	logger.Info("sync started",
		"since", since.Format(CursorLayout),
		"force", s.cursor.force)

	var stats applyStats
	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		stats, err = s.syncOnce(ctx, since, logger)
		if err == nil {
			break
		}
		if !errors.IsTransient(err) || attempt >= s.config.RetryAttempts || ctx.Err() != nil {
			return s.fail(result, start, logger, err)
		}

		backoff := s.config.RetryBackoff * time.Duration(attempt)
		logger.Warn("transient sync error, retrying",
			"attempt", attempt,
			"max_attempts", s.config.RetryAttempts,
			"backoff", backoff,
			"error", err)
		s.metrics.SyncRetries.Inc()

		select {
		case <-ctx.Done():
			return s.fail(result, start, logger, ctx.Err())
		case <-time.After(backoff):
		}
	}

	result.Added = stats.Added
	result.Removed = stats.Removed
	result.Skipped = stats.skipped

	if stats.Changed() && s.cache != nil {
		if err := s.cache.Purge(); err != nil {
			// Entries stay stale until the next successful purge
			logger.Warn("failed to purge result cache after sync", "error", err)
			s.metrics.CacheErrors.WithLabelValues("purge").Inc()
		} else {
			result.CachePurged = true
			s.metrics.CachePurges.Inc()
		}
	}

	saved, err := s.cursor.Save(start)
	if err != nil {
		return s.fail(result, start, logger, err)
	}
	result.Cursor = saved
	result.Duration = s.now().Sub(start)

	s.metrics.SyncRunsTotal.WithLabelValues("success").Inc()
	s.metrics.SyncRecordsAdded.Add(float64(result.Added))
	s.metrics.SyncRecordsRemoved.Add(float64(result.Removed))
	s.metrics.SyncDuration.Observe(result.Duration.Seconds())
	s.metrics.SyncLastSuccess.Set(float64(saved.Unix()))

	logger.Info("sync completed",
		"records_added", result.Added,
		"records_removed", result.Removed,
		"records_skipped", result.Skipped,
		"cache_purged", result.CachePurged,
		"cursor", saved.Format(CursorLayout),
		"attempts", result.Attempts,
		"duration", result.Duration)

	s.record(result, nil)
	return result, nil
}

func (s *Syncer) fail(result Result, start time.Time, logger *slog.Logger, cause error) (Result, error) {
	result.Duration = s.now().Sub(start)
	err := fmt.Errorf("sync failed: %s: %w", errors.Kind(cause), cause)

	s.metrics.SyncRunsTotal.WithLabelValues("failure").Inc()
	s.metrics.SyncDuration.Observe(result.Duration.Seconds())
	logger.Error("sync failed",
		"attempts", result.Attempts,
		"duration", result.Duration,
		"error", cause)

	s.record(result, err)
	return result, err
}

func (s *Syncer) record(result Result, err error) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	s.last = Status{Ran: true, Result: result, Err: err}
}

type applyStats struct {
	statestore.ApplyStats
	skipped int
}

// syncOnce fetches both deltas and applies them in a single transaction
func (s *Syncer) syncOnce(ctx context.Context, since time.Time, logger *slog.Logger) (applyStats, error) {
	removed, err := s.feed.Removed(ctx, since)
	if err != nil {
		return applyStats{}, err
	}
	defer removed.Close()

	updated, err := s.feed.Updated(ctx, since)
	if err != nil {
		return applyStats{}, err
	}
	defer updated.Close()

	var skipped int
	stats, err := s.store.Apply(ctx, func(w statestore.Writer) error {
		for removed.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec := removed.Record()
			if rec.Hash == "" {
				skipped++
				continue
			}
			if _, err := w.Remove(ctx, rec.Hash); err != nil {
				return err
			}
		}
		if err := removed.Err(); err != nil {
			return err
		}

		for updated.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec := updated.Record()
			if rec.Hash == "" {
				logger.Warn("skipping feed record without a combined hash",
					"name", rec.Name,
					"version", rec.Version)
				skipped++
				continue
			}
			if err := w.Replace(ctx, rec); err != nil {
				return err
			}
		}
		return updated.Err()
	})
	if err != nil {
		return applyStats{}, err
	}

	logger.Debug("delta applied",
		"records_added", stats.Added,
		"records_removed", stats.Removed,
		"removals_seen", removed.Count(),
		"updates_seen", updated.Count())

	return applyStats{ApplyStats: stats, skipped: skipped}, nil
}
