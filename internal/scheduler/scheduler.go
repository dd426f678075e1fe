// Package scheduler runs feed synchronization periodically in the server.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/daimoniac/vulnhash/internal/config"
	"github.com/daimoniac/vulnhash/internal/syncer"
	"github.com/daimoniac/vulnhash/internal/types"
)

// Syncer runs one synchronization
type Syncer interface {
	Synchronize(ctx context.Context) (syncer.Result, error)
}

// SyncObserver is told the outcome of every run
type SyncObserver interface {
	ObserveSync(err error)
}

// Scheduler repeatedly synchronizes the vulnerability database
type Scheduler interface {
	// Start runs an initial sync, then one sync per interval until ctx is done
	Start(ctx context.Context) error

	// RunOnce performs a single sync cycle
	RunOnce(ctx context.Context) error
}

// Config contains configuration for the scheduler
type Config struct {
	// Interval between the end of one run and the start of the next.
	// Zero runs the initial sync only.
	Interval time.Duration

	// Tolerations are checked for upcoming expiry on every cycle
	Tolerations   []types.CVEToleration
	ExpiryWarning time.Duration
}

type schedulerImpl struct {
	syncer   Syncer
	observer SyncObserver
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewScheduler creates a new sync scheduler. observer may be nil.
func NewScheduler(s Syncer, observer SyncObserver, cfg Config, logger *slog.Logger) Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ExpiryWarning <= 0 {
		cfg.ExpiryWarning = 7 * 24 * time.Hour
	}
	return &schedulerImpl{
		syncer:   s,
		observer: observer,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Start begins the sync loop
func (s *schedulerImpl) Start(ctx context.Context) error {
	s.logger.Info("starting sync scheduler",
		"interval", s.config.Interval.String())

	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("initial sync failed",
			"error", err.Error())
	}

	if s.config.Interval <= 0 {
		s.logger.Info("periodic sync disabled")
		return nil
	}

	// Wait for the interval after each run completes
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync scheduler shutting down")
			return ctx.Err()
		case <-time.After(s.config.Interval):
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("sync cycle failed",
					"error", err.Error())
			}
		}
	}
}

// RunOnce performs a single sync cycle
func (s *schedulerImpl) RunOnce(ctx context.Context) error {
	s.checkExpiringTolerations()

	_, err := s.syncer.Synchronize(ctx)
	if s.observer != nil {
		s.observer.ObserveSync(err)
	}
	return err
}

// checkExpiringTolerations logs warnings for tolerations expiring soon
func (s *schedulerImpl) checkExpiringTolerations() {
	now := s.now()
	for _, toleration := range config.GetExpiringTolerations(s.config.Tolerations, now, s.config.ExpiryWarning) {
		s.logger.Warn("CVE toleration expiring soon",
			"cve_id", toleration.ID,
			"time_until_expiry", time.Unix(*toleration.ExpiresAt, 0).Sub(now).Round(time.Minute).String(),
			"statement", toleration.Statement)
	}
}
