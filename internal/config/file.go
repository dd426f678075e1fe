package config

import (
	"os"
	"time"

	"github.com/daimoniac/vulnhash/internal/errors"
	"github.com/daimoniac/vulnhash/internal/types"
	"gopkg.in/yaml.v3"
)

// ParseFile reads and parses a vulnhash.yml configuration file
func ParseFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewTransientf("failed to read config file: %w", err)
	}

	var config FileConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewConfigurationf("file", "failed to parse %s: %w", path, err)
	}

	return &config, nil
}

// GetSyncInterval returns the periodic sync interval, or zero when unset
func (c *FileConfig) GetSyncInterval() (time.Duration, error) {
	if c.Sync.Interval == "" {
		return 0, nil
	}
	d, err := parseDuration(c.Sync.Interval)
	if err != nil {
		return 0, errors.NewConfigurationf("sync.interval", "%w", err)
	}
	return d, nil
}

// GetRetryBackoff returns the sync retry backoff, or zero when unset
func (c *FileConfig) GetRetryBackoff() (time.Duration, error) {
	if c.Sync.RetryBackoff == "" {
		return 0, nil
	}
	d, err := parseDuration(c.Sync.RetryBackoff)
	if err != nil {
		return 0, errors.NewConfigurationf("sync.retryBackoff", "%w", err)
	}
	return d, nil
}

// GetFeedTimeout returns the feed request timeout, or zero when unset
func (c *FileConfig) GetFeedTimeout() (time.Duration, error) {
	if c.Feed.Timeout == "" {
		return 0, nil
	}
	d, err := parseDuration(c.Feed.Timeout)
	if err != nil {
		return 0, errors.NewConfigurationf("feed.timeout", "%w", err)
	}
	return d, nil
}

// GetExpiringTolerations returns tolerations that expire between now and now+within
func GetExpiringTolerations(tolerations []types.CVEToleration, now time.Time, within time.Duration) []types.CVEToleration {
	var expiring []types.CVEToleration
	threshold := now.Add(within)

	for _, toleration := range tolerations {
		if toleration.ExpiresAt == nil {
			continue
		}
		expiresAt := time.Unix(*toleration.ExpiresAt, 0)
		if expiresAt.After(now) && expiresAt.Before(threshold) {
			expiring = append(expiring, toleration)
		}
	}

	return expiring
}
