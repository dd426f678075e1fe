package config

import (
	"time"

	"github.com/daimoniac/vulnhash/internal/types"
)

// Config represents the complete application configuration
type Config struct {
	// Path is the YAML file the configuration was read from, if any
	Path string
	Home string

	Database      DatabaseConfig
	Feed          FeedConfig
	Sync          SyncConfig
	Cache         CacheConfig
	Policy        PolicyConfig
	Tolerations   []types.CVEToleration
	API           APIConfig
	Observability ObservabilityConfig
}

// DatabaseConfig selects and addresses the vulnerability store backend
type DatabaseConfig struct {
	Driver string
	URL    string
	User   string
	Pass   string
}

// FeedConfig addresses the remote vulnerability feed
type FeedConfig struct {
	ServiceURI string
	Entry      string
	Timeout    time.Duration
}

// SyncConfig configures synchronization runs. A zero Interval disables
// periodic syncs in the server.
type SyncConfig struct {
	Force         bool
	Interval      time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
}

// CacheConfig configures the result cache
type CacheConfig struct {
	Purge bool
}

// APIConfig configures the HTTP API server
type APIConfig struct {
	Enabled  bool
	Port     int
	APIKey   string
	ReadOnly bool
}

// ObservabilityConfig configures logging and metrics
type ObservabilityConfig struct {
	LogLevel        string
	MetricsPort     int
	HealthCheckPort int
}

// PolicyConfig represents a CEL-based security policy
type PolicyConfig struct {
	Expression     string `yaml:"expression"`
	FailureMessage string `yaml:"failureMessage,omitempty"`
}

// FileConfig is the shape of vulnhash.yml. Every field is optional;
// environment variables take precedence over the file.
type FileConfig struct {
	Home     string `yaml:"home,omitempty"`
	Database struct {
		Driver string `yaml:"driver,omitempty"`
		URL    string `yaml:"url,omitempty"`
		User   string `yaml:"user,omitempty"`
		Pass   string `yaml:"pass,omitempty"`
	} `yaml:"database,omitempty"`
	Feed struct {
		URI     string `yaml:"uri,omitempty"`
		Entry   string `yaml:"entry,omitempty"`
		Timeout string `yaml:"timeout,omitempty"`
	} `yaml:"feed,omitempty"`
	Sync struct {
		Interval      string `yaml:"interval,omitempty"`
		RetryAttempts int    `yaml:"retryAttempts,omitempty"`
		RetryBackoff  string `yaml:"retryBackoff,omitempty"`
	} `yaml:"sync,omitempty"`
	Cache struct {
		Purge *bool `yaml:"purge,omitempty"`
	} `yaml:"cache,omitempty"`
	Policy   *PolicyConfig         `yaml:"policy,omitempty"`
	Tolerate []types.CVEToleration `yaml:"tolerate,omitempty"`
}
