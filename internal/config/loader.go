package config

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/daimoniac/vulnhash/internal/errors"
)

// Defaults used when neither the config file nor the environment set a value
const (
	DefaultConfigFile    = "vulnhash.yml"
	DefaultServiceURI    = "http://www.victi.ms/"
	DefaultServiceEntry  = "service/"
	DefaultDriver        = "sqlite3"
	DefaultFeedTimeout   = 30 * time.Second
	DefaultSyncInterval  = 6 * time.Hour
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = 10 * time.Second
)

// Load builds the configuration from defaults, then vulnhash.yml (or the
// file named by VULNHASH_CONFIG), then environment variables.
func Load() (*Config, error) {
	path := os.Getenv("VULNHASH_CONFIG")
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	cfg := &Config{
		Home: defaultHome(),
		Database: DatabaseConfig{
			Driver: DefaultDriver,
		},
		Feed: FeedConfig{
			ServiceURI: DefaultServiceURI,
			Entry:      DefaultServiceEntry,
			Timeout:    DefaultFeedTimeout,
		},
		Sync: SyncConfig{
			Interval:      DefaultSyncInterval,
			RetryAttempts: DefaultRetryAttempts,
			RetryBackoff:  DefaultRetryBackoff,
		},
		API: APIConfig{
			Enabled: true,
			Port:    8080,
		},
		Observability: ObservabilityConfig{
			LogLevel:        "info",
			MetricsPort:     9090,
			HealthCheckPort: 8081,
		},
	}

	fileCfg, err := ParseFile(path)
	switch {
	case err == nil:
		cfg.Path = path
		if err := cfg.applyFile(fileCfg); err != nil {
			return nil, err
		}
	case stderrors.Is(err, fs.ErrNotExist) && !explicit:
		// vulnhash.yml is optional
	case stderrors.Is(err, fs.ErrNotExist):
		return nil, errors.NewConfigurationf("VULNHASH_CONFIG", "%w", err)
	default:
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(f *FileConfig) error {
	if f.Home != "" {
		c.Home = f.Home
	}

	if f.Database.Driver != "" {
		c.Database.Driver = f.Database.Driver
	}
	if f.Database.URL != "" {
		c.Database.URL = f.Database.URL
	}
	if f.Database.User != "" {
		c.Database.User = f.Database.User
	}
	if f.Database.Pass != "" {
		c.Database.Pass = f.Database.Pass
	}

	if f.Feed.URI != "" {
		c.Feed.ServiceURI = f.Feed.URI
	}
	if f.Feed.Entry != "" {
		c.Feed.Entry = f.Feed.Entry
	}
	timeout, err := f.GetFeedTimeout()
	if err != nil {
		return err
	}
	if timeout > 0 {
		c.Feed.Timeout = timeout
	}

	interval, err := f.GetSyncInterval()
	if err != nil {
		return err
	}
	if interval > 0 {
		c.Sync.Interval = interval
	}
	if f.Sync.RetryAttempts > 0 {
		c.Sync.RetryAttempts = f.Sync.RetryAttempts
	}
	backoff, err := f.GetRetryBackoff()
	if err != nil {
		return err
	}
	if backoff > 0 {
		c.Sync.RetryBackoff = backoff
	}

	if f.Cache.Purge != nil {
		c.Cache.Purge = *f.Cache.Purge
	}
	if f.Policy != nil {
		c.Policy = *f.Policy
	}
	c.Tolerations = f.Tolerate
	return nil
}

func (c *Config) applyEnv() error {
	c.Home = getEnv("VULNHASH_HOME", c.Home)

	c.Database.Driver = getEnv("VULNHASH_DB_DRIVER", c.Database.Driver)
	c.Database.URL = getEnv("VULNHASH_DB_URL", c.Database.URL)
	c.Database.User = getEnv("VULNHASH_DB_USER", c.Database.User)
	c.Database.Pass = getEnv("VULNHASH_DB_PASS", c.Database.Pass)

	c.Feed.ServiceURI = getEnv("VULNHASH_SERVICE_URI", c.Feed.ServiceURI)
	c.Feed.Entry = getEnv("VULNHASH_SERVICE_ENTRY", c.Feed.Entry)

	var err error
	if c.Feed.Timeout, err = getEnvDuration("VULNHASH_FEED_TIMEOUT", c.Feed.Timeout); err != nil {
		return err
	}

	c.Sync.Force = getEnvBool("VULNHASH_DB_FORCE", c.Sync.Force)
	if os.Getenv("VULNHASH_SYNC_INTERVAL") == "0" {
		c.Sync.Interval = 0
	} else if c.Sync.Interval, err = getEnvDuration("VULNHASH_SYNC_INTERVAL", c.Sync.Interval); err != nil {
		return err
	}
	if c.Sync.RetryAttempts, err = getEnvInt("VULNHASH_SYNC_RETRY_ATTEMPTS", c.Sync.RetryAttempts); err != nil {
		return err
	}
	if c.Sync.RetryBackoff, err = getEnvDuration("VULNHASH_SYNC_RETRY_BACKOFF", c.Sync.RetryBackoff); err != nil {
		return err
	}

	c.Cache.Purge = getEnvBool("VULNHASH_CACHE_PURGE", c.Cache.Purge)

	c.API.Enabled = getEnvBool("API_ENABLED", c.API.Enabled)
	if c.API.Port, err = getEnvInt("API_PORT", c.API.Port); err != nil {
		return err
	}
	c.API.APIKey = getEnv("API_KEY", c.API.APIKey)
	c.API.ReadOnly = getEnvBool("API_READ_ONLY", c.API.ReadOnly)

	c.Observability.LogLevel = getEnv("LOG_LEVEL", c.Observability.LogLevel)
	if c.Observability.MetricsPort, err = getEnvInt("METRICS_PORT", c.Observability.MetricsPort); err != nil {
		return err
	}
	if c.Observability.HealthCheckPort, err = getEnvInt("HEALTH_CHECK_PORT", c.Observability.HealthCheckPort); err != nil {
		return err
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Home == "" {
		return errors.NewConfigurationf("home", "VULNHASH_HOME must not be empty")
	}

	if c.Database.Driver == "" {
		return errors.NewConfigurationf("database.driver", "VULNHASH_DB_DRIVER must not be empty")
	}

	u, err := url.Parse(c.Feed.ServiceURI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.NewConfigurationf("service.uri", "invalid service URI %q", c.Feed.ServiceURI)
	}
	if c.Feed.Timeout <= 0 {
		return errors.NewConfigurationf("feed.timeout", "must be positive, got %s", c.Feed.Timeout)
	}

	if c.Sync.Interval < 0 {
		return errors.NewConfigurationf("sync.interval", "must not be negative, got %s", c.Sync.Interval)
	}
	if c.Sync.RetryAttempts < 1 {
		return errors.NewConfigurationf("sync.retryAttempts", "must be at least 1, got %d", c.Sync.RetryAttempts)
	}
	if c.Sync.RetryBackoff < 0 {
		return errors.NewConfigurationf("sync.retryBackoff", "must not be negative, got %s", c.Sync.RetryBackoff)
	}

	for i, t := range c.Tolerations {
		if t.ID == "" {
			return errors.NewConfigurationf(fmt.Sprintf("tolerate[%d].id", i), "CVE id is required")
		}
	}

	if c.API.Enabled && !validPort(c.API.Port) {
		return errors.NewConfigurationf("api.port", "invalid port %d", c.API.Port)
	}
	if !validPort(c.Observability.MetricsPort) {
		return errors.NewConfigurationf("observability.metricsPort", "invalid port %d", c.Observability.MetricsPort)
	}
	if !validPort(c.Observability.HealthCheckPort) {
		return errors.NewConfigurationf("observability.healthCheckPort", "invalid port %d", c.Observability.HealthCheckPort)
	}

	return nil
}

func validPort(port int) bool {
	return port > 0 && port < 65536
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vulnhash"
	}
	return filepath.Join(home, ".vulnhash")
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.NewConfigurationf(key, "not an integer: %q", value)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		default:
			return false
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := parseDuration(value)
	if err != nil {
		return 0, errors.NewConfigurationf(key, "%w", err)
	}
	return d, nil
}
