// Package feed streams vulnerability record deltas from the remote service.
//
// The service exposes two endpoints per entry point:
//
//	GET {base}/{entry}/update/{yyyy-MM-ddTHH:mm:ss}
//	GET {base}/{entry}/remove/{yyyy-MM-ddTHH:mm:ss}
//
// Each answers with a JSON array of single-field objects wrapping a record.
// Records are decoded one array element at a time so memory use does not
// grow with the size of the delta.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/daimoniac/vulnhash/internal/errors"
)

// TimestampLayout is the cursor format used in feed URLs
const TimestampLayout = "2006-01-02T15:04:05"

// SupportedSchema is the range of record db_version values this client understands
const SupportedSchema = ">= 2.0.0, < 3.0.0"

// Delta kinds, used as the path segment after the entry point
const (
	KindUpdate = "update"
	KindRemove = "remove"
)

// Config configures the feed client
type Config struct {
	BaseURI   string
	Entry     string
	Timeout   time.Duration // time allowed until response headers arrive
	UserAgent string
}

// Client fetches record streams from the remote feed
type Client struct {
	HTTPClient *http.Client

	base      *url.URL
	entry     string
	userAgent string
	schema    *semver.Constraints
	logger    *slog.Logger
}

// NewClient creates a feed client. The response timeout bounds the wait for
// headers only, since a large delta can take a while to stream.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	base, err := url.Parse(cfg.BaseURI)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.NewConfigurationf("service.uri", "invalid feed base URI %q", cfg.BaseURI)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	schema, err := semver.NewConstraint(SupportedSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema constraint: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Timeout > 0 {
		transport.ResponseHeaderTimeout = cfg.Timeout
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "vulnhash"
	}

	return &Client{
		HTTPClient: &http.Client{Transport: transport},
		base:       base,
		entry:      strings.Trim(cfg.Entry, "/"),
		userAgent:  userAgent,
		schema:     schema,
		logger:     logger,
	}, nil
}

// URL returns the endpoint for a delta kind since the given time
func (c *Client) URL(kind string, since time.Time) string {
	rel := &url.URL{Path: path.Join(c.entry, kind, since.UTC().Format(TimestampLayout))}
	return c.base.ResolveReference(rel).String()
}

// Updated streams records added or changed since the given time
func (c *Client) Updated(ctx context.Context, since time.Time) (*RecordStream, error) {
	return c.fetch(ctx, KindUpdate, since)
}

// Removed streams records withdrawn since the given time
func (c *Client) Removed(ctx context.Context, since time.Time) (*RecordStream, error) {
	return c.fetch(ctx, KindRemove, since)
}

// Ping checks that the feed answers for the current time. Used by health checks.
func (c *Client) Ping(ctx context.Context) error {
	stream, err := c.fetch(ctx, KindRemove, time.Now())
	if err != nil {
		return err
	}
	return stream.Close()
}

func (c *Client) fetch(ctx context.Context, kind string, since time.Time) (*RecordStream, error) {
	endpoint := c.URL(kind, since)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.NewConnectivity(endpoint, 0, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.NewConnectivity(endpoint, 0, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		var cause error
		if resp.StatusCode == http.StatusTooManyRequests {
			cause = errors.ErrRateLimit
		}
		return nil, errors.NewConnectivity(endpoint, resp.StatusCode, cause)
	}

	c.logger.Debug("feed stream opened",
		"kind", kind,
		"url", endpoint)

	return newRecordStream(resp.Body, endpoint, c.schema), nil
}
