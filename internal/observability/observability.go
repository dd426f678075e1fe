// Package observability provides structured logging, Prometheus metrics,
// and health checking for vulnhash.
//
// Key features:
// - Structured JSON logging with configurable log levels
// - Prometheus metrics for sync runs, lookups, the result cache and policy
// - A scrape-time collector reporting database row counts
// - Health checks for the database and the feed, served on /health and /ready
package observability
