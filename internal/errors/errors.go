package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common cases
var (
	// ErrInvalidInput indicates invalid input data
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = errors.New("timeout")

	// ErrRateLimit indicates rate limiting by the remote feed
	ErrRateLimit = errors.New("rate limit exceeded")
)

// TransientError wraps an error to mark it as transient (retryable)
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transient error: %v", e.Cause)
	}
	return "transient error"
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// NewTransient creates a new transient error
func NewTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Cause: err}
}

// NewTransientf creates a new transient error with formatting
func NewTransientf(format string, args ...interface{}) error {
	return &TransientError{Cause: fmt.Errorf(format, args...)}
}

// PermanentError wraps an error to mark it as permanent (not retryable)
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("permanent error: %v", e.Cause)
	}
	return "permanent error"
}

func (e *PermanentError) Unwrap() error {
	return e.Cause
}

// NewPermanent creates a new permanent error
func NewPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Cause: err}
}

// NewPermanentf creates a new permanent error with formatting
func NewPermanentf(format string, args ...interface{}) error {
	return &PermanentError{Cause: fmt.Errorf(format, args...)}
}

// ConfigurationError reports a missing or inconsistent configuration value.
// It is never retryable.
type ConfigurationError struct {
	Field string
	Cause error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Field != "" {
		b.WriteString(" (")
		b.WriteString(e.Field)
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

// NewConfigurationf creates a configuration error for field
func NewConfigurationf(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Cause: fmt.Errorf(format, args...)}
}

// ConnectivityError reports a failure talking to the remote feed: the
// endpoint is unreachable, answered with a non-success status, or sent a body
// that could not be decoded.
type ConnectivityError struct {
	URL        string
	StatusCode int
	Cause      error
}

func (e *ConnectivityError) Error() string {
	msg := "connectivity error"
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ConnectivityError) Unwrap() error {
	return e.Cause
}

// NewConnectivity creates a connectivity error. A zero status means no
// response was received.
func NewConnectivity(url string, status int, err error) error {
	return &ConnectivityError{URL: url, StatusCode: status, Cause: err}
}

// StorageError reports a failure reading or mutating the vulnerability store
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("storage error: %s: %v", e.Op, e.Cause)
	}
	return "storage error: " + e.Op
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorage creates a storage error for op
func NewStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Cause: err}
}

// NewStoragef creates a storage error with formatting
func NewStoragef(op, format string, args ...interface{}) error {
	return &StorageError{Op: op, Cause: fmt.Errorf(format, args...)}
}

// CacheIOError reports a failure reading or writing a result cache entry.
// Callers treat it as advisory and fall back to the index.
type CacheIOError struct {
	Key   string
	Cause error
}

func (e *CacheIOError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cache io error: %s: %v", e.Key, e.Cause)
	}
	return "cache io error: " + e.Key
}

func (e *CacheIOError) Unwrap() error {
	return e.Cause
}

// NewCacheIO creates a cache error for the on-disk entry key
func NewCacheIO(key string, err error) error {
	if err == nil {
		return nil
	}
	return &CacheIOError{Key: key, Cause: err}
}

// IsTransient checks if an error is transient using errors.As
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Check if explicitly marked as transient
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}

	// Check if explicitly marked as permanent
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	if IsConfiguration(err) || errors.Is(err, ErrInvalidInput) {
		return false
	}

	// Malformed feed bodies won't fix themselves; everything else the feed
	// does wrong is worth another attempt.
	var connErr *ConnectivityError
	if errors.As(err, &connErr) {
		if errors.Is(connErr.Cause, ErrInvalidInput) {
			return false
		}
		return connErr.StatusCode == 0 || connErr.StatusCode >= 500 || connErr.StatusCode == 429
	}

	if errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimit) {
		return true
	}

	// Default to non-transient for safety (don't retry unknown errors)
	return false
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return true
	}
	return IsConfiguration(err)
}

// IsConfiguration reports whether err is or wraps a ConfigurationError
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsConnectivity reports whether err is or wraps a ConnectivityError
func IsConnectivity(err error) bool {
	var target *ConnectivityError
	return errors.As(err, &target)
}

// IsStorage reports whether err is or wraps a StorageError
func IsStorage(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}

// IsCacheIO reports whether err is or wraps a CacheIOError
func IsCacheIO(err error) bool {
	var target *CacheIOError
	return errors.As(err, &target)
}

// Kind returns a short label for the error's kind, suitable for metric labels
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsConfiguration(err):
		return "configuration"
	case IsConnectivity(err):
		return "connectivity"
	case IsStorage(err):
		return "storage"
	case IsCacheIO(err):
		return "cache"
	default:
		return "unknown"
	}
}
