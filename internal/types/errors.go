package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure modes.
var (
	ErrUnknownAdapter = errors.New("unknown adapter kind")
	ErrSourceDisabled = errors.New("source is disabled")
	ErrThreadDisabled = errors.New("thread is disabled")
	ErrNoMediaURL     = errors.New("item has no media URL")
	ErrHostDenied     = errors.New("host not on outbound allowlist")
	ErrQueuePaused    = errors.New("queue is paused")
	ErrDuplicateJob   = errors.New("job with the same unique key already queued")
	ErrNotFound       = errors.New("not found")
)

// FetchError wraps errors from outbound HTTP calls.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
	Retryable  bool
	RetryAfter time.Duration // populated from Retry-After on HTTP 429
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch error for %s (status %d): %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch error for %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) IsRetryable() bool { return e.Retryable }

// CircuitOpenError is returned synchronously when a source's breaker
// rejects a call. RetryAfter tells the caller how long until the
// breaker will allow a probe.
type CircuitOpenError struct {
	SourceID   int64
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for source %d (retry after %s)", e.SourceID, e.RetryAfter)
}

// AdapterError wraps a source-specific parse or protocol failure.
// Adapter errors are fatal for the job that hit them.
type AdapterError struct {
	Adapter string
	Page    int
	Err     error
}

func (e *AdapterError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("adapter %s page %d: %v", e.Adapter, e.Page, e.Err)
	}
	return fmt.Sprintf("adapter %s: %v", e.Adapter, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// StorageError wraps persistence failures.
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error (%s %s): %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
