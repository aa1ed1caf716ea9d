package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// RetryableError marks a failure worth retrying: timeouts, connection
// errors, 429s, upstream 5xx, transient store contention. Surfaces as
// 503 at worker boundaries so the delivery substrate retries.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix: missing or
// malformed input, schema violations, business-level 4xx. Surfaces as
// 422 so callers stop retrying.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Retryable wraps err as a RetryableError with a formatted prefix.
func Retryable(format string, args ...any) error {
	return &RetryableError{Err: fmt.Errorf(format, args...)}
}

// Permanent wraps err as a PermanentError with a formatted prefix.
func Permanent(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsRetryable reports whether err should be retried. Unknown errors
// are retryable: a lost retry means lost data, while a redundant one
// is absorbed by idempotency.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}

// Classify wraps a raw error into the taxonomy if it is not already
// classified. Network-level failures and deadline expiry are
// retryable; everything unknown defaults to retryable.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var re *RetryableError
	var pe *PermanentError
	if errors.As(err, &re) || errors.As(err, &pe) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &RetryableError{Err: err}
	}
	return &RetryableError{Err: err}
}

// ClassifyHTTPStatus maps an upstream response status to the taxonomy.
// Returns nil for success statuses.
func ClassifyHTTPStatus(status int, detail string) error {
	switch {
	case status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return Retryable("upstream %d: %s", status, detail)
	default:
		return Permanent("upstream %d: %s", status, detail)
	}
}

// HTTPStatus returns the boundary status code for a classified error:
// 422 for permanent failures, 503 for everything else.
func HTTPStatus(err error) int {
	if IsPermanent(err) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusServiceUnavailable
}
