// Package remote provides the HTTP client for the hosted document service,
// with automatic retry, exponential backoff, and error classification. The
// classification drives the engine's core correctness rule: transient
// network failures are retried silently through the sync queue, while domain
// rejections roll back optimistic state and surface to the caller.
package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, remote.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("remote: bad request")
	ErrUnauthorized = errors.New("remote: unauthorized")
	ErrForbidden    = errors.New("remote: forbidden")
	ErrNotFound     = errors.New("remote: not found")
	ErrConflict     = errors.New("remote: conflict")
	ErrRejected     = errors.New("remote: validation rejected")
	ErrThrottled    = errors.New("remote: throttled")
	ErrServerError  = errors.New("remote: server error")

	// ErrUnreachable wraps transport-level failures (DNS, refused
	// connections, timeouts). Always classified as transient.
	ErrUnreachable = errors.New("remote: service unreachable")
)

// ServiceError wraps a sentinel error with the HTTP status code and the API
// error message body for debugging.
type ServiceError struct {
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusUnprocessableEntity:
		return ErrRejected
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried
// inside a single call. Domain rejections are never retryable.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err represents a connectivity-class failure
// that the sync queue should retry later. Transport errors and server-side
// errors are transient; everything the service explicitly rejected is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrServerError) {
		return true
	}

	var se *ServiceError

	// A response we could not classify at all is treated as transient:
	// ambiguous failures trust the network and retry.
	return !errors.As(err, &se)
}

// IsDomainRejection reports whether err is an explicit business-rule
// rejection from the service. These are never retried automatically; the
// orchestrator rolls back optimistic state and surfaces the error.
func IsDomainRejection(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrBadRequest) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrConflict)
}
