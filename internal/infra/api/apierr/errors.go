// Package apierr defines the error variants produced by the ad-platform client.
//
// Every failure leaving the client is one of:
//   - *APIError: the platform answered with a non-2xx status
//   - *TransportError: the request never produced a response (network, timeout)
//   - *ValidationError: the response could not be decoded
//   - one of the sentinel errors below (local admission control)
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrQueueFull is returned when a rate-limit queue is at capacity.
	ErrQueueFull = errors.New("rate limit queue is full")

	// ErrQueueTimeout is returned when a queued request waited longer than the queue expiry.
	ErrQueueTimeout = errors.New("request timed out in rate limit queue")

	// ErrLimiterStopped is returned to requests still queued when the limiter stops.
	ErrLimiterStopped = errors.New("rate limiter stopped")

	// ErrCircuitOpen is returned when the circuit breaker rejects a call.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrBatchTooLarge is returned when a batch exceeds the platform limit.
	ErrBatchTooLarge = errors.New("Batch size cannot exceed 50")

	// ErrNotAuthenticated is returned when a token refresh is requested without a source.
	ErrNotAuthenticated = errors.New("client is not authenticated")
)

// APIError is the platform error envelope plus HTTP metadata.
type APIError struct {
	StatusCode int
	Message    string
	Type       string
	Code       int
	Subcode    int
	TraceID    string
	// RetryAfter is the server-provided wait, from Retry-After or quota headers.
	RetryAfter time.Duration
	Header     http.Header
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Subcode != 0 {
		return fmt.Sprintf("api error %d (code %d, subcode %d): %s", e.StatusCode, e.Code, e.Subcode, msg)
	}
	return fmt.Sprintf("api error %d (code %d): %s", e.StatusCode, e.Code, msg)
}

// TransportError wraps failures below HTTP: dial, TLS, reset, timeout.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError wraps a malformed payload.
type ValidationError struct {
	What string
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return "invalid " + e.What
	}
	return fmt.Sprintf("invalid %s: %v", e.What, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// AsAPIError is a shorthand for errors.As into *APIError.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
