package errs

import (
	"fmt"
	"net/http"
	"time"
)

// APIError is a non-2xx HTTP outcome converted into a structured error.
type APIError struct {
	Status    int
	Message   string
	ErrorCode string
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Is maps well-known statuses onto the package sentinels so callers can use errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrVersionConflict:
		return e.Status == http.StatusConflict
	}
	return false
}

// TransportError reports that no response reached the client after all network retries.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports ErrTransport for every TransportError.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// BodyError reports that a response arrived but its body could not be read.
// The server may have applied the request, so it is not retried.
type BodyError struct {
	Status int
	Err    error
}

func (e *BodyError) Error() string {
	return fmt.Sprintf("read response body (status %d): %v", e.Status, e.Err)
}

func (e *BodyError) Unwrap() error { return e.Err }

// RateLimitError is a server-side throttling decision carrying the wait before the next attempt.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Is reports ErrRateLimited for every RateLimitError.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }
