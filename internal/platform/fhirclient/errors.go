package fhirclient

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method      string
	URL         string
	StatusCode  int
	Diagnostics string
	RequestID   string
	RetryAfter  time.Duration
}

func (e *StatusError) Error() string {
	if e.Diagnostics == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Diagnostics)
}

// IsRateLimited returns true if this is a rate limit error.
func (e *StatusError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsServerError returns true if this is a server error.
func (e *StatusError) IsServerError() bool {
	return e.StatusCode >= 500
}

// IsNotFound returns true for 404 Not Found and 410 Gone.
func (e *StatusError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// Retryable reports whether repeating the request may succeed.
func (e *StatusError) Retryable() bool {
	return e.IsRateLimited() || e.IsServerError()
}

// IsRetryable classifies any error returned by the client: status errors
// are retryable on 429 and 5xx, everything else that is not a status error
// (transport failures, timeouts) is retryable too.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

// IsNotFound reports whether err is a 404/410 StatusError.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.IsNotFound()
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
