package pncp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrRateLimitExceeded is returned when the local token bucket could not be
// acquired within the configured wait timeout. It is distinct from a generic
// transient failure so callers can apply the longer rate-limit backoff.
var ErrRateLimitExceeded = errors.New("rate limit exceeded waiting for upstream token")

// UpstreamError represents a non-2xx response from the PNCP API
type UpstreamError struct {
	StatusCode int
	URL        string
	Status     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %s for %s", e.Status, e.URL)
}

// NewUpstreamError creates an UpstreamError from a response status
func NewUpstreamError(statusCode int, url, status string) *UpstreamError {
	return &UpstreamError{StatusCode: statusCode, URL: url, Status: status}
}

// IsRateLimited reports whether err is an upstream 429 or local bucket exhaustion
func IsRateLimited(err error) bool {
	if errors.Is(err, ErrRateLimitExceeded) {
		return true
	}
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.StatusCode == http.StatusTooManyRequests
}

// IsTransient reports whether err is worth retrying in-process:
// connection failures, timeouts, and 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

// IsPermanent reports whether err is a 4xx other than 429 and must not be retried
func IsPermanent(err error) bool {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return false
	}
	return ue.StatusCode >= 400 && ue.StatusCode < 500 && ue.StatusCode != http.StatusTooManyRequests
}
