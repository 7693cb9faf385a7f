package webapi

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout marks an outbound call that exceeded its deadline.
var ErrTimeout = errors.New("web api: request timed out")

// APIError is a Slack-level failure: the HTTP exchange succeeded but the
// response carried "ok": false.
type APIError struct {
	Method string
	Reason string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack api %s: %s", e.Method, e.Reason)
}

// RateLimitedError is a 429 response. The limiters have already been
// penalized when this surfaces; callers decide whether to re-enqueue after
// RetryAfter.
type RateLimitedError struct {
	Method     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("slack api %s: rate limited, retry after %s", e.Method, e.RetryAfter)
}

// HTTPError is a non-429 transport-level failure (5xx, unexpected status).
type HTTPError struct {
	Method     string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("slack api %s: http status %d", e.Method, e.StatusCode)
}
