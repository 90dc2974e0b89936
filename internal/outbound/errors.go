package outbound

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrInvalidRequest means the request could not be built, e.g. a malformed URL.
var ErrInvalidRequest = errors.New("invalid outbound request")

type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if len(e.Body) > 256 {
		return fmt.Sprintf("unexpected status %d: %s...", e.Status, e.Body[:256])
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// IsTransient reports whether retrying the call may succeed: timeouts,
// network errors, 408, 429 and 5xx.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrInvalidRequest) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == http.StatusRequestTimeout ||
			se.Status == http.StatusTooManyRequests ||
			se.Status >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
