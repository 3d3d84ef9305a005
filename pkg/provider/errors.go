package provider

import (
	"context"
	"errors"
	"net/http"

	"github.com/tessellate-ai/cardinal/pkg/fault"
)

// statusFault classifies an upstream HTTP status into a fault kind so the
// resilience envelope can decide whether the call is worth retrying.
func statusFault(status int, upstream string, err error) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fault.Wrap(fault.KindAuth, err, "%s rejected credentials (status %d)", upstream, status)
	case http.StatusNotFound:
		return fault.Wrap(fault.KindNotFound, err, "%s resource not found (status %d)", upstream, status)
	case http.StatusRequestTimeout:
		return fault.Wrap(fault.KindTimeout, err, "%s request timed out (status %d)", upstream, status)
	case http.StatusTooManyRequests:
		return fault.Wrap(fault.KindRateLimited, err, "%s rate limited the request", upstream)
	case http.StatusServiceUnavailable, 529:
		return fault.Wrap(fault.KindOverloaded, err, "%s is overloaded (status %d)", upstream, status)
	}
	if status >= 500 {
		return fault.Wrap(fault.KindUpstreamTransient, err, "%s returned a transient error (status %d)", upstream, status)
	}
	if status >= 400 {
		return fault.Wrap(fault.KindBadRequest, err, "%s rejected the request (status %d)", upstream, status)
	}
	return fault.Wrap(fault.KindInternal, err, "%s returned unexpected status %d", upstream, status)
}

// transportFault classifies errors that never produced an HTTP status:
// context cancellation passes through for the envelope to inspect, anything
// else (DNS, dial, TLS, truncated body) is treated as transient.
func transportFault(err error, upstream string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var f *fault.Fault
	if errors.As(err, &f) {
		return err
	}
	return fault.Wrap(fault.KindUpstreamTransient, err, "%s call failed", upstream)
}
