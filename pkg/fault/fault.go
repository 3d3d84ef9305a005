// Package fault defines the error taxonomy shared by the orchestrator, the
// resilience envelope, the provider gateway, and the store. Errors are
// classified by Kind; retryability is a property of the kind, not of the
// call site. Faults wrap their cause and cooperate with errors.Is/As.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies a failure class within the taxonomy.
type Kind string

const (
	// Retryable kinds. The retry wrapper re-attempts these; the circuit
	// breaker counts them toward its trip threshold.
	KindRateLimited       Kind = "rate_limited"
	KindOverloaded        Kind = "overloaded"
	KindUpstreamTransient Kind = "upstream_transient"
	KindTimeout           Kind = "timeout"
	KindCircuitOpen       Kind = "circuit_open"

	// Non-retryable kinds. These surface immediately.
	KindAuth                 Kind = "auth"
	KindBadRequest           Kind = "bad_request"
	KindNotFound             Kind = "not_found"
	KindIllegalTransition    Kind = "illegal_transition"
	KindVcsRequired          Kind = "vcs_required"
	KindPathOutOfScope       Kind = "path_out_of_scope"
	KindMultiHunkUnsupported Kind = "multi_hunk_unsupported"
	KindCancelled            Kind = "cancelled"

	// KindIoError retryability depends on the source; constructors take an
	// explicit flag.
	KindIoError Kind = "io_error"

	// KindInternal marks broken invariants (exit code 70 territory).
	KindInternal Kind = "internal"
)

// kindRetryable fixes retryability per kind. KindIoError is absent on
// purpose: IO faults carry their own flag.
var kindRetryable = map[Kind]bool{
	KindRateLimited:       true,
	KindOverloaded:        true,
	KindUpstreamTransient: true,
	KindTimeout:           true,
	KindCircuitOpen:       true,
}

// Fault is the concrete error type carrying a Kind and an optional cause.
type Fault struct {
	kind      Kind
	message   string
	retryable bool
	cause     error
}

// New creates a Fault of the given kind with a formatted message.
// Retryability is derived from the kind.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{
		kind:      kind,
		message:   fmt.Sprintf(format, args...),
		retryable: kindRetryable[kind],
	}
}

// Wrap creates a Fault of the given kind wrapping an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Fault {
	return &Fault{
		kind:      kind,
		message:   fmt.Sprintf(format, args...),
		retryable: kindRetryable[kind],
		cause:     cause,
	}
}

// IO creates a KindIoError fault with caller-decided retryability.
func IO(cause error, retryable bool, format string, args ...any) *Fault {
	return &Fault{
		kind:      KindIoError,
		message:   fmt.Sprintf(format, args...),
		retryable: retryable,
		cause:     cause,
	}
}

// Kind returns the fault's classification.
func (f *Fault) Kind() Kind { return f.kind }

// Retryable reports whether the envelope may re-attempt the operation.
func (f *Fault) Retryable() bool { return f.retryable }

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.kind, f.message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.kind, f.message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (f *Fault) Unwrap() error { return f.cause }

// Is matches any Fault with the same kind, so sentinel-style checks like
// errors.Is(err, fault.New(fault.KindTimeout, "")) work across wrapping.
func (f *Fault) Is(target error) bool {
	var t *Fault
	if !errors.As(target, &t) {
		return false
	}
	return f.kind == t.kind
}

// As extracts a *Fault from an error chain.
func As(err error) (*Fault, bool) {
	var f *Fault
	ok := errors.As(err, &f)
	return f, ok
}

// KindOf walks the error chain and returns the outermost Fault's kind.
// Bare context errors classify as Timeout/Cancelled; anything else is
// KindInternal so that unclassified failures never look retryable.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if f, ok := As(err); ok {
		return f.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// Retryable reports whether err may be retried. Bare deadline errors count
// as retryable timeouts; bare cancellation never retries.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if f, ok := As(err); ok {
		return f.retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
