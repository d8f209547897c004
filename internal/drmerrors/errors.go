// Package drmerrors defines the stable error-kind taxonomy shared by every
// component of the DRM runtime. Every throw site in the core maps to one of
// these kinds regardless of which layer raised it, so callers can branch on
// Kind without caring whether the failure came from the controller, the web
// service, or local validation.
package drmerrors

import (
	"errors"
	"fmt"
)

// Kind identifies the class of failure. Values are stable identities: do not
// renumber, callers may compare them across versions.
type Kind int

const (
	// KindUnknown is the zero value and never intentionally returned.
	KindUnknown Kind = iota
	// KindBadArg is an invalid parameter at the API surface.
	KindBadArg
	// KindBadFormat is a malformed configuration, credential, or persisted license.
	KindBadFormat
	// KindBadUsage is a controller mode inconsistent with configuration, or
	// an instance that already owns the controller.
	KindBadUsage
	// KindBadFrequency is a measured controller frequency deviating beyond threshold.
	KindBadFrequency
	// KindHWError is any non-OK return from the controller driver.
	KindHWError
	// KindHWTimeout is a bounded wait on a controller status bit that expired.
	KindHWTimeout
	// KindWSRequestError is a non-retryable 4xx from the licensing service.
	KindWSRequestError
	// KindWSMayRetry is a retryable HTTP/network condition.
	KindWSMayRetry
	// KindWSError is a non-retryable 5xx or malformed response.
	KindWSError
	// KindWSResponseError is a response that parsed but is missing a required field.
	KindWSResponseError
	// KindWSTimedOut is a retry deadline exhausted while retrying.
	KindWSTimedOut
	// KindExternFail is an OS/library error (file I/O, allocation).
	KindExternFail
	// KindExit is an internal signal used by background tasks to unwind cleanly on stop.
	// It must never be observed outside the task boundary that produced it.
	KindExit
	// KindPNCInitError is a trusted-application transport that failed to initialize.
	KindPNCInitError
)

func (k Kind) String() string {
	switch k {
	case KindBadArg:
		return "bad-arg"
	case KindBadFormat:
		return "bad-format"
	case KindBadUsage:
		return "bad-usage"
	case KindBadFrequency:
		return "bad-frequency"
	case KindHWError:
		return "hw-error"
	case KindHWTimeout:
		return "hw-timeout"
	case KindWSRequestError:
		return "ws-request-error"
	case KindWSMayRetry:
		return "ws-may-retry"
	case KindWSError:
		return "ws-error"
	case KindWSResponseError:
		return "ws-response-error"
	case KindWSTimedOut:
		return "ws-timed-out"
	case KindExternFail:
		return "extern-fail"
	case KindExit:
		return "exit"
	case KindPNCInitError:
		return "pnc-init-error"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned throughout the core. Op names
// the operation that failed (e.g. "engine.activate"), Err is the optional
// wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap builds an *Error wrapping an existing error.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, returning KindUnknown if err is not (or
// does not wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err is (or wraps) a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ErrExit is the sentinel used by background tasks to unwind on a clean stop
// request. runLoop (internal/engine) converts it into a normal return and it
// must never reach the async-error callback.
var ErrExit = &Error{Kind: KindExit, Op: "loop", Err: errors.New("stop requested")}
