package pkgvault

import "fmt"

// Kind classifies a core error into the taxonomy the HTTP layer (api/errcode)
// maps onto status codes. It deliberately does not carry a status code
// itself: that mapping is the HTTP layer's job, not the engine's.
type Kind string

const (
	KindNotFound        Kind = "not-found"
	KindConflict        Kind = "conflict"
	KindBadData         Kind = "bad-data"
	KindBadRequest      Kind = "bad-request"
	KindUnavailable     Kind = "unavailable"
	KindInternal        Kind = "internal"
	KindContentMismatch Kind = "content-mismatch"
)

// Error is the core engine's error type. Every error that crosses a Local
// Store or Federated Store boundary is either already an *Error or gets
// wrapped into one before it reaches a caller, so HTTP translation never has
// to guess at a bare error's meaning.
type Error struct {
	Kind    Kind
	Message string
	Err     error // the underlying cause, if any; unwrapped by errors.Unwrap
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, pkgvault.NotFound("")) style checks, or more simply
// compare with errors.As and inspect Kind directly.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError constructs an *Error of the given kind wrapping cause, which may
// be nil.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// NotFound, Conflict, BadData, BadRequest, Unavailable, Internal, and
// ContentMismatch are convenience constructors for the taxonomy in SPEC_FULL
// §7. They all wrap a nil cause; use NewError directly to attach one.
func NotFound(message string) *Error        { return NewError(KindNotFound, message, nil) }
func Conflict(message string) *Error        { return NewError(KindConflict, message, nil) }
func BadData(message string) *Error         { return NewError(KindBadData, message, nil) }
func BadRequest(message string) *Error      { return NewError(KindBadRequest, message, nil) }
func Unavailable(message string) *Error     { return NewError(KindUnavailable, message, nil) }
func Internal(message string) *Error        { return NewError(KindInternal, message, nil) }
func ContentMismatch(message string) *Error { return NewError(KindContentMismatch, message, nil) }

// KindOf returns the Kind of err if it is, or wraps, a *Error, and
// KindInternal otherwise — any error the engine did not itself classify is
// treated as internal rather than silently passed through as not-found or
// similar.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	for {
		if as, ok := err.(*Error); ok {
			e = as
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
		if err == nil {
			break
		}
	}
	if e == nil {
		return KindInternal
	}
	return e.Kind
}
