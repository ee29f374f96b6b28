// Package errs defines the error taxonomy shared by the session, engine,
// and transport layers so that faults can be dispatched on kind rather than
// on message text.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a fault for the purposes of session recovery and HTTP
// status mapping.
type Kind int

const (
	// Validation covers malformed messages, unknown filenames, unsupported
	// extensions, or missing required fields. Session state is preserved.
	Validation Kind = iota
	// Integrity covers seed-not-found, unsafe verdicts, and hash mismatches.
	// Session state is preserved, except when the session's current seed
	// fails re-verification during a reset or recovery, which closes it.
	Integrity
	// NotFound covers HTTP-facing lookups of a resource the caller named
	// that does not exist (as opposed to Integrity's seed-not-found, which
	// is a session-facing taxonomy entry with its own wording).
	NotFound
	// ResourceExhaustion covers out-of-memory engine construction.
	ResourceExhaustion
	// AcceleratorFault covers runtime failures during frame generation that
	// match the recovery heuristic.
	AcceleratorFault
	// TransportClose is a normal disconnect; never user-visible.
	TransportClose
	// FatalInternal covers anything else.
	FatalInternal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Integrity:
		return "integrity"
	case NotFound:
		return "not_found"
	case ResourceExhaustion:
		return "resource_exhaustion"
	case AcceleratorFault:
		return "accelerator_fault"
	case TransportClose:
		return "transport_close"
	case FatalInternal:
		return "fatal_internal"
	default:
		return "unknown"
	}
}

// Error is a taxonomy-tagged error. It wraps an underlying cause so
// errors.Is/errors.As keep working across the session boundary.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Cause != nil {
		return e.Cause.Error()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a taxonomy error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a taxonomy error around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Tag classifies cause under kind without re-wording it: the returned
// error's message is cause's own. Used where the cause's text is itself
// the client-facing message.
func Tag(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// KindOf extracts the taxonomy kind from err, defaulting to FatalInternal
// for errors that were never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return FatalInternal
}

// Validationf builds a Validation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return New(Validation, fmt.Sprintf(format, args...))
}

// Integrityf builds an Integrity error with a formatted message.
func Integrityf(format string, args ...any) *Error {
	return New(Integrity, fmt.Sprintf(format, args...))
}

// NotFoundf builds a NotFound error with a formatted message.
func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}
