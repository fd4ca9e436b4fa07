// Package apperr defines the error taxonomy shared by every component of
// the campaign engine. Components never panic and never use Go exceptions
// for expected conditions (NotFound, Duplicate, ...); they return *Error,
// which the tool surface translates into the structured {success, errors}
// envelope described by the host protocol.
package apperr

import "fmt"

// Kind enumerates the taxonomy from spec §7.
type Kind string

const (
	NotConnected Kind = "not_connected"
	Forbidden    Kind = "forbidden"
	NotFound     Kind = "not_found"
	Duplicate    Kind = "duplicate"
	InvalidState Kind = "invalid_state"
	RateLimited  Kind = "rate_limited"
	Transient    Kind = "transient"
	Internal     Kind = "internal"
)

// Error is the sum-typed result every component returns for expected
// failure modes instead of relying on error-string sniffing upstream.
type Error struct {
	Kind Kind
	// Message is a human-readable description, safe to surface to the host.
	Message string
	// Retryable is advisory; no component reads it. The sender (C5) decides
	// whether to retry from Kind (RateLimited), not from this flag.
	Retryable bool
	// Data carries kind-specific payload, e.g. {"campaign_id": 7} for Duplicate.
	Data map[string]any
	// Wrapped is the underlying fault, if any (not surfaced to the host).
	Wrapped error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Wrapped
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: err}
}

// Internalf wraps an unexpected fault as a terminal Internal error, the
// catch-all for I/O faults the Store is not expected to recover from.
func Internalf(format string, args ...any) *Error {
	return &Error{Kind: Internal, Message: fmt.Sprintf(format, args...)}
}

// As extracts an *Error from err, constructing an Internal wrapper when err
// is a plain Go error the caller didn't originate as an *Error.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Kind: Internal, Message: err.Error(), Wrapped: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
