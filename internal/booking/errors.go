package booking

import (
	"errors"
	"fmt"
)

// Kind classifies a booking failure.  The HTTP layer maps kinds to
// status codes; the service never returns a raw storage error for a
// condition the caller can act on.
type Kind string

const (
	KindNotFound        Kind = "NOT_FOUND"
	KindConflict        Kind = "CONFLICT"
	KindInvalidState    Kind = "INVALID_STATE"
	KindTooLate         Kind = "TOO_LATE"
	KindForbidden       Kind = "FORBIDDEN"
	KindExternalFailure Kind = "EXTERNAL_FAILURE"
	KindValidation      Kind = "VALIDATION"
)

// Error is a classified booking failure.  SeatIDs lists the offending
// seats for conflicts and seat validation failures.
type Error struct {
	Kind    Kind
	Message string
	SeatIDs []uint64
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

// KindOf returns the kind of err, or "" when err is not a booking error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is a booking error of kind k.  TooLate is a
// refinement of InvalidState and matches both.
func IsKind(err error, k Kind) bool {
	got := KindOf(err)
	if got == k {
		return true
	}
	return k == KindInvalidState && got == KindTooLate
}
