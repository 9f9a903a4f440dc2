// Package apperr defines the failures the matching core returns to callers.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNotEligible         = errors.New("not eligible")
	ErrInvalidState        = errors.New("invalid state")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrInternal            = errors.New("internal error")
)

// Error carries a taxonomy kind plus context. The underlying cause is kept
// for logs but Error() never prints it for internal failures.
type Error struct {
	Kind  error
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Msg
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func New(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error { return New(ErrNotFound, format, args...) }
func Unauthorized(format string, args ...any) error { return New(ErrUnauthorized, format, args...) }
func NotEligible(format string, args ...any) error { return New(ErrNotEligible, format, args...) }
func InvalidState(format string, args ...any) error { return New(ErrInvalidState, format, args...) }
func Conflict(format string, args ...any) error { return New(ErrConcurrencyConflict, format, args...) }

// Internal hides cause behind ErrInternal. A cause that already belongs to
// the taxonomy is returned unchanged.
func Internal(cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	if IsKnown(cause) {
		return cause
	}
	return &Error{Kind: ErrInternal, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

func IsKnown(err error) bool {
	for _, k := range []error{ErrNotFound, ErrUnauthorized, ErrNotEligible, ErrInvalidState, ErrConcurrencyConflict, ErrInternal} {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}

// KindName returns a short label for the taxonomy kind of err, for metrics.
func KindName(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrConcurrencyConflict):
		return "conflict"
	default:
		return "internal"
	}
}
