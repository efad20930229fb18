package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable, machine-checkable class of a failure.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindInvalidCredentials Kind = "invalid_credentials"
	KindUnauthenticated    Kind = "unauthenticated"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindInvalidState       Kind = "invalid_state"
	KindUnexpected         Kind = "unexpected"
)

// Sentinels for errors.Is checks. Any *Error of the same kind matches.
var (
	Validation         = &Error{Kind: KindValidation}
	InvalidCredentials = &Error{Kind: KindInvalidCredentials, Message: "invalid credentials"}
	Unauthenticated    = &Error{Kind: KindUnauthenticated}
	Forbidden          = &Error{Kind: KindForbidden}
	NotFound           = &Error{Kind: KindNotFound}
	Conflict           = &Error{Kind: KindConflict}
	InvalidState       = &Error{Kind: KindInvalidState}
	Unexpected         = &Error{Kind: KindUnexpected}
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Message != "":
		return e.Message
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Forbiddenf(format string, args ...any) *Error {
	return New(KindForbidden, format, args...)
}

func Conflictf(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

func InvalidStatef(format string, args ...any) *Error {
	return New(KindInvalidState, format, args...)
}

func Unauthenticatedf(format string, args ...any) *Error {
	return New(KindUnauthenticated, format, args...)
}

// Wrap classifies an infrastructure failure as unexpected.
func Wrap(err error, msg string) *Error {
	return &Error{Kind: KindUnexpected, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnexpected.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// Message returns the caller-facing message of err. Unexpected failures never
// leak their cause.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnexpected {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	return "internal server error"
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindInvalidState:
		return http.StatusBadRequest
	case KindInvalidCredentials, KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
