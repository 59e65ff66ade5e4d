// Package apperr defines the error taxonomy shared by the sync, license and
// token subsystems, and its mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and presentation.
type Kind string

const (
	// KindValidation is bad input shape. Never retried.
	KindValidation Kind = "validation"
	// KindAuth is a missing or invalid credential. Never retried automatically.
	KindAuth Kind = "auth"
	// KindForbidden is a license or permission denial. Terminal for the action.
	KindForbidden Kind = "forbidden"
	// KindNotFound is a missing license, account or record.
	KindNotFound Kind = "not_found"
	// KindRetryable is a transient store failure; the operation may be retried later.
	KindRetryable Kind = "retryable"
	// KindInsufficient is a token balance too low for the requested amount.
	KindInsufficient Kind = "insufficient_resource"
	// KindAbuse is a rate limit or burn-rate threshold being exceeded.
	KindAbuse Kind = "abuse_detected"
	// KindInternal is anything else.
	KindInternal Kind = "internal"
)

// Error is a classified error carrying a user-facing message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err under kind with a message.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation returns a KindValidation error.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

// Forbidden returns a KindForbidden error whose message is the block reason.
func Forbidden(reason string) *Error {
	return New(KindForbidden, reason)
}

// NotFound returns a KindNotFound error.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

// Retryable wraps a transient failure.
func Retryable(err error, message string) *Error {
	return Wrap(KindRetryable, err, message)
}

// KindOf returns the kind of err, or KindInternal if it is unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	return Is(err, KindRetryable)
}

// Message returns the user-facing message for err. Unclassified errors get a
// generic message so internals are not leaked.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps an error onto a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInsufficient:
		return http.StatusPaymentRequired
	case KindAbuse:
		return http.StatusTooManyRequests
	case KindRetryable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
