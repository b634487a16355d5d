// Package apperror defines the error taxonomy shared by the security layer
// and its mapping onto HTTP status codes.
package apperror

import (
	"errors"
	"net/http"
)

// Kind classifies a rejection.
type Kind int

const (
	// Internal is any failure outside the taxonomy below.
	Internal Kind = iota
	// AdmissionDenied is a rate limit or block rejection; retryable after RetryAfter.
	AdmissionDenied
	// Unauthenticated means the credentials are missing, malformed, invalid or expired.
	Unauthenticated
	// Unauthorized means a role or outlet-scope denial.
	Unauthorized
	// NotFound means a referenced outlet or key does not exist.
	NotFound
	// StateConflict means the operation is not valid for the record's current state.
	StateConflict
	// InvalidInput means the request itself is malformed.
	InvalidInput
)

func (k Kind) String() string {
	switch k {
	case AdmissionDenied:
		return "admission_denied"
	case Unauthenticated:
		return "unauthenticated"
	case Unauthorized:
		return "unauthorized"
	case NotFound:
		return "not_found"
	case StateConflict:
		return "state_conflict"
	case InvalidInput:
		return "invalid_input"
	default:
		return "internal"
	}
}

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case AdmissionDenied:
		return http.StatusTooManyRequests
	case Unauthenticated:
		return http.StatusUnauthorized
	case Unauthorized:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case StateConflict:
		return http.StatusConflict
	case InvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error carrying a client-safe message.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int
	Err        error
}

// New creates an Error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error that wraps cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status code for the error.
func (e *Error) Status() int { return e.Kind.Status() }

// KindOf returns the Kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}
