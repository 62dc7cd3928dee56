// Package apperr defines the error taxonomy shared by services and handlers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind string

const (
	KindBadRequest      Kind = "bad_request"
	KindUnauthorized    Kind = "unauthorized"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindValidation      Kind = "validation"
	KindExternalService Kind = "external_service"
	KindInternal        Kind = "internal"
)

// Error is a classified error with a client-safe message.
// Err holds the underlying cause and is never rendered to clients.
type Error struct {
	Kind    Kind
	Code    string
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

// Status returns the HTTP status for the error kind.
func (e *Error) Status() int {
	switch e.Kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func newErr(kind Kind, code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: cause}
}

// BadRequest reports malformed input such as a phone number or channel.
func BadRequest(code, msg string) *Error {
	return newErr(KindBadRequest, code, msg, nil)
}

// BadRequestWrap is BadRequest with a logged-but-hidden cause.
func BadRequestWrap(code, msg string, cause error) *Error {
	return newErr(KindBadRequest, code, msg, cause)
}

// Unauthorized reports missing or invalid credentials.
func Unauthorized(code, msg string) *Error {
	return newErr(KindUnauthorized, code, msg, nil)
}

// Forbidden reports an authenticated principal lacking permission.
func Forbidden(msg string) *Error {
	return newErr(KindForbidden, "FORBIDDEN", msg, nil)
}

// NotFound reports an unknown resource.
func NotFound(msg string) *Error {
	return newErr(KindNotFound, "NOT_FOUND", msg, nil)
}

// Conflict reports a state conflict such as an invalid status transition.
func Conflict(code, msg string) *Error {
	return newErr(KindConflict, code, msg, nil)
}

// Validation reports a schema violation.
func Validation(msg string) *Error {
	return newErr(KindValidation, "VALIDATION_ERROR", msg, nil)
}

// External reports a provider API failure.
func External(msg string, cause error) *Error {
	return newErr(KindExternalService, "EXTERNAL_SERVICE_ERROR", msg, cause)
}

// Internal wraps an unexpected failure.
func Internal(msg string, cause error) *Error {
	return newErr(KindInternal, "INTERNAL_ERROR", msg, cause)
}

// As extracts an *Error from err, or wraps it as internal.
func As(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("internal server error", err)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}
