// Package errors defines the structured error taxonomy shared by drivers, the
// observable database and the job boundary.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode defines specific error types.
type ErrorCode string

const (
	// CodeNotFound is returned when a requested key or record is absent.
	CodeNotFound ErrorCode = "NOT_FOUND"
	// CodeConflict is returned on a uniqueness violation at insert.
	CodeConflict ErrorCode = "CONFLICT"
	// CodeUnavailable is returned on backend or transport failure. It is
	// transient by nature; callers may retry.
	CodeUnavailable ErrorCode = "UNAVAILABLE"
	// CodeDisposed is returned when operating on a terminated document or bridge.
	CodeDisposed ErrorCode = "DISPOSED"
	// CodeValidationRejected is returned when a validator refused a candidate.
	CodeValidationRejected ErrorCode = "VALIDATION_REJECTED"

	// CodeUnauthorized is returned when authentication is missing or invalid.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	// CodeInvalidArgument is returned when the caller passed malformed input.
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	// CodeInternal is returned when an unexpected error occurs.
	CodeInternal ErrorCode = "INTERNAL"
)

// Sentinels usable with errors.Is. Any *Error with the same code matches.
var (
	ErrNotFound           = &Error{code: CodeNotFound, message: "not found"}
	ErrConflict           = &Error{code: CodeConflict, message: "conflict"}
	ErrUnavailable        = &Error{code: CodeUnavailable, message: "unavailable"}
	ErrDisposed           = &Error{code: CodeDisposed, message: "disposed"}
	ErrValidationRejected = &Error{code: CodeValidationRejected, message: "validation rejected"}
	ErrUnauthorized       = &Error{code: CodeUnauthorized, message: "unauthorized"}
	ErrInvalidArgument    = &Error{code: CodeInvalidArgument, message: "invalid argument"}
)

// Error is a concrete error type with a code, a message and optional details.
type Error struct {
	code       ErrorCode
	message    string
	details    map[string]any
	wrappedErr error
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{code: code, message: message}
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Details returns additional error details.
func (e *Error) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	return t.code == e.code
}

// NotFound creates a NOT_FOUND error for the named resource.
func NotFound(what string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s not found", what))
}

// Conflict creates a CONFLICT error for the named resource.
func Conflict(what string) *Error {
	return New(CodeConflict, fmt.Sprintf("%s already exists", what))
}

// Unavailable wraps a backend or transport failure.
func Unavailable(err error) *Error {
	return New(CodeUnavailable, "backend unavailable").Wrap(err)
}

// Closed returns an UNAVAILABLE error for an operation on a closed driver.
func Closed(what string) *Error {
	return New(CodeUnavailable, fmt.Sprintf("%s is closed", what))
}

// Disposed creates a DISPOSED error for the named object.
func Disposed(what string) *Error {
	return New(CodeDisposed, fmt.Sprintf("%s is disposed", what))
}

// Rejected wraps a validator failure for a table.
func Rejected(table string, err error) *Error {
	return New(CodeValidationRejected, fmt.Sprintf("validation rejected for %s", table)).WithDetail("table", table).Wrap(err)
}

// Unauthorized returns an UNAUTHORIZED error.
func Unauthorized() *Error {
	return New(CodeUnauthorized, "unauthorized")
}

// Invalid returns an INVALID_ARGUMENT error.
func Invalid(message string) *Error {
	return New(CodeInvalidArgument, message)
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.code
	}
	return CodeInternal
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return stderrors.Is(err, ErrUnavailable)
}

// Body is the structured error returned across the job boundary.
type Body struct {
	Error   string         `json:"error" cbor:"error"`
	Code    ErrorCode      `json:"code,omitempty" cbor:"code,omitempty"`
	Details map[string]any `json:"details,omitempty" cbor:"details,omitempty"`
}

// ToBody converts an error into a Body. It returns nil for a nil error.
func ToBody(err error) *Body {
	if err == nil {
		return nil
	}
	b := &Body{Error: err.Error(), Code: CodeOf(err)}
	var e *Error
	if stderrors.As(err, &e) && len(e.details) != 0 {
		b.Details = e.details
	}
	return b
}

// StatusCode maps code to the HTTP status used by the HTTP surfaces.
func StatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeDisposed:
		return http.StatusGone
	case CodeValidationRejected:
		return http.StatusUnprocessableEntity
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
