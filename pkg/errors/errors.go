package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Is and As re-export the standard library so callers only need to import
// this package when working with AppError chains.
var (
	Is = errors.Is
	As = errors.As
)

// Code is a standardized, stable error classification.
type Code string

const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeForbidden       Code = "FORBIDDEN"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeTimeout         Code = "TIMEOUT"
	CodeCanceled        Code = "CANCELED"
	CodeInternal        Code = "INTERNAL"
)

// AppError is the structured error type used throughout the module. It
// carries a stable Code for programmatic branching, a human-readable
// Message, and an optional wrapped Err for root-cause chaining.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New constructs an AppError with the given code.
func New(code Code, message string, err error) error {
	return &AppError{Code: code, Message: message, Err: err}
}

// Wrap attaches additional context to err while preserving its code when
// err is (or wraps) an *AppError; otherwise it classifies err as internal.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return &AppError{Code: ae.Code, Message: message, Err: err}
	}
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// NotFound, Internal, Conflict, Forbidden, Unauthorized, InvalidArgument,
// Unavailable and Timeout are convenience constructors for the codes above.

func NotFound(message string, err error) error {
	return &AppError{Code: CodeNotFound, Message: message, Err: err}
}

func Internal(message string, err error) error {
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

func Conflict(message string, err error) error {
	return &AppError{Code: CodeConflict, Message: message, Err: err}
}

func Forbidden(message string, err error) error {
	return &AppError{Code: CodeForbidden, Message: message, Err: err}
}

func Unauthorized(message string, err error) error {
	return &AppError{Code: CodeUnauthorized, Message: message, Err: err}
}

func InvalidArgument(message string, err error) error {
	return &AppError{Code: CodeInvalidArgument, Message: message, Err: err}
}

func Unavailable(message string, err error) error {
	return &AppError{Code: CodeUnavailable, Message: message, Err: err}
}

func Timeout(message string, err error) error {
	return &AppError{Code: CodeTimeout, Message: message, Err: err}
}

func Canceled(message string, err error) error {
	return &AppError{Code: CodeCanceled, Message: message, Err: err}
}

// CodeOf extracts the Code from err if it is (or wraps) an *AppError.
func CodeOf(err error) (Code, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code, true
	}
	return "", false
}

// ToHTTPStatus maps a Code to the HTTP status an API handler should return.
func ToHTTPStatus(err error) int {
	code, ok := CodeOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch code {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeForbidden:
		return http.StatusForbidden
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
