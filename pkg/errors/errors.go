package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error codes shared across the toolkit's packages.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeAlreadyExists    = "ALREADY_EXISTS"
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeConflict         = "CONFLICT"
	CodeUnavailable      = "UNAVAILABLE"
	CodeTimeout          = "TIMEOUT"
	CodeInternal         = "INTERNAL"
)

// AppError is the structured error type used throughout the toolkit.
// It carries a stable Code for programmatic matching, a human-readable
// Message, and an optional wrapped cause.
type AppError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap allows errors.Is/errors.As to traverse into the wrapped cause.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New constructs an AppError with the given code, message, and optional
// wrapped cause.
func New(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Wrap attaches a message to err, preserving its code if err is (or
// wraps) an AppError, otherwise defaulting to CodeInternal.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if As(err, &appErr) {
		return &AppError{Code: appErr.Code, Message: message, Err: err}
	}
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// Is delegates to the standard library for sentinel-error comparison.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As delegates to the standard library for typed-error extraction.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// CodeOf returns the Code of err if it is (or wraps) an AppError, and
// an empty string otherwise.
func CodeOf(err error) string {
	var appErr *AppError
	if As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// HTTPStatus maps an AppError's code to the conventional HTTP status
// for that class of failure. Errors that are not AppErrors, or whose
// code is unrecognized, map to 500.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeAlreadyExists, CodeConflict:
		return http.StatusConflict
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps an AppError's code to the conventional gRPC status
// code number for that class of failure, avoiding a hard dependency on
// google.golang.org/grpc/codes for callers that don't otherwise need it.
func GRPCCode(err error) int {
	switch CodeOf(err) {
	case CodeNotFound:
		return 5 // codes.NotFound
	case CodeInvalidArgument:
		return 3 // codes.InvalidArgument
	case CodeAlreadyExists:
		return 6 // codes.AlreadyExists
	case CodeConflict:
		return 9 // codes.FailedPrecondition
	case CodeUnauthenticated:
		return 16 // codes.Unauthenticated
	case CodePermissionDenied:
		return 7 // codes.PermissionDenied
	case CodeUnavailable:
		return 14 // codes.Unavailable
	case CodeTimeout:
		return 4 // codes.DeadlineExceeded
	default:
		return 13 // codes.Internal
	}
}
