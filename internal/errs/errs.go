// Package errs defines the error taxonomy shared by every tradesim process.
// Leaf code wraps causes with fmt.Errorf("...: %w", err); boundaries attach a
// Kind so transports can map the failure to an HTTP status or gRPC code.
package errs

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Kind classifies an error for API translation
type Kind string

const (
	KindAuthentication Kind = "AUTHENTICATION"
	KindAuthorization  Kind = "AUTHORIZATION"
	KindValidation     Kind = "VALIDATION"
	KindNotFound       Kind = "NOT_FOUND"
	KindConflict       Kind = "CONFLICT"
	KindUnavailable    Kind = "UNAVAILABLE"
	KindInternal       Kind = "INTERNAL"
)

// Error is a kind-tagged error. RequestID is set when the failure belongs to
// a specific client request so WS/REST responses can echo it back.
type Error struct {
	Kind      Kind
	Message   string
	RequestID string
	Err       error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a kind-tagged error with a message
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a kind-tagged error with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with a kind and message
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithRequestID returns a copy of the error carrying the client request id
func (e *Error) WithRequestID(requestID string) *Error {
	clone := *e
	clone.RequestID = requestID
	return &clone
}

// Convenience constructors for the common kinds

func Authenticationf(format string, args ...interface{}) *Error {
	return Newf(KindAuthentication, format, args...)
}

func Authorizationf(format string, args ...interface{}) *Error {
	return Newf(KindAuthorization, format, args...)
}

func Validationf(format string, args ...interface{}) *Error {
	return Newf(KindValidation, format, args...)
}

func NotFoundf(format string, args ...interface{}) *Error {
	return Newf(KindNotFound, format, args...)
}

func Conflictf(format string, args ...interface{}) *Error {
	return Newf(KindConflict, format, args...)
}

func Unavailablef(format string, args ...interface{}) *Error {
	return Newf(KindUnavailable, format, args...)
}

func Internalf(format string, args ...interface{}) *Error {
	return Newf(KindInternal, format, args...)
}

// KindOf extracts the Kind from an error chain. Untagged errors are INTERNAL.
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

// MessageOf extracts the tagged message from an error chain, falling back to
// the error's own text for untagged errors.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// RequestIDOf extracts the request id from an error chain, if any.
func RequestIDOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.RequestID
	}
	return ""
}

// HTTPStatus maps a kind to its HTTP status code
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps a kind to its gRPC status code
func GRPCCode(kind Kind) codes.Code {
	switch kind {
	case KindAuthentication:
		return codes.Unauthenticated
	case KindAuthorization:
		return codes.PermissionDenied
	case KindValidation:
		return codes.InvalidArgument
	case KindNotFound:
		return codes.NotFound
	case KindConflict:
		return codes.AlreadyExists
	case KindUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
