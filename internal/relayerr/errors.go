// Package relayerr provides structured error handling for the broker with
// kind classification and HTTP status code mapping for the operator API.
package relayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind represents the category of error for metrics and response formatting.
type Kind string

const (
	// KindTransport indicates an adapter-level send/receive failure.
	KindTransport Kind = "transport"
	// KindCapacity indicates a publish rejected because the memory budget is exhausted.
	KindCapacity Kind = "capacity"
	// KindMigrationHealth indicates the migration target adapter is unhealthy.
	KindMigrationHealth Kind = "migration_health"
	// KindValidation indicates invalid input to the operator API (HTTP 400).
	KindValidation Kind = "validation"
	// KindNotFound indicates an unknown connection or migration id (HTTP 404).
	KindNotFound Kind = "not_found"
	// KindInternal indicates an unexpected broker-side error (HTTP 500).
	KindInternal Kind = "internal"
)

// Error represents a structured error with kind, message, and context.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for this error kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindCapacity:
		return http.StatusServiceUnavailable
	case KindTransport, KindMigrationHealth:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WithContext adds a context field to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Transport creates a transport-level error wrapping an adapter failure.
func Transport(message string, cause error) *Error {
	return &Error{Kind: KindTransport, Message: message, Cause: cause}
}

// Capacity creates a capacity error. Callers must not retry automatically.
func Capacity(message string) *Error {
	return &Error{Kind: KindCapacity, Message: message}
}

// MigrationHealth creates a migration health error that triggers rollback.
func MigrationHealth(message string, cause error) *Error {
	return &Error{Kind: KindMigrationHealth, Message: message, Cause: cause}
}

// Validation creates a validation error for operator API input.
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// NotFound creates a not-found error.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// Internal creates an internal error.
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Cause: cause}
}

// KindOf extracts the kind from any error, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Response represents the JSON structure returned by the operator API.
type Response struct {
	Error   string         `json:"error"`
	Kind    Kind           `json:"kind"`
	Context map[string]any `json:"context,omitempty"`
}

// ToResponse converts an Error to a Response for JSON serialization.
func (e *Error) ToResponse() Response {
	return Response{Error: e.Message, Kind: e.Kind, Context: e.Context}
}

// AsStructured converts any error into a structured *Error.
// If err is already an *Error, returns it unchanged.
func AsStructured(err error) *Error {
	if err == nil {
		return nil
	}
	var structured *Error
	if errors.As(err, &structured) {
		return structured
	}
	return Internal("internal broker error", err)
}
