// Package errors provides structured error handling with HTTP status mapping
// for the relay's request boundary.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes an error for status mapping and metrics.
type Kind string

const (
	// KindValidation indicates invalid input (HTTP 400)
	KindValidation Kind = "validation"
	// KindNotFound indicates a missing resource (HTTP 404)
	KindNotFound Kind = "not_found"
	// KindLimited indicates a rejected connection or rate limit (HTTP 429)
	KindLimited Kind = "limited"
	// KindExternal indicates an upstream service failure (HTTP 502)
	KindExternal Kind = "external"
	// KindInternal indicates a server-side failure (HTTP 500)
	KindInternal Kind = "internal"
)

// Error is a categorized error carrying an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error kind to a response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindLimited:
		return http.StatusTooManyRequests
	case KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Response is the JSON body written for an error.
type Response struct {
	Error string `json:"error"`
	Kind  Kind   `json:"kind"`
}

// ToResponse builds the client-facing JSON payload. Causes never reach
// clients; they stay in the logs.
func (e *Error) ToResponse() Response {
	return Response{Error: e.Message, Kind: e.Kind}
}

func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func Limited(message string) *Error {
	return &Error{Kind: KindLimited, Message: message}
}

func External(message string, cause error) *Error {
	return &Error{Kind: KindExternal, Message: message, Cause: cause}
}

func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Cause: cause}
}

// AsError converts any error into a structured *Error, wrapping unknown
// errors as internal.
func AsError(err error) *Error {
	var structured *Error
	if errors.As(err, &structured) {
		return structured
	}
	return &Error{Kind: KindInternal, Message: "internal server error", Cause: err}
}
