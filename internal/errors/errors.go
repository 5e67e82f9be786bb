// Package errors provides standardized error handling for the media service.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the media service.
type ErrorCode string

const (
	// Validation errors
	MEDIA_VALIDATION  ErrorCode = "MEDIA_VALIDATION"  // General validation error
	MEDIA_BAD_REQUEST ErrorCode = "MEDIA_BAD_REQUEST" // Bad request
	MEDIA_NOT_PRIVATE ErrorCode = "MEDIA_NOT_PRIVATE" // Asset does not require a signed URL

	// Authentication/Authorization errors
	MEDIA_AUTHZ         ErrorCode = "MEDIA_AUTHZ"         // Authorization failed
	MEDIA_AUTHN         ErrorCode = "MEDIA_AUTHN"         // Authentication failed
	MEDIA_JWT_INVALID   ErrorCode = "MEDIA_JWT_INVALID"   // Invalid JWT
	MEDIA_JWT_EXPIRED   ErrorCode = "MEDIA_JWT_EXPIRED"   // Expired JWT
	MEDIA_JWT_MALFORMED ErrorCode = "MEDIA_JWT_MALFORMED" // Malformed JWT
	MEDIA_ACCESS_DENIED ErrorCode = "MEDIA_ACCESS_DENIED" // Custom access check refused the asset

	// Resource errors
	MEDIA_NOT_FOUND      ErrorCode = "MEDIA_NOT_FOUND"      // Resource not found
	MEDIA_CONFLICT       ErrorCode = "MEDIA_CONFLICT"       // Resource conflict
	MEDIA_NOT_CANCELABLE ErrorCode = "MEDIA_NOT_CANCELABLE" // Upload is already in flight
	MEDIA_TOO_LARGE      ErrorCode = "MEDIA_TOO_LARGE"      // Remote plan size limit exceeded
	MEDIA_FORMAT         ErrorCode = "MEDIA_FORMAT"         // Remote rejected the file format

	// Server errors
	MEDIA_CONFIG      ErrorCode = "MEDIA_CONFIG"      // Collection or credentials misconfigured
	MEDIA_UPLOAD      ErrorCode = "MEDIA_UPLOAD"      // Remote upload failed
	MEDIA_INTERNAL    ErrorCode = "MEDIA_INTERNAL"    // Internal server error
	MEDIA_UNAVAILABLE ErrorCode = "MEDIA_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
	Err           error       `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	e := New(code, message, correlationID)
	e.Details = details
	return e
}

// Wrap creates a new Error that keeps err as its cause.
func Wrap(code ErrorCode, message string, err error) *Error {
	e := New(code, message, "")
	e.Err = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case MEDIA_VALIDATION, MEDIA_BAD_REQUEST, MEDIA_NOT_PRIVATE, MEDIA_NOT_CANCELABLE:
		return http.StatusBadRequest
	case MEDIA_AUTHZ, MEDIA_ACCESS_DENIED:
		return http.StatusForbidden
	case MEDIA_AUTHN, MEDIA_JWT_INVALID, MEDIA_JWT_EXPIRED, MEDIA_JWT_MALFORMED:
		return http.StatusUnauthorized
	case MEDIA_NOT_FOUND:
		return http.StatusNotFound
	case MEDIA_CONFLICT:
		return http.StatusConflict
	case MEDIA_TOO_LARGE:
		return http.StatusRequestEntityTooLarge
	case MEDIA_FORMAT:
		return http.StatusUnprocessableEntity
	case MEDIA_UPLOAD:
		return http.StatusBadGateway
	case MEDIA_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
