// Package errors provides the coded error taxonomy shared by the registry core and the
// HTTP surface. Callers branch on ErrorCode; errors.Is matches by code.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the IoT registry service.
type ErrorCode string

const (
	// Registry errors
	IOT_NOT_AUTHORIZED        ErrorCode = "IOT_NOT_AUTHORIZED"        // Caller lacks ownership or admin role
	IOT_ALREADY_REGISTERED    ErrorCode = "IOT_ALREADY_REGISTERED"    // Device or stream id collision
	IOT_DEVICE_NOT_FOUND      ErrorCode = "IOT_DEVICE_NOT_FOUND"      // Stream registration references unknown device
	IOT_STREAM_NOT_FOUND      ErrorCode = "IOT_STREAM_NOT_FOUND"      // Access request references unknown stream
	IOT_INACTIVE_STREAM       ErrorCode = "IOT_INACTIVE_STREAM"       // Access requested on a deactivated stream
	IOT_INVALID_PRICE         ErrorCode = "IOT_INVALID_PRICE"         // Price below current minimum
	IOT_PAYMENT_FAILED        ErrorCode = "IOT_PAYMENT_FAILED"        // Transfer collaborator reported failure
	IOT_VERIFICATION_REQUIRED ErrorCode = "IOT_VERIFICATION_REQUIRED" // Verification policy denied access

	// Validation errors
	IOT_VALIDATION  ErrorCode = "IOT_VALIDATION"  // General validation error
	IOT_BAD_REQUEST ErrorCode = "IOT_BAD_REQUEST" // Bad request

	// Authentication errors
	IOT_AUTHN         ErrorCode = "IOT_AUTHN"         // Authentication failed
	IOT_JWT_INVALID   ErrorCode = "IOT_JWT_INVALID"   // Invalid JWT
	IOT_JWT_EXPIRED   ErrorCode = "IOT_JWT_EXPIRED"   // Expired JWT
	IOT_JWT_MALFORMED ErrorCode = "IOT_JWT_MALFORMED" // Malformed JWT

	// Resource errors
	IOT_NOT_FOUND ErrorCode = "IOT_NOT_FOUND" // Read of an absent record

	// Server errors
	IOT_INTERNAL    ErrorCode = "IOT_INTERNAL"    // Internal server error
	IOT_UNAVAILABLE ErrorCode = "IOT_UNAVAILABLE" // Service unavailable
)

// Sentinels for errors.Is. Never mutate these; use New or Wrap to build a returned error.
var (
	ErrNotAuthorized        = &Error{Code: IOT_NOT_AUTHORIZED}
	ErrAlreadyRegistered    = &Error{Code: IOT_ALREADY_REGISTERED}
	ErrDeviceNotFound       = &Error{Code: IOT_DEVICE_NOT_FOUND}
	ErrStreamNotFound       = &Error{Code: IOT_STREAM_NOT_FOUND}
	ErrInactiveStream       = &Error{Code: IOT_INACTIVE_STREAM}
	ErrInvalidPrice         = &Error{Code: IOT_INVALID_PRICE}
	ErrPaymentFailed        = &Error{Code: IOT_PAYMENT_FAILED}
	ErrVerificationRequired = &Error{Code: IOT_VERIFICATION_REQUIRED}
	ErrValidation           = &Error{Code: IOT_VALIDATION}
	ErrNotFound             = &Error{Code: IOT_NOT_FOUND}
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`

	cause error
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
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Wrap creates a new Error that keeps cause reachable through errors.Unwrap.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message, "")
	e.cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCorrelationID returns a copy of e stamped with the request's correlation id.
func (e *Error) WithCorrelationID(correlationID string) *Error {
	c := *e
	c.CorrelationID = correlationID
	if c.HTTPStatus == 0 {
		c.HTTPStatus = httpStatusCodeForCode(c.Code)
	}
	return &c
}

// CodeOf extracts the code from err, or IOT_INTERNAL if err carries none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return IOT_INTERNAL
}

// From converts any error into an *Error. Uncoded errors become IOT_INTERNAL so that
// infrastructure details never leak to callers.
func From(err error, correlationID string) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e.WithCorrelationID(correlationID)
	}
	return New(IOT_INTERNAL, "internal error", correlationID)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case IOT_VALIDATION, IOT_BAD_REQUEST, IOT_INVALID_PRICE:
		return http.StatusBadRequest
	case IOT_NOT_AUTHORIZED, IOT_VERIFICATION_REQUIRED:
		return http.StatusForbidden
	case IOT_AUTHN, IOT_JWT_INVALID, IOT_JWT_EXPIRED, IOT_JWT_MALFORMED:
		return http.StatusUnauthorized
	case IOT_NOT_FOUND, IOT_DEVICE_NOT_FOUND, IOT_STREAM_NOT_FOUND:
		return http.StatusNotFound
	case IOT_ALREADY_REGISTERED, IOT_INACTIVE_STREAM:
		return http.StatusConflict
	case IOT_PAYMENT_FAILED:
		return http.StatusPaymentRequired
	case IOT_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
