package errors

import (
	"errors"
	"fmt"
)

// Error types for different domains
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeSecurity   ErrorType = "security"
	ErrorTypeIntegrity  ErrorType = "integrity"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeInternal   ErrorType = "internal"
)

// Codes used across the gateway. Detection outcomes (rate limit, CSRF,
// pattern match, fingerprint) are returned as decision values carrying one
// of these codes; only CodeInternalError travels as a raised error.
const (
	CodeMalformedIdentifier = "MALFORMED_IDENTIFIER"
	CodeExpiredIdentifier   = "EXPIRED_IDENTIFIER"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeOriginMismatch      = "ORIGIN_MISMATCH"
	CodeInvalidCsrfToken    = "INVALID_CSRF_TOKEN"
	CodeSuspiciousPattern   = "SUSPICIOUS_PATTERN_DETECTED"
	CodeIntegrityMismatch   = "INTEGRITY_MISMATCH"
	CodeHTTPSRequired       = "HTTPS_REQUIRED"
	CodeClientRejected      = "CLIENT_FINGERPRINT_REJECTED"
	CodeInternalError       = "INTERNAL_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors

func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

func NewSecurityError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeSecurity,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 403,
	}
}

func NewMalformedIdentifierError(message string) *AppError {
	return NewValidationError(CodeMalformedIdentifier, message)
}

func NewExpiredIdentifierError(message string) *AppError {
	return NewValidationError(CodeExpiredIdentifier, message)
}

func NewRateLimitError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeSecurity,
		Code:       CodeRateLimitExceeded,
		Message:    message,
		Retryable:  true,
		StatusCode: 429,
	}
}

func NewOriginMismatchError(message string) *AppError {
	return NewSecurityError(CodeOriginMismatch, message)
}

func NewInvalidCsrfTokenError(message string) *AppError {
	return NewSecurityError(CodeInvalidCsrfToken, message)
}

func NewSuspiciousPatternError(severity, message string) *AppError {
	return NewSecurityError(CodeSuspiciousPattern, message).
		WithDetails(map[string]interface{}{"severity": severity})
}

func NewIntegrityMismatchError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeIntegrity,
		Code:       CodeIntegrityMismatch,
		Message:    message,
		Retryable:  false,
		StatusCode: 409,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		Retryable:  false,
		StatusCode: 404,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       CodeInternalError,
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsInternal reports whether an error should be treated as an internal
// failure. Unknown error values fail closed as internal.
func IsInternal(err error) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == ErrorTypeInternal
	}
	return true
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}
