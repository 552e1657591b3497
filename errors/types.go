package errors

import (
	"net/http"
)

// NewError creates a new ProxyError with the given parameters.
// It is a general-purpose constructor that allows full control over
// the error's fields. For most cases, use one of the specialized
// constructors below.
//
// Example:
//
//	err := NewError(InternalError, "encode failed", 500, "req_123", nil, encErr)
func NewError(errType ErrorType, message string, code int, requestID string, details map[string]interface{}, err error) *ProxyError {
	return &ProxyError{
		Type:      errType,
		Message:   message,
		Code:      code,
		RequestID: requestID,
		Details:   details,
		err:       err,
	}
}

// NewValidationError creates a validation error with appropriate defaults.
// Use this for requests the gateway cannot interpret, such as:
//   - Malformed JSON bodies
//   - Missing required fields
//
// Example:
//
//	err := NewValidationError("req_123", "Invalid request body", map[string]interface{}{
//	    "field": "messages",
//	})
func NewValidationError(requestID, message string, validationDetails map[string]interface{}) *ProxyError {
	return &ProxyError{
		Type:      ValidationError,
		Message:   message,
		Code:      http.StatusBadRequest,
		RequestID: requestID,
		Details:   validationDetails,
	}
}

// NewRateLimitError creates a rate limit error with appropriate defaults.
//
// Example:
//
//	err := NewRateLimitError("req_123", 30)
func NewRateLimitError(requestID string, retryAfter int) *ProxyError {
	return &ProxyError{
		Type:      RateLimitError,
		Message:   "Rate limit exceeded",
		Code:      http.StatusTooManyRequests,
		RequestID: requestID,
		Details: map[string]interface{}{
			"retry_after": retryAfter,
		},
	}
}

// NewProviderError creates a provider error with appropriate defaults.
// Use this when the completion backend cannot be reached or refuses work,
// such as a transport failure or an open circuit breaker.
//
// Example:
//
//	err := NewProviderError("req_123", "Upstream unavailable", transportErr)
func NewProviderError(requestID string, message string, err error) *ProxyError {
	return &ProxyError{
		Type:      ProviderError,
		Message:   message,
		Code:      http.StatusBadGateway,
		RequestID: requestID,
		err:       err,
	}
}

// NewInternalError creates an internal server error with appropriate defaults.
// Use this for unexpected errors that are not covered by other error types.
//
// Example:
//
//	err := NewInternalError("req_123", encErr)
func NewInternalError(requestID string, err error) *ProxyError {
	return &ProxyError{
		Type:      InternalError,
		Message:   "An internal error occurred",
		Code:      http.StatusInternalServerError,
		RequestID: requestID,
		err:       err,
	}
}
