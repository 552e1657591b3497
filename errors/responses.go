package errors

import (
	"errors"
	"fmt"
)

// RequestIDHeader carries the request ID on both requests and responses.
const RequestIDHeader = "X-Request-ID"

// ErrorResponse is the envelope written to clients when an error occurs.
type ErrorResponse struct {
	Error *ProxyError `json:"error"`
}

// UpstreamError reports a non-2xx answer from the completion backend.
// Forward relays its status code and body to the client.
type UpstreamError struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// As is a wrapper around errors.As for better error type assertion
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
