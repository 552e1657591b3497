package middleware

type contextKey string

const (
	// RequestIDKey stores the request ID in the request context.
	RequestIDKey contextKey = "request_id"
)
