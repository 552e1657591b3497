// Package middleware provides the HTTP middleware stack of the gateway.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/teilomillet/preamble/errors"
)

// RequestID middleware assigns every request an ID. A client-supplied
// X-Request-ID is reused, otherwise a UUID is generated. The ID is set on
// the response, on the request header for downstream handlers, and in the
// request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(errors.RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
			r.Header.Set(errors.RequestIDHeader, requestID)
		}

		w.Header().Set(errors.RequestIDHeader, requestID)

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request ID stored by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}
