package errors

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Forward writes the client-visible response for an error raised while
// serving r. It is the single place where handler failures become HTTP
// responses:
//   - a *ProxyError in the chain is written with its own code and type
//   - an *UpstreamError is relayed with the backend's status and body
//   - anything else becomes a 500 internal error
func Forward(w http.ResponseWriter, r *http.Request, err error) {
	requestID := r.Header.Get(RequestIDHeader)
	LogError(DefaultLogger, err, requestID)

	var proxyErr *ProxyError
	if As(err, &proxyErr) {
		if proxyErr.RequestID == "" {
			proxyErr.RequestID = requestID
		}
		WriteError(w, proxyErr)
		return
	}

	var upstreamErr *UpstreamError
	if As(err, &upstreamErr) {
		message := string(upstreamErr.Body)
		var envelope struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(upstreamErr.Body, &envelope) == nil && envelope.Error.Message != "" {
			message = envelope.Error.Message
		}
		WriteError(w, NewError(ProviderError, message, upstreamErr.StatusCode, requestID, nil, err))
		return
	}

	WriteError(w, NewInternalError(requestID, err))
}

// LogError logs an error with its context
func LogError(logger *zap.Logger, err error, requestID string) {
	var proxyErr *ProxyError
	if As(err, &proxyErr) {
		logger.Error("request error",
			zap.String("error_type", string(proxyErr.Type)),
			zap.String("message", proxyErr.Message),
			zap.Int("code", proxyErr.Code),
			zap.String("request_id", requestID),
			zap.Any("details", proxyErr.Details),
			zap.Error(proxyErr.Unwrap()),
		)
		return
	}
	logger.Error("unexpected error",
		zap.Error(err),
		zap.String("request_id", requestID),
	)
}
