package completion

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/teilomillet/preamble/errors"
	"github.com/teilomillet/preamble/server/metrics"
	"go.uber.org/zap"
)

// Backend executes a chat completion and writes the response, streamed or
// not. It must return an error instead of writing one, and must not return
// an error after it has started writing the response.
type Backend interface {
	Complete(w http.ResponseWriter, req *Request) error
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(w http.ResponseWriter, req *Request) error

// Complete calls f(w, req).
func (f BackendFunc) Complete(w http.ResponseWriter, req *Request) error {
	return f(w, req)
}

// HTTPBackend adapts a plain http.Handler to Backend. The handler receives
// req.HTTPRequest(), so it can read the rewritten body as usual.
func HTTPBackend(h http.Handler) Backend {
	return BackendFunc(func(w http.ResponseWriter, req *Request) error {
		h.ServeHTTP(w, req.HTTPRequest())
		return nil
	})
}

// ErrorForwarder turns an error into the client-visible response.
type ErrorForwarder func(w http.ResponseWriter, r *http.Request, err error)

// Option configures a Handler.
type Option func(*Handler)

// WithErrorForwarder replaces errors.Forward as the error channel.
func WithErrorForwarder(forward ErrorForwarder) Option {
	return func(h *Handler) { h.forward = forward }
}

// WithMetrics records placements and backend timings in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithBackendName sets the backend label used in logs and metrics.
func WithBackendName(name string) Option {
	return func(h *Handler) { h.backendName = name }
}

// Handler serves chat-completion requests: parse, inject, rebuild, and
// pass to the backend. Every failure on that path, panics included, is
// handed to the error forwarder exactly once.
type Handler struct {
	injector    *Injector
	backend     Backend
	forward     ErrorForwarder
	metrics     *metrics.Metrics
	backendName string
	logger      *zap.Logger
}

// NewHandler creates a completion handler.
func NewHandler(injector *Injector, backend Backend, logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		injector:    injector,
		backend:     backend,
		forward:     errors.Forward,
		backendName: "default",
		logger:      logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

	err := h.dispatch(ww, r)
	if err == nil {
		return
	}

	if ww.Status() != 0 {
		// The backend already committed a response; a second one would
		// corrupt it, so the error can only be logged.
		h.logger.Error("Backend failed after response started",
			zap.String("request_id", r.Header.Get(errors.RequestIDHeader)),
			zap.Int("status", ww.Status()),
			zap.Int("bytes_written", ww.BytesWritten()),
			zap.Error(err),
		)
		return
	}
	h.forward(w, r, err)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) (err error) {
	requestID := r.Header.Get(errors.RequestIDHeader)
	defer func() {
		if p := recover(); p != nil {
			if p == http.ErrAbortHandler {
				panic(p)
			}
			err = errors.NewInternalError(requestID, fmt.Errorf("panic in completion handler: %v", p))
		}
	}()

	logger := h.logger.With(
		zap.String("request_id", requestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	)

	original, err := NewRequest(r)
	if err != nil {
		return err
	}

	body, placement := h.injector.Inject(r.Context(), original.Body())
	if h.metrics != nil {
		h.metrics.InstructionInjections.WithLabelValues(placement.String()).Inc()
	}

	req := original
	if placement != PlacementNone {
		if req, err = WithBody(original, body); err != nil {
			return errors.NewInternalError(requestID, err)
		}
	}

	logger.Debug("Dispatching chat completion",
		zap.String("backend", h.backendName),
		zap.String("model", body.Model()),
		zap.Bool("stream", body.Stream()),
		zap.String("placement", placement.String()),
		zap.Int("messages_count", len(body.Messages)),
	)

	start := time.Now()
	err = h.backend.Complete(w, req)
	if h.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		h.metrics.BackendDuration.WithLabelValues(h.backendName, outcome).Observe(time.Since(start).Seconds())
	}
	return err
}
