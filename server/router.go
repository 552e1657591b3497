package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/teilomillet/preamble/config"
	"github.com/teilomillet/preamble/server/metrics"
	"github.com/teilomillet/preamble/server/middleware"
	"go.uber.org/zap"
)

// Chat completion paths served by the gateway.
const (
	CompletionsPath   = "/chat/completions"
	V1CompletionsPath = "/v1/chat/completions"
)

// NewRouter builds the HTTP surface: the chat completion routes, health
// and metrics. m may be nil, in which case /metrics is not mounted.
func NewRouter(cfg *config.Config, completions http.Handler, m *metrics.Metrics, logger *zap.Logger) chi.Router {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTimer)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.PanicRecovery(logger))
	if m != nil {
		r.Use(middleware.PrometheusMetrics(m))
	}
	r.Use(newCORS(cfg.CORS).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Group(func(r chi.Router) {
		if cfg.RateLimit.Enabled {
			r.Use(middleware.NewRateLimiter(cfg.RateLimit, m).Handler)
		}
		r.Method(http.MethodPost, CompletionsPath, completions)
		r.Method(http.MethodPost, V1CompletionsPath, completions)
	})

	return r
}

func newCORS(cfg config.CORSConfig) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"X-Request-ID", "X-Response-Time"},
	})
}
