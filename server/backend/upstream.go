// Package backend provides the completion backends that receive rewritten
// chat-completion requests: an HTTP pass-through to an OpenAI-compatible
// upstream and a gollm-driven generator.
package backend

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"
	"github.com/teilomillet/preamble/config"
	"github.com/teilomillet/preamble/errors"
	"github.com/teilomillet/preamble/server/completion"
	"github.com/teilomillet/preamble/server/metrics"
	"go.uber.org/zap"
)

const maxErrorBody = 64 << 10

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
	"Host",
}

// Upstream forwards chat completions to an OpenAI-compatible HTTP API.
// Calls go through a circuit breaker; transport errors and 5xx answers
// count as failures.
type Upstream struct {
	endpoint string
	apiKey   string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewUpstream creates an upstream backend. m may be nil.
func NewUpstream(cfg config.UpstreamConfig, cbCfg config.CircuitBreakerConfig, m *metrics.Metrics, logger *zap.Logger) *Upstream {
	if logger == nil {
		logger = zap.NewNop()
	}

	name := "upstream"
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cbCfg.MaxRequests,
		Interval:    cbCfg.Interval,
		Timeout:     cbCfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cbCfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if m != nil {
				m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	}
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))
	}

	return &Upstream{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
		breaker:  gobreaker.NewCircuitBreaker(settings),
		logger:   logger,
	}
}

// State reports the circuit breaker state.
func (u *Upstream) State() gobreaker.State {
	return u.breaker.State()
}

// Complete sends the request body upstream and relays the answer. A 2xx
// answer is copied to w as it arrives, flushing after every chunk so
// server-sent events reach the client without delay. Any other answer is
// returned as *errors.UpstreamError before anything is written.
func (u *Upstream) Complete(w http.ResponseWriter, req *completion.Request) error {
	header := req.Header()
	requestID := header.Get(errors.RequestIDHeader)

	out, err := http.NewRequestWithContext(req.Context(), http.MethodPost, u.endpoint, req.Reader())
	if err != nil {
		return errors.NewInternalError(requestID, fmt.Errorf("build upstream request: %w", err))
	}
	copyHeader(out.Header, header)
	out.ContentLength = int64(len(req.Bytes()))
	if out.Header.Get("Content-Type") == "" {
		out.Header.Set("Content-Type", "application/json")
	}
	if u.apiKey != "" {
		out.Header.Set("Authorization", "Bearer "+u.apiKey)
	}

	result, err := u.breaker.Execute(func() (interface{}, error) {
		resp, err := u.client.Do(out)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, readUpstreamError(resp)
		}
		return resp, nil
	})
	if err != nil {
		return u.classify(requestID, err)
	}

	resp := result.(*http.Response)
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readUpstreamError(resp)
	}

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	streaming := strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
	if err := relay(w, resp.Body, streaming); err != nil {
		// Headers are out; the client sees a truncated body.
		u.logger.Warn("Upstream response relay interrupted",
			zap.String("request_id", requestID),
			zap.Bool("streaming", streaming),
			zap.Error(err),
		)
	}
	return nil
}

func (u *Upstream) classify(requestID string, err error) error {
	var upstreamErr *errors.UpstreamError
	switch {
	case errors.As(err, &upstreamErr):
		return upstreamErr
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		return errors.NewError(errors.ProviderError, "Upstream temporarily unavailable",
			http.StatusServiceUnavailable, requestID, map[string]interface{}{
				"circuit_breaker": u.breaker.State().String(),
			}, err)
	default:
		return errors.NewProviderError(requestID, "Upstream request failed", err)
	}
}

func readUpstreamError(resp *http.Response) *errors.UpstreamError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &errors.UpstreamError{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}
}

func relay(w http.ResponseWriter, body io.Reader, flush bool) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flush {
				if ferr := rc.Flush(); ferr != nil && ferr != http.ErrNotSupported {
					return ferr
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		dst[key] = append([]string(nil), values...)
	}
	for _, key := range hopHeaders {
		dst.Del(key)
	}
}
