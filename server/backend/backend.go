package backend

import (
	"fmt"

	"github.com/teilomillet/preamble/config"
	"github.com/teilomillet/preamble/server/completion"
	"github.com/teilomillet/preamble/server/metrics"
	"go.uber.org/zap"
)

// New builds the backend selected by cfg.Backend.Type. The returned name
// labels the backend in logs and metrics.
func New(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (completion.Backend, string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Backend.Type {
	case config.BackendUpstream:
		return NewUpstream(cfg.Backend.Upstream, cfg.CircuitBreaker, m, logger), config.BackendUpstream, nil

	case config.BackendGollm:
		client, err := NewGollm(cfg.Backend.LLM)
		if err != nil {
			return nil, "", err
		}

		var opts []GenerateOption
		counter, err := NewTokenCounter(cfg.Backend.LLM.Model)
		if err != nil {
			logger.Warn("Token counting disabled",
				zap.String("model", cfg.Backend.LLM.Model),
				zap.Error(err),
			)
		} else {
			opts = append(opts, WithTokenCounter(counter, cfg.Backend.LLM.MaxContextTokens))
		}
		return NewGenerate(client, cfg.Backend.LLM.Model, logger, opts...), config.BackendGollm, nil

	default:
		return nil, "", fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}
}
