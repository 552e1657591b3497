// Package server wires the gateway together: it builds the router around
// the completion handler, serves it over HTTP and applies configuration
// reloads while running.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/teilomillet/preamble/config"
	"github.com/teilomillet/preamble/server/backend"
	"github.com/teilomillet/preamble/server/completion"
	"github.com/teilomillet/preamble/server/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultShutdownTimeout = 5 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithBackend replaces the backend built from the configuration.
func WithBackend(b completion.Backend, name string) Option {
	return func(s *Server) {
		s.backend = b
		s.backendName = name
	}
}

// WithMetrics uses m instead of a fresh metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogLevel makes logging.level reloads apply to level.
func WithLogLevel(level zap.AtomicLevel) Option {
	return func(s *Server) { s.level = &level }
}

// Server represents the HTTP server
type Server struct {
	watcher     config.Watcher
	instruction *config.InstructionFile
	backend     completion.Backend
	backendName string
	metrics     *metrics.Metrics
	level       *zap.AtomicLevel
	logger      *zap.Logger

	handler atomic.Value // http.Handler
	addr    atomic.Value // string
}

// NewServer creates a server for the configuration held by watcher.
// The backend is built from that configuration unless WithBackend is given;
// it is kept across reloads so breaker state survives them.
func NewServer(watcher config.Watcher, logger *zap.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		watcher: watcher,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	cfg := watcher.GetCurrentConfig()
	if s.metrics == nil {
		s.metrics = metrics.NewMetrics()
	}
	if s.backend == nil {
		b, name, err := backend.New(cfg, s.metrics, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create backend: %w", err)
		}
		s.backend, s.backendName = b, name
	}
	s.instruction = config.NewInstructionFile(cfg.Instruction, logger)
	s.applyConfig(cfg)
	return s, nil
}

// ServeHTTP implements http.Handler using the router of the current
// configuration.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.Load().(http.Handler).ServeHTTP(w, r)
}

// Addr returns the address the server listens on, or "" before Start
// has bound it.
func (s *Server) Addr() string {
	addr, _ := s.addr.Load().(string)
	return addr
}

// Metrics returns the server's metrics.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// InstructionPath returns the instruction file currently in use.
func (s *Server) InstructionPath() string {
	return s.instruction.Path()
}

func (s *Server) applyConfig(cfg *config.Config) {
	s.instruction.Update(cfg.Instruction)

	if s.level != nil {
		if lvl, err := zapcore.ParseLevel(cfg.Logging.Level); err == nil {
			s.level.SetLevel(lvl)
		}
	}

	injector := completion.NewInjector(s.instruction, s.logger)
	handler := completion.NewHandler(injector, s.backend, s.logger,
		completion.WithMetrics(s.metrics),
		completion.WithBackendName(s.backendName),
	)
	s.handler.Store(http.Handler(NewRouter(cfg, handler, s.metrics, s.logger)))
}

// Start serves HTTP until ctx is done. Configuration updates from the
// watcher are applied as they arrive; a change to the server section
// restarts the listener.
func (s *Server) Start(ctx context.Context) error {
	updates := s.watcher.Subscribe()
	cfg := s.watcher.GetCurrentConfig().Server

	for {
		srv, errChan, err := s.listen(cfg)
		if err != nil {
			return err
		}

		restart := false
		for !restart {
			select {
			case <-ctx.Done():
				return s.shutdown(srv, cfg.ShutdownTimeout)

			case err := <-errChan:
				return err

			case newConfig, ok := <-updates:
				if !ok {
					updates = nil
					continue
				}
				s.logger.Info("Applying configuration update")
				s.applyConfig(newConfig)
				if newConfig.Server == cfg {
					continue
				}
				if err := s.shutdown(srv, cfg.ShutdownTimeout); err != nil {
					return err
				}
				cfg = newConfig.Server
				restart = true
			}
		}
	}
}

func (s *Server) listen(cfg config.ServerConfig) (*http.Server, <-chan error, error) {
	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Port),
		Handler:        s,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("server error: %w", err)
	}
	s.addr.Store(ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("Server started", zap.String("address", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()
	return srv, errChan, nil
}

func (s *Server) shutdown(srv *http.Server, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down server", zap.String("address", s.Addr()))
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("error during server shutdown: %w", err)
	}
	return nil
}
