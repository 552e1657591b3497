// Package config provides configuration management for the preamble gateway.
// It covers the HTTP server, the instruction file location, the completion
// backend, circuit breaking, rate limiting, CORS and logging.
package config

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Backend types understood by the server.
const (
	BackendUpstream = "upstream"
	BackendGollm    = "gollm"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their YAML names so errors point at the config file.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Config represents the complete server configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Instruction    InstructionConfig    `yaml:"instruction"`
	Backend        BackendConfig        `yaml:"backend"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CORS           CORSConfig           `yaml:"cors"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// ServerConfig holds server-specific configuration for the HTTP server.
type ServerConfig struct {
	// Port specifies the HTTP server port (default: 4141)
	Port int `yaml:"port" validate:"gte=0,lte=65535"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body (default: 30s)
	ReadTimeout time.Duration `yaml:"read_timeout" validate:"gte=0"`

	// WriteTimeout bounds the whole response. Streamed completions can run
	// for minutes, so the default is generous (default: 10m)
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`

	// MaxHeaderBytes controls the maximum number of bytes the server will
	// read parsing the request header's keys and values (default: 1MB)
	MaxHeaderBytes int `yaml:"max_header_bytes" validate:"gte=0"`

	// ShutdownTimeout specifies how long to wait for in-flight requests
	// during graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// InstructionConfig locates the operator-maintained instruction file.
type InstructionConfig struct {
	// Dir is the application config directory. Empty means AppDir().
	Dir string `yaml:"dir"`

	// File is the file name inside Dir (default: system-prompt.txt)
	File string `yaml:"file" validate:"required,excludesall=/\\"`
}

// BackendConfig selects and configures the completion backend that
// receives rewritten requests.
type BackendConfig struct {
	// Type is either "upstream" (HTTP pass-through) or "gollm"
	Type string `yaml:"type" validate:"oneof=upstream gollm"`

	Upstream UpstreamConfig `yaml:"upstream"`
	LLM      LLMConfig      `yaml:"llm"`
}

// UpstreamConfig configures the OpenAI-compatible HTTP backend.
type UpstreamConfig struct {
	// BaseURL is the API root; requests go to BaseURL + "/chat/completions"
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// APIKey replaces the client's Authorization header when set.
	// Use environment variables (e.g., ${OPENAI_API_KEY}).
	APIKey string `yaml:"api_key"`

	// Timeout bounds a single upstream exchange, 0 disables it
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// LLMConfig configures the gollm backend.
type LLMConfig struct {
	// Provider specifies the LLM provider (e.g., "openai", "anthropic", "ollama")
	Provider string `yaml:"provider"`

	// Model is the name of the model to use (e.g., "gpt-4o-mini")
	Model string `yaml:"model"`

	// APIKey is the authentication key for the provider's API
	APIKey string `yaml:"api_key"`

	// MaxContextTokens rejects prompts above this size, 0 disables the check
	MaxContextTokens int `yaml:"max_context_tokens" validate:"gte=0"`
}

// CircuitBreakerConfig configures the breaker wrapped around the upstream.
type CircuitBreakerConfig struct {
	// MaxRequests is the number of requests allowed through when half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval is the cyclic period of the closed state for clearing counts
	Interval time.Duration `yaml:"interval" validate:"gte=0"`

	// Timeout is the period of the open state until it becomes half-open
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// FailureThreshold is the number of consecutive failures that trips the breaker
	FailureThreshold uint32 `yaml:"failure_threshold" validate:"gt=0"`
}

// RateLimitConfig configures per-client rate limiting.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	// RequestsPerMinute is the sustained rate per client IP
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"gt=0"`

	// Burst is the number of requests allowed at once
	Burst int `yaml:"burst" validate:"gt=0"`
}

// CORSConfig configures cross-origin access.
type CORSConfig struct {
	// AllowedOrigins lists permitted origins, "*" allows all
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	// Level sets logging verbosity: debug, info, warn, error
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Format specifies log output format: json or text
	Format string `yaml:"format" validate:"oneof=json text"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            4141,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Instruction: InstructionConfig{
			File: InstructionFileName,
		},
		Backend: BackendConfig{
			Type: BackendUpstream,
			Upstream: UpstreamConfig{
				BaseURL: "https://api.openai.com/v1",
				Timeout: 10 * time.Minute,
			},
			LLM: LLMConfig{
				Provider: "openai",
				Model:    "gpt-4o-mini",
			},
		},
		CircuitBreaker: CircuitBreakerConfig{
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 60,
			Burst:             10,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFile loads configuration from a YAML file
func LoadFile(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	return Load(f)
}

// expandEnvVars resolves environment variables within configuration text.
// It supports ${VAR}, $VAR and ${VAR:-default}; the default applies when
// VAR is unset or empty.
//
// Example Transformations:
//   - "${OPENAI_API_KEY}" → "sk-..."
//   - "${PORT:-4141}" → "4141" (if PORT is unset)
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		if i := strings.Index(key, ":-"); i >= 0 {
			if val := os.Getenv(key[:i]); val != "" {
				return val
			}
			return key[i+2:]
		}
		return os.Getenv(key)
	})
}

// Load loads configuration from an io.Reader. Values in the document
// override DefaultConfig; the result is validated before it is returned.
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	config := DefaultConfig()

	dec := yaml.NewDecoder(strings.NewReader(expandEnvVars(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	switch c.Backend.Type {
	case BackendUpstream:
		if c.Backend.Upstream.BaseURL == "" {
			return fmt.Errorf("backend.upstream.base_url is required for the upstream backend")
		}
	case BackendGollm:
		if c.Backend.LLM.Provider == "" {
			return fmt.Errorf("backend.llm.provider is required for the gollm backend")
		}
		if c.Backend.LLM.Model == "" {
			return fmt.Errorf("backend.llm.model is required for the gollm backend")
		}
	}

	return nil
}
