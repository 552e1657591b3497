package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
	"github.com/teilomillet/gollm/llm"
	"github.com/teilomillet/preamble/config"
	"github.com/teilomillet/preamble/errors"
	"github.com/teilomillet/preamble/server/completion"
	"go.uber.org/zap"
)

// Generator is the part of gollm.LLM the Generate backend needs.
type Generator interface {
	Generate(ctx context.Context, prompt *gollm.Prompt, opts ...llm.GenerateOption) (string, error)
}

// NewGollm creates a gollm client from the backend configuration.
func NewGollm(cfg config.LLMConfig) (gollm.LLM, error) {
	client, err := gollm.NewLLM(
		gollm.SetProvider(cfg.Provider),
		gollm.SetModel(cfg.Model),
		gollm.SetAPIKey(cfg.APIKey),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM for provider %s: %w", cfg.Provider, err)
	}
	return client, nil
}

// ChatCompletion is the OpenAI-shaped response written by Generate.
type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is a single completion alternative.
type Choice struct {
	Index        int           `json:"index"`
	Message      ChoiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// ChoiceMessage is the assistant message of a choice.
type ChoiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token counts.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerateOption configures a Generate backend.
type GenerateOption func(*Generate)

// WithTokenCounter adds usage reporting, and enforces maxContext when it
// is positive.
func WithTokenCounter(tc *TokenCounter, maxContext int) GenerateOption {
	return func(g *Generate) {
		g.counter = tc
		g.maxContext = maxContext
	}
}

// Generate answers chat completions through a gollm client. Streaming is
// not supported.
type Generate struct {
	llm        Generator
	model      string
	counter    *TokenCounter
	maxContext int
	logger     *zap.Logger
}

// NewGenerate creates a gollm backend. model is reported when the request
// does not name one.
func NewGenerate(g Generator, model string, logger *zap.Logger, opts ...GenerateOption) *Generate {
	if logger == nil {
		logger = zap.NewNop()
	}
	gen := &Generate{llm: g, model: model, logger: logger}
	for _, opt := range opts {
		opt(gen)
	}
	return gen
}

// Complete implements completion.Backend.
func (g *Generate) Complete(w http.ResponseWriter, req *completion.Request) error {
	requestID := req.Header().Get(errors.RequestIDHeader)
	body := req.Body()

	if body.Stream() {
		return errors.NewValidationError(requestID, "Streaming is not supported by this backend",
			map[string]interface{}{"field": "stream"})
	}
	if len(body.Messages) == 0 {
		return errors.NewValidationError(requestID, "At least one message is required",
			map[string]interface{}{"field": "messages"})
	}

	var usage *Usage
	if g.counter != nil {
		prompt := g.counter.CountMessages(body.Messages)
		if g.maxContext > 0 && prompt > g.maxContext {
			return errors.NewValidationError(requestID, "Prompt exceeds the model context window",
				map[string]interface{}{
					"prompt_tokens":      prompt,
					"max_context_tokens": g.maxContext,
				})
		}
		usage = &Usage{PromptTokens: prompt}
	}

	content, err := g.llm.Generate(req.Context(), buildPrompt(body.Messages))
	if err != nil {
		return errors.NewProviderError(requestID, "Failed to generate completion", err)
	}

	model := body.Model()
	if model == "" {
		model = g.model
	}
	if usage != nil {
		usage.CompletionTokens = g.counter.Count(content)
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	resp := ChatCompletion{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Message:      ChoiceMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: usage,
	}

	encoded, err := json.Marshal(resp)
	if err != nil {
		return errors.NewInternalError(requestID, err)
	}

	g.logger.Debug("Generated completion",
		zap.String("request_id", requestID),
		zap.String("model", model),
		zap.Int("response_bytes", len(encoded)),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(encoded)
	return nil
}

// buildPrompt converts chat messages to a gollm prompt. Messages whose
// content is not a plain string carry an empty content.
func buildPrompt(messages []completion.Message) *gollm.Prompt {
	prompt := &gollm.Prompt{
		Messages: make([]gollm.PromptMessage, 0, len(messages)),
	}
	for _, msg := range messages {
		prompt.Messages = append(prompt.Messages, gollm.PromptMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	return prompt
}
