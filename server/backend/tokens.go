package backend

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	"github.com/teilomillet/preamble/server/completion"
)

// fallbackEncoding is used for models tiktoken does not know.
const fallbackEncoding = "cl100k_base"

// Per-message framing overhead of the OpenAI chat format.
const (
	tokensPerMessage = 3
	tokensPerReply   = 3
)

// Tokenizer turns text into tokens.
type Tokenizer interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
}

// TokenCounter counts prompt tokens for usage reporting and context limits.
type TokenCounter struct {
	encoding Tokenizer
}

// NewTokenCounter creates a counter using the encoding of model, falling
// back to cl100k_base for unknown models.
func NewTokenCounter(model string) (*TokenCounter, error) {
	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}
	return &TokenCounter{encoding: encoding}, nil
}

// NewTokenCounterWith creates a counter around an existing tokenizer.
func NewTokenCounterWith(t Tokenizer) *TokenCounter {
	return &TokenCounter{encoding: t}
}

// Count returns the number of tokens in text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages returns the prompt size of messages, framing included.
func (tc *TokenCounter) CountMessages(messages []completion.Message) int {
	total := tokensPerReply
	for _, msg := range messages {
		total += tokensPerMessage + tc.Count(msg.Role) + tc.Count(msg.Content)
	}
	return total
}
