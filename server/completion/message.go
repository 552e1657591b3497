// Package completion implements the chat-completion dispatch path of the
// gateway: it parses OpenAI-compatible request bodies, injects the operator
// instruction as a system message, rebuilds the request around the new body
// and hands it to a Backend.
package completion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// RoleSystem is the role tag of system messages.
const RoleSystem = "system"

// ErrMissingMessages is returned when a body has no messages array.
var ErrMissingMessages = errors.New("request body has no messages array")

// Message is a single chat message. Fields other than role and content
// (name, tool_calls, ...) are kept as raw JSON and written back unchanged.
// Non-string content, such as an array of content parts, is kept the same
// way while Content is empty.
type Message struct {
	Role    string
	Content string

	rawContent json.RawMessage
	noContent  bool
	extra      map[string]json.RawMessage
}

// NewMessage creates a message with a plain string content.
func NewMessage(role, content string) Message {
	return Message{Role: role, Content: content}
}

// UnmarshalJSON decodes a message object, keeping unknown fields.
func (m *Message) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("message must be an object")
	}

	*m = Message{}
	if raw, ok := fields["role"]; ok {
		if err := json.Unmarshal(raw, &m.Role); err != nil {
			return fmt.Errorf("decode role: %w", err)
		}
		delete(fields, "role")
	}
	if raw, ok := fields["content"]; ok {
		if isJSONString(raw) {
			if err := json.Unmarshal(raw, &m.Content); err != nil {
				return fmt.Errorf("decode content: %w", err)
			}
		} else {
			m.rawContent = raw
		}
		delete(fields, "content")
	} else {
		m.noContent = true
	}
	if len(fields) > 0 {
		m.extra = fields
	}
	return nil
}

// MarshalJSON encodes the message with its preserved fields.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.extra)+2)
	for k, v := range m.extra {
		out[k] = v
	}

	role, err := json.Marshal(m.Role)
	if err != nil {
		return nil, err
	}
	out["role"] = role

	switch {
	case m.Content == "" && m.rawContent != nil:
		out["content"] = m.rawContent
	case m.Content == "" && m.noContent:
		// absent on the wire, stays absent
	default:
		content, err := json.Marshal(m.Content)
		if err != nil {
			return nil, err
		}
		out["content"] = content
	}
	return json.Marshal(out)
}

// Body is a chat-completion request body. Messages is ordered; every other
// top-level field is opaque and round-trips unchanged.
type Body struct {
	Messages []Message

	extra map[string]json.RawMessage
}

// NewBody creates a body holding only messages.
func NewBody(messages []Message) *Body {
	return &Body{Messages: messages}
}

// ParseBody decodes a chat-completion body. A body without a messages
// array is rejected with ErrMissingMessages.
func ParseBody(data []byte) (*Body, error) {
	var body Body
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

// UnmarshalJSON decodes the body, keeping every field besides messages.
func (b *Body) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	raw, ok := fields["messages"]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return ErrMissingMessages
	}

	messages := []Message{}
	if err := json.Unmarshal(raw, &messages); err != nil {
		return fmt.Errorf("decode messages: %w", err)
	}
	delete(fields, "messages")

	b.Messages = messages
	b.extra = fields
	return nil
}

// MarshalJSON encodes the body with its preserved fields.
func (b Body) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(b.extra)+1)
	for k, v := range b.extra {
		out[k] = v
	}

	messages := b.Messages
	if messages == nil {
		messages = []Message{}
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		return nil, err
	}
	out["messages"] = raw
	return json.Marshal(out)
}

// WithMessages returns a new body with the same top-level fields and the
// given messages. The receiver is not modified.
func (b *Body) WithMessages(messages []Message) *Body {
	var extra map[string]json.RawMessage
	if b.extra != nil {
		extra = make(map[string]json.RawMessage, len(b.extra))
		for k, v := range b.extra {
			extra[k] = v
		}
	}
	return &Body{Messages: messages, extra: extra}
}

// Field returns the raw JSON of a top-level field other than messages.
func (b *Body) Field(name string) (json.RawMessage, bool) {
	raw, ok := b.extra[name]
	return raw, ok
}

// Model returns the "model" field, or "" when absent or not a string.
func (b *Body) Model() string {
	var model string
	if raw, ok := b.extra["model"]; ok {
		_ = json.Unmarshal(raw, &model)
	}
	return model
}

// Stream reports whether the client asked for a streamed response.
func (b *Body) Stream() bool {
	var stream bool
	if raw, ok := b.extra["stream"]; ok {
		_ = json.Unmarshal(raw, &stream)
	}
	return stream
}

func isJSONString(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '"'
}
