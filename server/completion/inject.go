package completion

import (
	"context"

	"go.uber.org/zap"
)

// InstructionSource supplies the operator instruction for one request.
// It reports false when no instruction is configured; it never fails.
type InstructionSource interface {
	Instruction(ctx context.Context) (string, bool)
}

// InstructionFunc adapts a function to InstructionSource.
type InstructionFunc func(ctx context.Context) (string, bool)

// Instruction calls f(ctx).
func (f InstructionFunc) Instruction(ctx context.Context) (string, bool) {
	return f(ctx)
}

// Placement describes where an instruction was inserted.
type Placement int

const (
	// PlacementNone means no instruction was configured.
	PlacementNone Placement = iota
	// PlacementPrepended means no system message existed; the instruction
	// became the first message.
	PlacementPrepended
	// PlacementAfterSystem means the instruction follows the last system message.
	PlacementAfterSystem
)

func (p Placement) String() string {
	switch p {
	case PlacementPrepended:
		return "prepended"
	case PlacementAfterSystem:
		return "after_system"
	default:
		return "none"
	}
}

// LastSystemIndex returns the index of the last system message, or -1.
func LastSystemIndex(messages []Message) int {
	last := -1
	for i, msg := range messages {
		if msg.Role == RoleSystem {
			last = i
		}
	}
	return last
}

// InjectInstruction returns a new slice with a system message carrying
// instruction inserted right after the last system message, or at the
// front when there is none. Earlier system messages are left as they are.
// The input slice is never modified.
func InjectInstruction(messages []Message, instruction string) ([]Message, Placement) {
	anchor := LastSystemIndex(messages)
	pos, placement := anchor+1, PlacementAfterSystem
	if anchor < 0 {
		pos, placement = 0, PlacementPrepended
	}

	out := make([]Message, 0, len(messages)+1)
	out = append(out, messages[:pos]...)
	out = append(out, NewMessage(RoleSystem, instruction))
	out = append(out, messages[pos:]...)
	return out, placement
}

// Injector applies the configured instruction to request bodies.
type Injector struct {
	source InstructionSource
	logger *zap.Logger
}

// NewInjector creates an injector reading from source.
func NewInjector(source InstructionSource, logger *zap.Logger) *Injector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Injector{source: source, logger: logger}
}

// Inject asks the source for an instruction. Without one, body itself is
// returned. Otherwise the result is a new body with the same top-level
// fields and the instruction inserted into its messages; body is untouched.
func (i *Injector) Inject(ctx context.Context, body *Body) (*Body, Placement) {
	instruction, ok := i.source.Instruction(ctx)
	if !ok {
		return body, PlacementNone
	}

	messages, placement := InjectInstruction(body.Messages, instruction)
	i.logger.Debug("Injected instruction",
		zap.String("placement", placement.String()),
		zap.Int("anchor", LastSystemIndex(body.Messages)),
		zap.Int("messages_count", len(messages)),
	)
	return body.WithMessages(messages), placement
}
