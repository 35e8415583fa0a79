package agent

import (
	"context"
	"fmt"
	"strings"
)

// MockAgent gives deterministic local replies when no model is configured.
type MockAgent struct{}

func NewMockAgent() *MockAgent { return &MockAgent{} }

func (a *MockAgent) Run(ctx context.Context, req Request, onEvent Handler) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	reasoning := "Composing a local reply without a model."
	reply := buildMockReply(req)
	if onEvent != nil {
		if err := onEvent(ReasoningDelta{Text: reasoning}); err != nil {
			return Result{}, err
		}
		for _, chunk := range splitChunks(reply) {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			if err := onEvent(TextDelta{Text: chunk}); err != nil {
				return Result{}, err
			}
		}
	}
	return Result{Output: reply, Reasoning: reasoning}, nil
}

func buildMockReply(req Request) string {
	base := strings.TrimSpace(req.Input)
	if base == "" {
		base = "..."
	}
	for i := len(req.History) - 1; i >= 0; i-- {
		if req.History[i].Role != "user" {
			continue
		}
		if last := strings.TrimSpace(req.History[i].Content); last != "" {
			return fmt.Sprintf("I heard you: %s\nEarlier you said: %s", base, last)
		}
	}
	return fmt.Sprintf("I heard you: %s", base)
}

// splitChunks breaks s after each space so the pieces concatenate back to s.
func splitChunks(s string) []string {
	var out []string
	for len(s) > 0 {
		i := strings.IndexByte(s, ' ')
		if i < 0 {
			out = append(out, s)
			break
		}
		out = append(out, s[:i+1])
		s = s[i+1:]
	}
	return out
}
