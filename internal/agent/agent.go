// Package agent runs the tool-using conversational loop and reports its
// progress as a closed set of events.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/vibetrade/agentgateway/internal/llm"
)

// Event is one observable step of a run. The concrete types are
// ReasoningDelta, ToolCall and TextDelta; the final output is the Result
// returned by Run.
type Event interface {
	isEvent()
}

// ReasoningDelta is a fragment of the model's reasoning trace.
type ReasoningDelta struct {
	Text string
}

// ToolCall announces a tool invocation before it executes.
type ToolCall struct {
	Name      string
	Arguments string
	CallID    string
}

// TextDelta is a fragment of the assistant reply.
type TextDelta struct {
	Text string
}

func (ReasoningDelta) isEvent() {}
func (ToolCall) isEvent()       {}
func (TextDelta) isEvent()      {}

// Handler observes events in order. A non-nil error aborts the run and is
// returned unchanged from Run.
type Handler func(Event) error

// Request is one user turn.
type Request struct {
	SessionID string
	Input     string
	History   []llm.Message
}

// Result is the outcome of a successful run.
type Result struct {
	Output    string
	Reasoning string
	ToolCalls []ToolCall
	Usage     llm.Usage
}

// Agent executes a run.
type Agent interface {
	Run(ctx context.Context, req Request, onEvent Handler) (Result, error)
}

// Toolset is the set of tools the agent may call.
type Toolset interface {
	Tools() []llm.Tool
	Call(ctx context.Context, name, arguments string) (string, error)
}

// Instructions supplies the current system prompt.
type Instructions interface {
	Current() string
}

// ErrMaxIterations is returned when the model keeps requesting tools past
// the configured number of rounds.
var ErrMaxIterations = errors.New("agent exceeded maximum iterations")

// ToolError is an upstream tool failure. It is not retried.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// IsToolError reports whether err wraps a ToolError.
func IsToolError(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}
