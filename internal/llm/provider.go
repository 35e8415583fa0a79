// Package llm defines the chat-model boundary used by the agent loop.
package llm

import "context"

// DeltaHandler receives incremental model output. Returning an error aborts
// the request.
type DeltaHandler func(Delta) error

// Provider streams chat completions from a model backend. Stream returns
// once the model has finished the turn; onDelta sees text and reasoning as
// they arrive, and the aggregated Response carries any tool calls.
type Provider interface {
	Stream(ctx context.Context, req Request, onDelta DeltaHandler) (*Response, error)
}
