// Package conversation stores per-session chat history.
package conversation

import (
	"context"
	"time"

	"github.com/vibetrade/agentgateway/internal/protocol"
)

// Message is a single stored user or assistant turn.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and retrieves conversation history.
type Store interface {
	Append(ctx context.Context, msg Message) error
	// History returns up to limit most recent messages in chronological order.
	// A non-positive limit returns the whole history.
	History(ctx context.Context, sessionID string, limit int) ([]Message, error)
	Close() error
}

// Merge resolves the conversation to send to the agent. A request carrying
// a single message continues the stored history; a request carrying several
// messages is treated as the full conversation and replaces it.
func Merge(stored []Message, requested []protocol.ChatMessage) []protocol.ChatMessage {
	if len(requested) == 1 {
		out := make([]protocol.ChatMessage, 0, len(stored)+1)
		for _, m := range stored {
			out = append(out, protocol.ChatMessage{Role: m.Role, Content: m.Content})
		}
		return append(out, requested[0])
	}
	out := make([]protocol.ChatMessage, len(requested))
	copy(out, requested)
	return out
}
