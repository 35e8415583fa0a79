package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType identifies stream event variants sent to UI clients.
type EventType string

const (
	EventStatus       EventType = "status"
	EventReasoning    EventType = "reasoning"
	EventToolCall     EventType = "tool_call"
	EventMessageChunk EventType = "message_chunk"
	EventComplete     EventType = "complete"
	EventError        EventType = "error"
)

// Terminal reports whether the event type closes a stream.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// StreamEvent is one frame of the public streaming contract.
type StreamEvent struct {
	Type            EventType `json:"type"`
	Content         string    `json:"content"`
	ToolName        string    `json:"tool_name,omitempty"`
	ToolDescription string    `json:"tool_description,omitempty"`
}

// CompletePayload is serialized into the content of the complete event.
type CompletePayload struct {
	Message           string  `json:"message"`
	Reasoning         *string `json:"reasoning"`
	SessionID         string  `json:"session_id"`
	RemainingRequests int     `json:"remaining_requests"`
}

// NewCompleteEvent serializes payload into a complete event.
func NewCompleteEvent(payload CompletePayload) (StreamEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return StreamEvent{}, fmt.Errorf("marshal complete payload: %w", err)
	}
	return StreamEvent{Type: EventComplete, Content: string(raw)}, nil
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body accepted by /chat, /chat/stream and /chat/ws.
type ChatRequest struct {
	Messages  []ChatMessage `json:"messages"`
	SessionID string        `json:"session_id,omitempty"`
}

type ToolCallInfo struct {
	Tool        string `json:"tool"`
	Description string `json:"description"`
}

type ChatResponse struct {
	Message           string         `json:"message"`
	SessionID         string         `json:"session_id"`
	RemainingRequests int            `json:"remaining_requests"`
	Reasoning         *string        `json:"reasoning,omitempty"`
	ToolCalls         []ToolCallInfo `json:"tool_calls,omitempty"`
}

var (
	ErrNoMessages   = errors.New("no messages provided")
	ErrLastNotUser  = errors.New("last message must be from user")
	ErrEmptyMessage = errors.New("last message content is empty")
)

// Validate checks the request shape before any quota is consumed.
func (r ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return ErrNoMessages
	}
	last := r.Messages[len(r.Messages)-1]
	if last.Role != RoleUser {
		return ErrLastNotUser
	}
	if strings.TrimSpace(last.Content) == "" {
		return ErrEmptyMessage
	}
	return nil
}

// Latest returns the final (user) message of the request.
func (r ChatRequest) Latest() ChatMessage {
	if len(r.Messages) == 0 {
		return ChatMessage{}
	}
	return r.Messages[len(r.Messages)-1]
}

// ParseChatRequest decodes and validates a websocket chat frame.
func ParseChatRequest(raw []byte) (ChatRequest, error) {
	var req ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return ChatRequest{}, fmt.Errorf("invalid chat request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return ChatRequest{}, err
	}
	return req, nil
}
