package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/vibetrade/agentgateway/internal/protocol"
)

// SetHeaders prepares w for an event stream. Call before WriteHeader.
func SetHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// SSEWriter is a Sink writing "data: <json>\n\n" frames and flushing each.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets the stream headers and status. It fails when w cannot
// flush.
func NewSSEWriter(w http.ResponseWriter, status int) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}
	SetHeaders(w)
	w.WriteHeader(status)
	flusher.Flush()
	return &SSEWriter{w: w, flusher: flusher}, nil
}

func (s *SSEWriter) Send(ev protocol.StreamEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Reject answers a stream request that never reached the agent with status
// and a single error event.
func Reject(w http.ResponseWriter, status int, message string) {
	SetHeaders(w)
	w.WriteHeader(status)
	b, _ := json.Marshal(protocol.StreamEvent{Type: protocol.EventError, Content: message})
	_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
