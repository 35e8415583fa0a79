package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vibetrade/agentgateway/internal/protocol"
	"github.com/vibetrade/agentgateway/internal/stream"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsReadLimit    = 1 << 20
)

// wsSink writes stream events as JSON text frames.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(ev protocol.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(ev)
}

type wsInbound struct {
	req protocol.ChatRequest
	err error
}

// handleChatWS carries the same turns as /chat/stream over one websocket.
// Requests on a connection run one at a time, in order.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	connSessionID := firstNonEmpty(r.URL.Query().Get("session_id"), r.Header.Get(sessionHeader), uuid.NewString())
	log := s.log.With("transport", "ws", "conn_session_id", connSessionID)
	log.Info("websocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sink := &wsSink{conn: conn}
	inbound := make(chan wsInbound, 16)
	workerDone := make(chan struct{})

	go func() {
		defer close(workerDone)
		for in := range inbound {
			if ctx.Err() != nil {
				continue
			}
			if in.err != nil {
				s.observeRequest("chat_ws", "invalid")
				if err := sink.Send(protocol.StreamEvent{Type: protocol.EventError, Content: capitalize(in.err.Error())}); err != nil {
					abortWS(cancel, conn)
				}
				continue
			}
			if err := s.serveWSTurn(ctx, sink, in.req, connSessionID); err != nil && stream.IsTransport(err) {
				abortWS(cancel, conn)
			}
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		req, err := protocol.ParseChatRequest(data)
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- wsInbound{req: req, err: err}:
		}
	}

	cancel()
	close(inbound)
	<-workerDone
	log.Info("websocket disconnected")
}

func (s *Server) serveWSTurn(ctx context.Context, sink *wsSink, req protocol.ChatRequest, connSessionID string) error {
	t, err := s.admit(ctx, req, connSessionID)
	if err != nil {
		var ae *admissionError
		msg := err.Error()
		if errors.As(err, &ae) {
			s.observeRequest("chat_ws", admissionOutcome(ae))
		} else {
			s.observeRequest("chat_ws", "agent_error")
		}
		if sendErr := sink.Send(protocol.StreamEvent{Type: protocol.EventError, Content: msg}); sendErr != nil {
			return &stream.TransportError{Err: sendErr}
		}
		return nil
	}
	err = s.pump(ctx, t, sink)
	s.observeRequest("chat_ws", runOutcome(ctx, err))
	return err
}

// abortWS cancels the connection context and closes the socket so a reader
// blocked in ReadMessage returns at once.
func abortWS(cancel context.CancelFunc, conn *websocket.Conn) {
	cancel()
	_ = conn.Close()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
