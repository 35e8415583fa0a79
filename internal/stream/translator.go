// Package stream turns agent events into the public stream event schema and
// enforces the single-terminal-event contract.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vibetrade/agentgateway/internal/agent"
	"github.com/vibetrade/agentgateway/internal/protocol"
)

// StatusStarting is the content of the first event of every stream.
const StatusStarting = "Starting agent..."

// ErrClosed is returned for any send after the terminal event.
var ErrClosed = errors.New("stream closed")

// TransportError wraps a failure to deliver an event to the client.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "stream transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err came from the client connection.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Sink delivers one event to the client. Implementations must not buffer
// beyond framing.
type Sink interface {
	Send(protocol.StreamEvent) error
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateDone
)

// Translator is the per-stream state machine. It is safe for concurrent
// use, but events are expected from a single producer.
type Translator struct {
	mu       sync.Mutex
	sink     Sink
	state    state
	observer func(protocol.StreamEvent)
}

// Option configures a Translator.
type Option func(*Translator)

// WithObserver is called after each event is delivered.
func WithObserver(fn func(protocol.StreamEvent)) Option {
	return func(t *Translator) { t.observer = fn }
}

func NewTranslator(sink Sink, opts ...Option) *Translator {
	t := &Translator{sink: sink}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start emits the status event. Calling it again while running is a no-op.
func (t *Translator) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case stateRunning:
		return nil
	case stateDone:
		return ErrClosed
	}
	return t.sendLocked(protocol.StreamEvent{Type: protocol.EventStatus, Content: StatusStarting})
}

// Forward classifies an agent event and emits it. Events with nothing to
// show are dropped. It has the agent.Handler signature.
func (t *Translator) Forward(ev agent.Event) error {
	out, ok := Classify(ev)
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendLocked(out)
}

// Complete emits the terminal complete event.
func (t *Translator) Complete(payload protocol.CompletePayload) error {
	ev, err := protocol.NewCompleteEvent(payload)
	if err != nil {
		return t.Fail("Agent error: could not encode result")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendLocked(ev)
}

// Fail emits the terminal error event.
func (t *Translator) Fail(message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendLocked(protocol.StreamEvent{Type: protocol.EventError, Content: message})
}

// Done reports whether the stream has terminated.
func (t *Translator) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateDone
}

func (t *Translator) sendLocked(ev protocol.StreamEvent) error {
	if t.state == stateDone {
		return ErrClosed
	}
	if err := t.sink.Send(ev); err != nil {
		// A broken connection cannot carry a terminal event either.
		t.state = stateDone
		return &TransportError{Err: err}
	}
	if ev.Type.Terminal() {
		t.state = stateDone
	} else {
		t.state = stateRunning
	}
	if t.observer != nil {
		t.observer(ev)
	}
	return nil
}

// RunFunc executes the agent, forwarding events to onEvent, and returns the
// completion payload.
type RunFunc func(ctx context.Context, onEvent agent.Handler) (protocol.CompletePayload, error)

// Pump drives one stream: status, forwarded events, then exactly one
// terminal event. Transport failures and cancellation end the stream without
// further writes. The run error, if any, is returned.
func Pump(ctx context.Context, t *Translator, run RunFunc) error {
	if err := t.Start(); err != nil {
		return err
	}
	payload, err := run(ctx, t.Forward)
	if err != nil {
		if IsTransport(err) || ctx.Err() != nil {
			return err
		}
		if failErr := t.Fail(ErrorMessage(err)); failErr != nil && !errors.Is(failErr, ErrClosed) {
			return errors.Join(err, failErr)
		}
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return t.Complete(payload)
}

// ErrorMessage renders a run failure for the client.
func ErrorMessage(err error) string {
	var te *agent.ToolError
	if errors.As(err, &te) {
		return fmt.Sprintf("Tool error: %s failed: %v", te.Tool, te.Err)
	}
	return "Agent error: " + err.Error()
}
