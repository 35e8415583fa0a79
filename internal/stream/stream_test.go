package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/vibetrade/agentgateway/internal/agent"
	"github.com/vibetrade/agentgateway/internal/protocol"
)

type recordingSink struct {
	mu     sync.Mutex
	events []protocol.StreamEvent
	failAt int
}

func (s *recordingSink) Send(ev protocol.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.events)+1 == s.failAt {
		return errors.New("broken pipe")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = string(ev.Type)
	}
	return out
}

func completeWith(message string) RunFunc {
	return func(ctx context.Context, onEvent agent.Handler) (protocol.CompletePayload, error) {
		return protocol.CompletePayload{Message: message, SessionID: "s1", RemainingRequests: 9}, nil
	}
}

func TestPumpPreservesOrderAndCompletesOnce(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTranslator(sink)
	err := Pump(context.Background(), tr, func(ctx context.Context, onEvent agent.Handler) (protocol.CompletePayload, error) {
		for _, ev := range []agent.Event{
			agent.ReasoningDelta{Text: "thinking"},
			agent.ToolCall{Name: "get_archetypes", Arguments: `{}`},
			agent.TextDelta{Text: "Hel"},
			agent.TextDelta{Text: ""},
			agent.TextDelta{Text: "lo"},
		} {
			if err := onEvent(ev); err != nil {
				return protocol.CompletePayload{}, err
			}
		}
		return protocol.CompletePayload{Message: "Hello", SessionID: "s1", RemainingRequests: 9}, nil
	})
	if err != nil {
		t.Fatalf("Pump() error = %v", err)
	}

	want := "status,reasoning,tool_call,message_chunk,message_chunk,complete"
	if got := strings.Join(sink.types(), ","); got != want {
		t.Fatalf("event types = %s, want %s", got, want)
	}
	if sink.events[0].Content != StatusStarting {
		t.Fatalf("status content = %q", sink.events[0].Content)
	}
	tool := sink.events[2]
	if tool.Content != "Using get_archetypes" || tool.ToolName != "get_archetypes" || tool.ToolDescription != "Retrieving available trading archetypes" {
		t.Fatalf("tool_call event = %+v", tool)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(sink.events[5].Content), &payload); err != nil {
		t.Fatalf("complete content is not JSON: %v", err)
	}
	if payload["message"] != "Hello" || payload["session_id"] != "s1" || payload["remaining_requests"] != float64(9) {
		t.Fatalf("complete payload = %v", payload)
	}

	if err := tr.Fail("late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Fail() after complete = %v, want ErrClosed", err)
	}
	if err := tr.Forward(agent.TextDelta{Text: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Forward() after complete = %v, want ErrClosed", err)
	}
	if len(sink.events) != 6 {
		t.Fatalf("events after terminal were written: %d", len(sink.events))
	}
}

func TestPumpToolErrorMidStream(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTranslator(sink)
	upstream := &agent.ToolError{Tool: "create_card", Err: errors.New("mcp unavailable")}
	err := Pump(context.Background(), tr, func(ctx context.Context, onEvent agent.Handler) (protocol.CompletePayload, error) {
		_ = onEvent(agent.TextDelta{Text: "Working on it"})
		_ = onEvent(agent.ToolCall{Name: "create_card", Arguments: `{"type":"entry.momentum"}`})
		return protocol.CompletePayload{}, upstream
	})
	if !errors.Is(err, upstream) {
		t.Fatalf("Pump() error = %v, want tool error", err)
	}

	want := "status,message_chunk,tool_call,error"
	if got := strings.Join(sink.types(), ","); got != want {
		t.Fatalf("event types = %s, want %s", got, want)
	}
	if sink.events[2].ToolDescription != "Creating a momentum card" {
		t.Fatalf("tool description = %q", sink.events[2].ToolDescription)
	}
	if !strings.Contains(sink.events[3].Content, "create_card") {
		t.Fatalf("error content = %q", sink.events[3].Content)
	}
}

func TestPumpTransportFailureStopsSilently(t *testing.T) {
	sink := &recordingSink{failAt: 3}
	tr := NewTranslator(sink)
	ranAfterFailure := false
	err := Pump(context.Background(), tr, func(ctx context.Context, onEvent agent.Handler) (protocol.CompletePayload, error) {
		if err := onEvent(agent.TextDelta{Text: "a"}); err != nil {
			return protocol.CompletePayload{}, err
		}
		if err := onEvent(agent.TextDelta{Text: "b"}); err != nil {
			return protocol.CompletePayload{}, err
		}
		ranAfterFailure = true
		return protocol.CompletePayload{}, nil
	})
	if !IsTransport(err) {
		t.Fatalf("Pump() error = %v, want transport error", err)
	}
	if ranAfterFailure {
		t.Fatalf("run continued after transport failure")
	}
	if got := strings.Join(sink.types(), ","); got != "status,message_chunk" {
		t.Fatalf("event types = %s, want no terminal event", got)
	}
	if !tr.Done() {
		t.Fatalf("Done() = false after transport failure")
	}
}

func TestPumpCancelledContextWritesNoTerminal(t *testing.T) {
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	err := Pump(ctx, NewTranslator(sink), func(ctx context.Context, onEvent agent.Handler) (protocol.CompletePayload, error) {
		cancel()
		return protocol.CompletePayload{}, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Pump() error = %v, want context.Canceled", err)
	}
	if got := strings.Join(sink.types(), ","); got != "status" {
		t.Fatalf("event types = %s, want only status", got)
	}
}

func TestPumpAgentErrorMessage(t *testing.T) {
	sink := &recordingSink{}
	_ = Pump(context.Background(), NewTranslator(sink), func(ctx context.Context, onEvent agent.Handler) (protocol.CompletePayload, error) {
		return protocol.CompletePayload{}, agent.ErrMaxIterations
	})
	last := sink.events[len(sink.events)-1]
	if last.Type != protocol.EventError || !strings.HasPrefix(last.Content, "Agent error: ") {
		t.Fatalf("terminal event = %+v", last)
	}
}

func TestObserverSeesDeliveredEvents(t *testing.T) {
	var seen []protocol.EventType
	tr := NewTranslator(&recordingSink{}, WithObserver(func(ev protocol.StreamEvent) { seen = append(seen, ev.Type) }))
	_ = Pump(context.Background(), tr, completeWith("ok"))
	if len(seen) != 2 || seen[1] != protocol.EventComplete {
		t.Fatalf("observed = %v", seen)
	}
}

func TestDescribeToolCall(t *testing.T) {
	cases := []struct {
		name, args, want string
	}{
		{"get_archetype_schema", `{"type":"entry.trend_pullback"}`, "Getting details for entry.trend_pullback"},
		{"get_archetype_schema", `{}`, "Getting details for archetype"},
		{"create_card", `{"type":"exit"}`, "Creating a trading card"},
		{"create_strategy", `{"name":"QQQ Momentum"}`, "Creating strategy: QQQ Momentum"},
		{"create_strategy", `not json`, "Creating strategy: Unnamed"},
		{"attach_card", ``, "Attaching card to strategy"},
		{"get_schema_example", `{}`, "Using Get Schema Example"},
	}
	for _, tc := range cases {
		if got := DescribeToolCall(tc.name, tc.args); got != tc.want {
			t.Fatalf("DescribeToolCall(%q, %q) = %q, want %q", tc.name, tc.args, got, tc.want)
		}
	}
}

func TestSSEWriterFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec, http.StatusOK)
	if err != nil {
		t.Fatalf("NewSSEWriter() error = %v", err)
	}
	_ = w.Send(protocol.StreamEvent{Type: protocol.EventMessageChunk, Content: "hi"})
	_ = w.Send(protocol.StreamEvent{Type: protocol.EventToolCall, Content: "Using x", ToolName: "x", ToolDescription: "Using X"})

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if rec.Header().Get("X-Accel-Buffering") != "no" || rec.Header().Get("Cache-Control") != "no-cache" {
		t.Fatalf("missing stream headers: %v", rec.Header())
	}

	var frames []map[string]any
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			t.Fatalf("unexpected line %q", line)
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &m); err != nil {
			t.Fatalf("frame is not JSON: %v", err)
		}
		frames = append(frames, m)
	}
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
	if _, ok := frames[0]["tool_name"]; ok {
		t.Fatalf("message_chunk carries tool_name: %v", frames[0])
	}
	if frames[1]["tool_description"] != "Using X" {
		t.Fatalf("tool_call frame = %v", frames[1])
	}
}

func TestReject(t *testing.T) {
	rec := httptest.NewRecorder()
	Reject(rec, http.StatusTooManyRequests, "Rate limit exceeded.")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "data: ") || !strings.Contains(body, `"type":"error"`) || strings.Count(body, "data: ") != 1 {
		t.Fatalf("body = %q", body)
	}
}
