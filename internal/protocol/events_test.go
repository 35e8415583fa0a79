package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseChatRequest(t *testing.T) {
	raw := []byte(`{"messages":[{"role":"assistant","content":"hi"},{"role":"user","content":"build me a strategy"}],"session_id":"s1"}`)
	req, err := ParseChatRequest(raw)
	if err != nil {
		t.Fatalf("ParseChatRequest() error = %v", err)
	}
	if req.SessionID != "s1" {
		t.Fatalf("SessionID = %q, want %q", req.SessionID, "s1")
	}
	if got := req.Latest().Content; got != "build me a strategy" {
		t.Fatalf("Latest().Content = %q", got)
	}
}

func TestParseChatRequestRejectsInvalid(t *testing.T) {
	cases := map[string]error{
		`{"messages":[]}`: ErrNoMessages,
		`{"messages":[{"role":"assistant","content":"x"}]}`: ErrLastNotUser,
		`{"messages":[{"role":"user","content":"  "}]}`:     ErrEmptyMessage,
	}
	for raw, want := range cases {
		if _, err := ParseChatRequest([]byte(raw)); !errors.Is(err, want) {
			t.Fatalf("ParseChatRequest(%s) error = %v, want %v", raw, err, want)
		}
	}
	if _, err := ParseChatRequest([]byte(`{not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestStreamEventOmitsToolFieldsOutsideToolCalls(t *testing.T) {
	raw, err := json.Marshal(StreamEvent{Type: EventMessageChunk, Content: "Hel"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(raw) != `{"type":"message_chunk","content":"Hel"}` {
		t.Fatalf("json = %s", raw)
	}
}

func TestNewCompleteEvent(t *testing.T) {
	ev, err := NewCompleteEvent(CompletePayload{Message: "done", SessionID: "s1", RemainingRequests: 7})
	if err != nil {
		t.Fatalf("NewCompleteEvent() error = %v", err)
	}
	if ev.Type != EventComplete || !ev.Type.Terminal() {
		t.Fatalf("Type = %q, want terminal complete", ev.Type)
	}
	var payload CompletePayload
	if err := json.Unmarshal([]byte(ev.Content), &payload); err != nil {
		t.Fatalf("content is not JSON: %v", err)
	}
	if payload.RemainingRequests != 7 || payload.Reasoning != nil {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}
