package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vibetrade/agentgateway/internal/logging"
	"github.com/vibetrade/agentgateway/internal/reliability"
)

type fakeServer struct {
	mu         sync.Mutex
	methods    []string
	sessionIDs []string
	auth       []string
	listFails  int
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	_ = json.Unmarshal(body, &req)

	f.mu.Lock()
	f.methods = append(f.methods, req.Method)
	f.sessionIDs = append(f.sessionIDs, r.Header.Get(sessionHeader))
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	failList := req.Method == "tools/list" && f.listFails > 0
	if failList {
		f.listFails--
	}
	f.mu.Unlock()

	if failList {
		http.Error(w, "warming up", http.StatusServiceUnavailable)
		return
	}

	switch req.Method {
	case "initialize":
		w.Header().Set(sessionHeader, "sess-42")
		writeJSON(w, *req.ID, `{"protocolVersion":"2025-03-26","capabilities":{"tools":{}}}`)
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)
	case "tools/list":
		var p struct {
			Cursor string `json:"cursor"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if p.Cursor == "" {
			writeJSON(w, *req.ID, `{"tools":[{"name":"create_card","description":"Create a card","inputSchema":{"type":"object"}},{"name":"delete_card","description":"Delete"}],"nextCursor":"page2"}`)
			return
		}
		writeSSE(w, *req.ID, `{"tools":[{"name":"get_schema_example","description":"Example slots"}]}`)
	case "tools/call":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		_ = json.Unmarshal(req.Params, &p)
		switch p.Name {
		case "get_schema_example":
			writeSSE(w, *req.ID, fmt.Sprintf(`{"content":[{"type":"text","text":"example for %s"}]}`, strings.ReplaceAll(string(p.Arguments), `"`, `'`)))
		case "create_card":
			writeSSE(w, *req.ID, `{"content":[{"type":"text","text":"schema_etag mismatch"}],"isError":true}`)
		default:
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32000,"message":"backend unavailable"}}`, *req.ID)
		}
	}
}

func writeJSON(w http.ResponseWriter, id int64, result string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result)
}

func writeSSE(w http.ResponseWriter, id int64, result string) {
	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprint(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
	fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":%s}\n\n", id, result)
}

func newTestToolset(t *testing.T, srv *httptest.Server, allowed []string) *Toolset {
	t.Helper()
	client := NewClient(Config{URL: srv.URL, AuthToken: "tok", Timeout: 5 * time.Second})
	ts := NewToolset(client, allowed, logging.Discard())
	err := ts.Discover(context.Background(), reliability.Policy{Attempts: 3, Base: time.Millisecond, Cap: time.Millisecond})
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	return ts
}

func TestDiscoverFollowsPaginationAndEnrichesDescriptions(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ts := newTestToolset(t, srv, nil)
	tools := ts.Tools()
	if len(tools) != 3 {
		t.Fatalf("len(Tools()) = %d, want 3", len(tools))
	}
	if tools[0].Function.Name != "create_card" || !strings.Contains(tools[0].Function.Description, "schema_etag") {
		t.Fatalf("create_card description not enriched: %q", tools[0].Function.Description)
	}
	if !strings.HasPrefix(tools[0].Function.Description, "Create a card\n\n") {
		t.Fatalf("original description lost: %q", tools[0].Function.Description)
	}
	if string(tools[1].Function.Parameters) != `{"type":"object","properties":{}}` {
		t.Fatalf("default parameters = %s", tools[1].Function.Parameters)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	wantMethods := []string{"initialize", "notifications/initialized", "tools/list", "tools/list"}
	if strings.Join(fake.methods, ",") != strings.Join(wantMethods, ",") {
		t.Fatalf("methods = %v, want %v", fake.methods, wantMethods)
	}
	if fake.sessionIDs[0] != "" || fake.sessionIDs[2] != "sess-42" {
		t.Fatalf("session ids = %v, want header after initialize", fake.sessionIDs)
	}
	if fake.auth[0] != "Bearer tok" {
		t.Fatalf("Authorization = %q", fake.auth[0])
	}
}

func TestDiscoverAppliesAllowList(t *testing.T) {
	srv := httptest.NewServer(&fakeServer{})
	defer srv.Close()

	ts := newTestToolset(t, srv, []string{"get_schema_example"})
	list := ts.List()
	if len(list) != 1 || list[0].Name != "get_schema_example" {
		t.Fatalf("List() = %+v, want only get_schema_example", list)
	}
	out, err := ts.Call(context.Background(), "create_card", `{}`)
	if err != nil || !strings.Contains(out, "unknown tool") {
		t.Fatalf("Call(filtered tool) = %q, %v", out, err)
	}
}

func TestDiscoverRetriesUnavailableServer(t *testing.T) {
	fake := &fakeServer{listFails: 2}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ts := newTestToolset(t, srv, nil)
	if len(ts.List()) != 3 {
		t.Fatalf("len(List()) = %d after retries, want 3", len(ts.List()))
	}
}

func TestCallResults(t *testing.T) {
	srv := httptest.NewServer(&fakeServer{})
	defer srv.Close()
	ts := newTestToolset(t, srv, nil)
	ctx := context.Background()

	out, err := ts.Call(ctx, "get_schema_example", `{"type":"entry"}`)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if out != "example for {'type':'entry'}" {
		t.Fatalf("Call() = %q", out)
	}

	out, err = ts.Call(ctx, "create_card", `{}`)
	if err != nil {
		t.Fatalf("Call(isError) error = %v", err)
	}
	if out != "Error: schema_etag mismatch" {
		t.Fatalf("Call(isError) = %q", out)
	}

	_, err = ts.Call(ctx, "delete_card", ``)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32000 {
		t.Fatalf("Call(rpc error) error = %v, want *RPCError", err)
	}

	out, err = ts.Call(ctx, "get_schema_example", `{not json`)
	if err != nil || !strings.Contains(out, "not valid JSON") {
		t.Fatalf("Call(bad args) = %q, %v", out, err)
	}
}

func TestCallResultText(t *testing.T) {
	if got := (CallResult{}).Text(); got != "Success" {
		t.Fatalf("empty Text() = %q, want Success", got)
	}
	img := CallResult{Content: []Content{{Type: "image", Data: "AAA", MIME: "image/png"}}}
	if got := img.Text(); !strings.Contains(got, `"mimeType":"image/png"`) {
		t.Fatalf("image Text() = %q", got)
	}
	multi := CallResult{Content: []Content{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}}}
	if got := multi.Text(); got != "a\nb" {
		t.Fatalf("multi Text() = %q", got)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&HTTPStatusError{StatusCode: 503}) {
		t.Fatalf("503 should be retryable")
	}
	if IsRetryable(&HTTPStatusError{StatusCode: 401}) {
		t.Fatalf("401 should not be retryable")
	}
	if IsRetryable(&RPCError{Code: -32601}) {
		t.Fatalf("rpc errors should not be retryable")
	}
}
