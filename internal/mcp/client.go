package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls client construction.
type Config struct {
	URL           string
	AuthToken     string
	Timeout       time.Duration
	ClientName    string
	ClientVersion string
}

// Client talks to a single MCP server.
type Client struct {
	url       string
	token     string
	name      string
	version   string
	http      *http.Client
	nextID    atomic.Int64
	mu        sync.RWMutex
	sessionID string
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	name := cfg.ClientName
	if name == "" {
		name = "vibetrade-agent"
	}
	version := cfg.ClientVersion
	if version == "" {
		version = "dev"
	}
	return &Client{
		url:     strings.TrimSpace(cfg.URL),
		token:   strings.TrimSpace(cfg.AuthToken),
		name:    name,
		version: version,
		http:    &http.Client{Timeout: timeout},
	}
}

// URL returns the server endpoint.
func (c *Client) URL() string { return c.url }

// SessionID returns the server-assigned session, if any.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Initialize performs the MCP handshake. Servers that run stateless accept
// tool calls without it, so callers may treat a failure as non-fatal.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]string{"name": c.name, "version": c.version},
	}
	if err := c.call(ctx, "initialize", params, nil); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// ListTools returns every tool the server advertises, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var (
		out    []Tool
		cursor string
	)
	for page := 0; page < 100; page++ {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		var res listToolsResult
		if err := c.call(ctx, "tools/list", params, &res); err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		out = append(out, res.Tools...)
		if res.NextCursor == "" || res.NextCursor == cursor {
			return out, nil
		}
		cursor = res.NextCursor
	}
	return out, nil
}

// CallTool invokes a tool. args must be a JSON object or empty.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (CallResult, error) {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	params := map[string]any{"name": name, "arguments": args}
	var res CallResult
	if err := c.call(ctx, "tools/call", params, &res); err != nil {
		return CallResult{}, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return res, nil
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	id := c.nextID.Add(1)
	res, err := c.post(ctx, rpcRequest{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: params})
	if err != nil {
		return err
	}
	defer res.Body.Close()

	resp, err := decodeResponse(res, id)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) notify(ctx context.Context, method string) error {
	res, err := c.post(ctx, rpcRequest{JSONRPC: jsonrpcVersion, Method: method})
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	return res.Body.Close()
}

func (c *Client) post(ctx context.Context, msg rpcRequest) (*http.Response, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if sid := c.SessionID(); sid != "" {
		req.Header.Set(sessionHeader, sid)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if sid := strings.TrimSpace(res.Header.Get(sessionHeader)); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}
	return res, nil
}

// decodeResponse reads either a single JSON body or an SSE stream and
// returns the response matching id. Server requests and notifications
// interleaved in the stream are skipped.
func decodeResponse(res *http.Response, id int64) (rpcResponse, error) {
	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if !strings.Contains(ct, "text/event-stream") {
		body, err := io.ReadAll(res.Body)
		if err != nil {
			return rpcResponse{}, fmt.Errorf("read response: %w", err)
		}
		var resp rpcResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return rpcResponse{}, fmt.Errorf("decode response: %w", err)
		}
		return resp, nil
	}

	want := strconv.FormatInt(id, 10)
	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var data strings.Builder
	flush := func() (rpcResponse, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return rpcResponse{}, false
		}
		var resp rpcResponse
		if err := json.Unmarshal([]byte(data.String()), &resp); err != nil {
			return rpcResponse{}, false
		}
		if string(resp.ID) != want && strings.Trim(string(resp.ID), `"`) != want {
			return rpcResponse{}, false
		}
		return resp, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			if resp, ok := flush(); ok {
				return resp, nil
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return rpcResponse{}, fmt.Errorf("stream read: %w", err)
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return rpcResponse{}, fmt.Errorf("no response for request %d in event stream", id)
}
