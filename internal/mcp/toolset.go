package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vibetrade/agentgateway/internal/llm"
	"github.com/vibetrade/agentgateway/internal/reliability"
)

// Toolset exposes the tools of one MCP server to the agent loop.
type Toolset struct {
	client  *Client
	allowed map[string]struct{}
	log     *slog.Logger

	mu    sync.RWMutex
	tools []Tool
	names map[string]struct{}
}

// NewToolset wraps client. An empty allow-list keeps every tool.
func NewToolset(client *Client, allowed []string, log *slog.Logger) *Toolset {
	if log == nil {
		log = slog.Default()
	}
	ts := &Toolset{client: client, log: log, names: map[string]struct{}{}}
	if len(allowed) > 0 {
		ts.allowed = make(map[string]struct{}, len(allowed))
		for _, name := range allowed {
			ts.allowed[name] = struct{}{}
		}
	}
	return ts
}

// Discover runs the handshake and loads the tool list, retrying transient
// failures according to policy.
func (t *Toolset) Discover(ctx context.Context, policy reliability.Policy) error {
	if policy.Retryable == nil {
		policy.Retryable = IsRetryable
	}
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, wait time.Duration, err error) {
			t.log.Warn("mcp discovery failed, retrying", "url", t.client.URL(), "attempt", attempt, "wait", wait, "error", err)
		}
	}
	return reliability.Retry(ctx, policy, t.discoverOnce)
}

func (t *Toolset) discoverOnce(ctx context.Context) error {
	if err := t.client.Initialize(ctx); err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			return err
		}
		t.log.Debug("mcp initialize rejected, continuing stateless", "error", err)
	}
	listed, err := t.client.ListTools(ctx)
	if err != nil {
		return err
	}

	tools := make([]Tool, 0, len(listed))
	names := make(map[string]struct{}, len(listed))
	for _, tool := range listed {
		if tool.Name == "" {
			continue
		}
		if t.allowed != nil {
			if _, ok := t.allowed[tool.Name]; !ok {
				continue
			}
		}
		tool.Description = EnrichDescription(tool.Name, tool.Description)
		tools = append(tools, tool)
		names[tool.Name] = struct{}{}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	t.mu.Lock()
	t.tools = tools
	t.names = names
	t.mu.Unlock()
	t.log.Info("mcp tools loaded", "url", t.client.URL(), "count", len(tools))
	return nil
}

// List returns the loaded tools.
func (t *Toolset) List() []Tool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Tool, len(t.tools))
	copy(out, t.tools)
	return out
}

// Tools returns the loaded tools in chat-completion format.
func (t *Toolset) Tools() []llm.Tool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]llm.Tool, 0, len(t.tools))
	for _, tool := range t.tools {
		params := tool.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.Function{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// Call runs a tool and returns the text for the model. A result flagged
// isError is returned as text so the model can react to it; transport and
// protocol failures are returned as errors.
func (t *Toolset) Call(ctx context.Context, name, arguments string) (string, error) {
	t.mu.RLock()
	_, known := t.names[name]
	t.mu.RUnlock()
	if !known {
		return fmt.Sprintf("Error: unknown tool %q", name), nil
	}

	args := json.RawMessage(strings.TrimSpace(arguments))
	if len(args) > 0 && !json.Valid(args) {
		return fmt.Sprintf("Error: arguments for %s are not valid JSON", name), nil
	}
	res, err := t.client.CallTool(ctx, name, args)
	if err != nil {
		return "", err
	}
	if res.IsError {
		return "Error: " + res.Text(), nil
	}
	return res.Text(), nil
}

// IsRetryable reports whether a discovery failure may succeed later.
func IsRetryable(err error) bool {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return reliability.IsRetryableHTTPStatus(statusErr.StatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// EnrichDescription appends workflow guidance to tools whose correct use
// depends on a schema etag obtained from another tool.
func EnrichDescription(name, description string) string {
	var extra string
	switch name {
	case "create_card":
		extra = "CRITICAL: Before calling this tool, you MUST first call get_archetype_schema(type) " +
			"to get the schema_etag. The schema_etag is REQUIRED and must be included in your call. " +
			"Workflow: 1) get_archetype_schema(type) -> 2) extract 'etag' from response -> 3) create_card(type, slots, schema_etag=etag)"
	case "update_card":
		extra = "CRITICAL: Before calling this tool, you MUST first call get_archetype_schema(type) " +
			"to get the schema_etag. The schema_etag is REQUIRED and must be included in your call."
	case "get_schema_example":
		extra = "TIP: This tool returns both example slots AND the schema_etag. " +
			"You can use the schema_etag directly when calling create_card."
	default:
		return description
	}
	if strings.TrimSpace(description) == "" {
		return extra
	}
	return description + "\n\n" + extra
}
