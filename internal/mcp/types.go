// Package mcp is a minimal client for MCP servers speaking the streamable
// HTTP transport (JSON-RPC 2.0 over POST, replies as JSON or SSE).
package mcp

import (
	"encoding/json"
	"fmt"
)

const (
	jsonrpcVersion  = "2.0"
	protocolVersion = "2025-03-26"
	sessionHeader   = "Mcp-Session-Id"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp rpc error %d: %s", e.Code, e.Message)
}

// HTTPStatusError is a non-2xx transport reply.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("mcp http status %d: %s", e.StatusCode, e.Body)
}

// Tool is a tool advertised by tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type listToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// Content is one item of a tools/call result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Data string `json:"data,omitempty"`
	MIME string `json:"mimeType,omitempty"`
}

// CallResult is the result of tools/call.
type CallResult struct {
	Content           []Content       `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// Text flattens the result into the string handed back to the model.
func (r CallResult) Text() string {
	if len(r.Content) == 0 {
		if len(r.StructuredContent) > 0 {
			return string(r.StructuredContent)
		}
		return "Success"
	}
	if len(r.Content) == 1 {
		c := r.Content[0]
		if c.Type == "text" {
			return c.Text
		}
		b, _ := json.Marshal(c)
		return string(b)
	}
	var out []byte
	for i, c := range r.Content {
		if i > 0 {
			out = append(out, '\n')
		}
		if c.Type == "text" {
			out = append(out, c.Text...)
			continue
		}
		b, _ := json.Marshal(c)
		out = append(out, b...)
	}
	return string(out)
}
