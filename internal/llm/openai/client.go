// Package openai implements llm.Provider for OpenAI-compatible chat
// completion APIs.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/vibetrade/agentgateway/internal/llm"
)

// Config holds connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client implements llm.Provider over HTTP.
type Client struct {
	config     Config
	httpClient *http.Client
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai api status %d: %s", e.StatusCode, e.Body)
}

// New creates a client. Timeout bounds a whole streamed turn and defaults to
// five minutes.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.config.Model }

type chatRequest struct {
	Model               string         `json:"model"`
	Messages            []llm.Message  `json:"messages"`
	Tools               []llm.Tool     `json:"tools,omitempty"`
	MaxCompletionTokens int            `json:"max_completion_tokens,omitempty"`
	ReasoningEffort     string         `json:"reasoning_effort,omitempty"`
	Stream              bool           `json:"stream"`
	StreamOptions       *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type responseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *responseUsage) toUsage() llm.Usage {
	if u == nil {
		return llm.Usage{}
	}
	return llm.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

type chunk struct {
	Choices []struct {
		Delta        chunkDelta `json:"delta"`
		Message      chunkDelta `json:"message"`
		FinishReason *string    `json:"finish_reason"`
	} `json:"choices"`
	Usage *responseUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type chunkDelta struct {
	Content          string          `json:"content"`
	ReasoningContent string          `json:"reasoning_content"`
	Reasoning        string          `json:"reasoning"`
	ToolCalls        []toolCallDelta `json:"tool_calls"`
}

type toolCallDelta struct {
	Index    *int   `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// Stream sends a streaming chat completion request.
func (c *Client) Stream(ctx context.Context, req llm.Request, onDelta llm.DeltaHandler) (*llm.Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:               c.config.Model,
		Messages:            req.Messages,
		Tools:               req.Tools,
		MaxCompletionTokens: req.MaxTokens,
		ReasoningEffort:     req.ReasoningEffort,
		Stream:              true,
		StreamOptions:       &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, &APIError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	acc := newAccumulator()
	if strings.Contains(strings.ToLower(res.Header.Get("Content-Type")), "text/event-stream") {
		if err := consumeStream(res.Body, acc, onDelta); err != nil {
			return nil, err
		}
		return acc.response(), nil
	}

	// Some compatible servers ignore stream=true and answer with one object.
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := acc.apply(b, onDelta); err != nil {
		return nil, err
	}
	return acc.response(), nil
}

func consumeStream(body io.Reader, acc *accumulator, onDelta llm.DeltaHandler) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}
		if err := acc.apply([]byte(data), onDelta); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	return nil
}

type accumulator struct {
	content   strings.Builder
	reasoning strings.Builder
	calls     map[int]*llm.ToolCall
	finish    string
	usage     llm.Usage
}

func newAccumulator() *accumulator {
	return &accumulator{calls: make(map[int]*llm.ToolCall)}
}

func (a *accumulator) apply(data []byte, onDelta llm.DeltaHandler) error {
	var ch chunk
	if err := json.Unmarshal(data, &ch); err != nil {
		return fmt.Errorf("decode chunk: %w", err)
	}
	if ch.Error != nil {
		return errors.New("openai stream error: " + ch.Error.Message)
	}
	if ch.Usage != nil {
		a.usage = ch.Usage.toUsage()
	}
	for _, choice := range ch.Choices {
		d := choice.Delta
		if d.Content == "" && d.ReasoningContent == "" && d.Reasoning == "" && len(d.ToolCalls) == 0 {
			d = choice.Message
		}
		reasoning := d.ReasoningContent
		if reasoning == "" {
			reasoning = d.Reasoning
		}
		if reasoning != "" || d.Content != "" {
			a.reasoning.WriteString(reasoning)
			a.content.WriteString(d.Content)
			if onDelta != nil {
				if err := onDelta(llm.Delta{Content: d.Content, Reasoning: reasoning}); err != nil {
					return err
				}
			}
		}
		for i, tc := range d.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := a.calls[idx]
			if !ok {
				call = &llm.ToolCall{Type: "function"}
				a.calls[idx] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Type != "" {
				call.Type = tc.Type
			}
			call.Function.Name += tc.Function.Name
			call.Function.Arguments += tc.Function.Arguments
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			a.finish = *choice.FinishReason
		}
	}
	return nil
}

func (a *accumulator) response() *llm.Response {
	resp := &llm.Response{
		Content:      a.content.String(),
		Reasoning:    a.reasoning.String(),
		FinishReason: a.finish,
		Usage:        a.usage,
	}
	if len(a.calls) > 0 {
		idx := make([]int, 0, len(a.calls))
		for i := range a.calls {
			idx = append(idx, i)
		}
		sort.Ints(idx)
		for _, i := range idx {
			resp.ToolCalls = append(resp.ToolCalls, *a.calls[i])
		}
	}
	return resp
}
