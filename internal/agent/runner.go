package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vibetrade/agentgateway/internal/llm"
	"github.com/vibetrade/agentgateway/internal/policy"
)

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Provider        llm.Provider
	Tools           Toolset
	Instructions    Instructions
	Budget          *Budget
	MaxIterations   int
	MaxTokens       int
	ReasoningEffort string
	Logger          *slog.Logger
}

// Runner is the model-backed Agent: it alternates model turns and tool
// executions until the model answers without requesting tools.
type Runner struct {
	cfg RunnerConfig
	log *slog.Logger
}

func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 15
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Runner{cfg: cfg, log: log.With("component", "agent")}
}

func (r *Runner) Run(ctx context.Context, req Request, onEvent Handler) (Result, error) {
	emit := func(ev Event) error {
		if onEvent == nil {
			return nil
		}
		return onEvent(ev)
	}

	messages := r.buildMessages(req)
	var tools []llm.Tool
	if r.cfg.Tools != nil {
		tools = r.cfg.Tools.Tools()
	}

	var (
		result    Result
		output    strings.Builder
		reasoning strings.Builder
	)
	for round := 0; round < r.cfg.MaxIterations; round++ {
		resp, err := r.cfg.Provider.Stream(ctx, llm.Request{
			Messages:        messages,
			Tools:           tools,
			MaxTokens:       r.cfg.MaxTokens,
			ReasoningEffort: r.cfg.ReasoningEffort,
		}, func(d llm.Delta) error {
			if d.Reasoning != "" {
				reasoning.WriteString(d.Reasoning)
				if err := emit(ReasoningDelta{Text: d.Reasoning}); err != nil {
					return err
				}
			}
			if d.Content != "" {
				output.WriteString(d.Content)
				if err := emit(TextDelta{Text: d.Content}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return Result{}, fmt.Errorf("model round %d: %w", round+1, err)
		}
		result.Usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			result.Output = output.String()
			result.Reasoning = reasoning.String()
			r.log.Debug("run finished", "session_id", req.SessionID, "rounds", round+1,
				"tool_calls", len(result.ToolCalls), "output", policy.Preview(result.Output, 120))
			return result, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			call := ToolCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments, CallID: tc.ID}
			if err := emit(call); err != nil {
				return Result{}, err
			}
			result.ToolCalls = append(result.ToolCalls, call)

			out, err := r.callTool(ctx, call)
			if err != nil {
				return Result{}, err
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    out,
				ToolCallID: tc.ID,
			})
		}
	}
	return Result{}, fmt.Errorf("%w (%d)", ErrMaxIterations, r.cfg.MaxIterations)
}

func (r *Runner) callTool(ctx context.Context, call ToolCall) (string, error) {
	if r.cfg.Tools == nil {
		return fmt.Sprintf("Error: unknown tool %q", call.Name), nil
	}
	started := time.Now()
	out, err := r.cfg.Tools.Call(ctx, call.Name, call.Arguments)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		r.log.Warn("tool call failed", "tool", call.Name, "error", err)
		return "", &ToolError{Tool: call.Name, Err: err}
	}
	r.log.Debug("tool call", "tool", call.Name, "duration", time.Since(started),
		"args", policy.Preview(call.Arguments, 200), "result", policy.Preview(out, 200))
	return out, nil
}

func (r *Runner) buildMessages(req Request) []llm.Message {
	var system string
	if r.cfg.Instructions != nil {
		system = strings.TrimSpace(r.cfg.Instructions.Current())
	}
	user := llm.Message{Role: llm.RoleUser, Content: req.Input}

	reserved := r.cfg.MaxTokens
	if r.cfg.Budget != nil {
		reserved += r.cfg.Budget.MessageTokens(user)
		if system != "" {
			reserved += r.cfg.Budget.MessageTokens(llm.Message{Role: llm.RoleSystem, Content: system})
		}
	}
	history := r.cfg.Budget.Fit(req.History, reserved)

	out := make([]llm.Message, 0, len(history)+2)
	if system != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	out = append(out, history...)
	return append(out, user)
}
