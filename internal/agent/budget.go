package agent

import (
	"log/slog"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/vibetrade/agentgateway/internal/llm"
)

// TokenCounter estimates the number of tokens in a string.
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// HeuristicCounter approximates one token per four characters.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// NewTokenCounter picks the tokenizer for model, falling back to
// cl100k_base and then to HeuristicCounter when encodings are unavailable.
func NewTokenCounter(model string, log *slog.Logger) TokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		if log != nil {
			log.Warn("tokenizer unavailable, using heuristic token counts", "model", model, "error", err)
		}
		return HeuristicCounter{}
	}
	return tiktokenCounter{enc: enc}
}

// perMessageOverhead approximates role and framing tokens.
const perMessageOverhead = 4

// Budget trims conversation history to a token allowance.
type Budget struct {
	counter TokenCounter
	max     int
}

// NewBudget returns a budget of max tokens. max <= 0 disables trimming.
func NewBudget(counter TokenCounter, max int) *Budget {
	if counter == nil {
		counter = HeuristicCounter{}
	}
	return &Budget{counter: counter, max: max}
}

// MessageTokens estimates the size of one message.
func (b *Budget) MessageTokens(m llm.Message) int {
	n := perMessageOverhead + b.counter.Count(m.Content)
	for _, tc := range m.ToolCalls {
		n += b.counter.Count(tc.Function.Name) + b.counter.Count(tc.Function.Arguments)
	}
	return n
}

// Fit keeps the most recent messages of history that fit in the budget after
// reserving reserved tokens. Order is preserved.
func (b *Budget) Fit(history []llm.Message, reserved int) []llm.Message {
	if b == nil || b.max <= 0 {
		return history
	}
	remaining := b.max - reserved
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := b.MessageTokens(history[i])
		if cost > remaining {
			break
		}
		remaining -= cost
		start = i
	}
	return history[start:]
}
