package agent

import (
	"errors"
	"fmt"
	"strings"
)

// New selects an Agent by mode: "openai" requires a provider, "mock" always
// uses MockAgent and "auto" uses the provider when one is configured.
func New(mode string, cfg RunnerConfig) (Agent, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "auto"
	}
	switch mode {
	case "auto":
		if cfg.Provider == nil {
			return NewMockAgent(), nil
		}
		return NewRunner(cfg), nil
	case "openai":
		if cfg.Provider == nil {
			return nil, errors.New("model provider is required for openai mode")
		}
		return NewRunner(cfg), nil
	case "mock":
		return NewMockAgent(), nil
	default:
		return nil, fmt.Errorf("unsupported agent mode %q", mode)
	}
}
