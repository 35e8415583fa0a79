package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.RateLimitRequests != 10 || cfg.RateLimitWindow != 24*time.Hour {
		t.Fatalf("rate limit = %d/%v, want 10/24h", cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	if cfg.MaxTokens != 2000 || cfg.MaxIterations != 15 {
		t.Fatalf("MaxTokens/MaxIterations = %d/%d, want 2000/15", cfg.MaxTokens, cfg.MaxIterations)
	}
	if cfg.MCPServerURL != "http://localhost:8080/mcp" {
		t.Fatalf("MCPServerURL = %q", cfg.MCPServerURL)
	}
	if cfg.Verbosity != "normal" {
		t.Fatalf("Verbosity = %q, want normal", cfg.Verbosity)
	}
	if cfg.UseOpenAI() {
		t.Fatalf("UseOpenAI() = true without an API key")
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Fatalf("CORSOrigins = %v, want [*]", cfg.CORSOrigins)
	}
}

func TestLoadPortAndOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9191")
	t.Setenv("OPENAI_MODEL", "openai:gpt-5-mini")
	t.Setenv("OPENAI_API_KEY", " sk-test ")
	t.Setenv("VERBOSITY", "high")
	t.Setenv("MCP_ALLOWED_TOOLS", "create_card, update_card ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want :9191", cfg.BindAddr)
	}
	if cfg.OpenAIModel != "gpt-5-mini" {
		t.Fatalf("OpenAIModel = %q, want prefix stripped", cfg.OpenAIModel)
	}
	if cfg.Verbosity != "verbose" {
		t.Fatalf("Verbosity = %q, want verbose", cfg.Verbosity)
	}
	if !cfg.UseOpenAI() {
		t.Fatalf("UseOpenAI() = false with an API key in auto mode")
	}
	if strings.Join(cfg.MCPAllowedTools, "|") != "create_card|update_card" {
		t.Fatalf("MCPAllowedTools = %v", cfg.MCPAllowedTools)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"VERBOSITY":        "loud",
		"REASONING_EFFORT": "extreme",
		"AGENT_MODE":       "openai",
		"RATE_LIMIT_STORE": "postgres",
		"MAX_ITERATIONS":   "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q succeeded, want error", key, value)
			}
		})
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"PORT", "APP_BIND_ADDR", "APP_SHUTDOWN_TIMEOUT", "APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE", "APP_CORS_ORIGINS", "VERBOSITY", "LOG_FORMAT",
		"RATE_LIMIT_REQUESTS", "RATE_LIMIT_WINDOW", "RATE_LIMIT_STORE", "RATE_LIMIT_SWEEP_INTERVAL",
		"AGENT_MODE", "OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL", "REASONING_EFFORT",
		"MAX_TOKENS", "MAX_ITERATIONS", "HISTORY_TOKEN_BUDGET", "HISTORY_LIMIT", "MAX_CONCURRENT_RUNS",
		"MCP_SERVER_URL", "MCP_AUTH_TOKEN", "MCP_ALLOWED_TOOLS", "MCP_TIMEOUT",
		"SYSTEM_PROMPT_PATH", "DATABASE_URL",
	}
	for _, key := range keys {
		// Setenv registers restoration; Unsetenv makes the key absent so
		// struct defaults apply.
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}
