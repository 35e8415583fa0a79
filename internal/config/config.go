package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/vibetrade/agentgateway/internal/logging"
)

// Config contains all runtime settings for the agent gateway.
type Config struct {
	Port                     int           `env:"PORT" env-default:"8080"`
	BindAddr                 string        `env:"APP_BIND_ADDR"`
	ShutdownTimeout          time.Duration `env:"APP_SHUTDOWN_TIMEOUT" env-default:"15s"`
	SessionInactivityTimeout time.Duration `env:"APP_SESSION_INACTIVITY_TIMEOUT" env-default:"30m"`
	MetricsNamespace         string        `env:"APP_METRICS_NAMESPACE" env-default:"vibetrade"`
	CORSOrigins              []string      `env:"APP_CORS_ORIGINS" env-default:"*"`

	Verbosity string `env:"VERBOSITY" env-default:"normal"`
	LogFormat string `env:"LOG_FORMAT" env-default:"text"`

	RateLimitRequests      int           `env:"RATE_LIMIT_REQUESTS" env-default:"10"`
	RateLimitWindow        time.Duration `env:"RATE_LIMIT_WINDOW" env-default:"24h"`
	RateLimitStore         string        `env:"RATE_LIMIT_STORE" env-default:"memory"`
	RateLimitSweepInterval time.Duration `env:"RATE_LIMIT_SWEEP_INTERVAL" env-default:"10m"`

	AgentMode       string `env:"AGENT_MODE" env-default:"auto"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL   string `env:"OPENAI_BASE_URL" env-default:"https://api.openai.com/v1"`
	OpenAIModel     string `env:"OPENAI_MODEL" env-default:"gpt-5"`
	ReasoningEffort string `env:"REASONING_EFFORT"`
	MaxTokens       int    `env:"MAX_TOKENS" env-default:"2000"`
	MaxIterations   int    `env:"MAX_ITERATIONS" env-default:"15"`

	HistoryTokenBudget int `env:"HISTORY_TOKEN_BUDGET" env-default:"12000"`
	HistoryLimit       int `env:"HISTORY_LIMIT" env-default:"50"`
	MaxConcurrentRuns  int `env:"MAX_CONCURRENT_RUNS" env-default:"16"`

	MCPServerURL    string        `env:"MCP_SERVER_URL" env-default:"http://localhost:8080/mcp"`
	MCPAuthToken    string        `env:"MCP_AUTH_TOKEN"`
	MCPAllowedTools []string      `env:"MCP_ALLOWED_TOOLS"`
	MCPTimeout      time.Duration `env:"MCP_TIMEOUT" env-default:"30s"`

	SystemPromptPath string `env:"SYSTEM_PROMPT_PATH" env-default:"system_prompt.txt"`
	DatabaseURL      string `env:"DATABASE_URL"`
}

// Load reads .env (when present) and the environment, then applies
// normalisation and validation.
func Load() (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}

	cfg.BindAddr = strings.TrimSpace(cfg.BindAddr)
	if cfg.BindAddr == "" {
		cfg.BindAddr = fmt.Sprintf(":%d", cfg.Port)
	}
	cfg.OpenAIAPIKey = strings.TrimSpace(cfg.OpenAIAPIKey)
	cfg.OpenAIModel = strings.TrimPrefix(strings.TrimSpace(cfg.OpenAIModel), "openai:")
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.AgentMode = strings.ToLower(strings.TrimSpace(cfg.AgentMode))
	cfg.RateLimitStore = strings.ToLower(strings.TrimSpace(cfg.RateLimitStore))
	cfg.ReasoningEffort = strings.ToLower(strings.TrimSpace(cfg.ReasoningEffort))
	cfg.MCPAllowedTools = trimList(cfg.MCPAllowedTools)
	cfg.CORSOrigins = trimList(cfg.CORSOrigins)

	verbosity, ok := logging.NormalizeVerbosity(cfg.Verbosity)
	if !ok {
		return Config{}, fmt.Errorf("VERBOSITY must be one of quiet, normal, verbose, debug (got %q)", cfg.Verbosity)
	}
	cfg.Verbosity = verbosity

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.RateLimitRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive")
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	}
	if c.RateLimitSweepInterval < 0 {
		return fmt.Errorf("RATE_LIMIT_SWEEP_INTERVAL must be >= 0")
	}
	switch c.RateLimitStore {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" || strings.HasPrefix(c.DatabaseURL, "sqlite:") {
			return fmt.Errorf("RATE_LIMIT_STORE=postgres requires a postgres DATABASE_URL")
		}
	default:
		return fmt.Errorf("RATE_LIMIT_STORE must be memory or postgres (got %q)", c.RateLimitStore)
	}
	switch c.AgentMode {
	case "auto", "mock":
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when AGENT_MODE=openai")
		}
	default:
		return fmt.Errorf("AGENT_MODE must be auto, openai or mock (got %q)", c.AgentMode)
	}
	switch c.ReasoningEffort {
	case "", "minimal", "low", "medium", "high":
	default:
		return fmt.Errorf("REASONING_EFFORT must be one of minimal, low, medium, high (got %q)", c.ReasoningEffort)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("MAX_TOKENS must be positive")
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("MAX_ITERATIONS must be positive")
	}
	if c.HistoryTokenBudget < 0 || c.HistoryLimit < 0 {
		return fmt.Errorf("HISTORY_TOKEN_BUDGET and HISTORY_LIMIT must be >= 0")
	}
	if c.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_RUNS must be positive")
	}
	if c.MCPTimeout <= 0 {
		return fmt.Errorf("MCP_TIMEOUT must be positive")
	}
	return nil
}

// UseOpenAI reports whether the live model should back the agent.
func (c Config) UseOpenAI() bool {
	switch c.AgentMode {
	case "openai":
		return true
	case "auto":
		return c.OpenAIAPIKey != ""
	default:
		return false
	}
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func trimList(in []string) []string {
	out := in[:0]
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
