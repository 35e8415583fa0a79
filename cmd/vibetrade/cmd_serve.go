package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vibetrade/agentgateway/internal/agent"
	"github.com/vibetrade/agentgateway/internal/config"
	"github.com/vibetrade/agentgateway/internal/conversation"
	"github.com/vibetrade/agentgateway/internal/httpapi"
	"github.com/vibetrade/agentgateway/internal/llm"
	"github.com/vibetrade/agentgateway/internal/llm/openai"
	"github.com/vibetrade/agentgateway/internal/mcp"
	"github.com/vibetrade/agentgateway/internal/observability"
	"github.com/vibetrade/agentgateway/internal/prompt"
	"github.com/vibetrade/agentgateway/internal/ratelimit"
	"github.com/vibetrade/agentgateway/internal/reliability"
	"github.com/vibetrade/agentgateway/internal/session"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat gateway",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var pool *pgxpool.Pool
	if isPostgresURL(cfg.DatabaseURL) {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
	}

	limiter, err := ratelimit.New(ctx, ratelimit.Options{
		Store:  cfg.RateLimitStore,
		Limit:  cfg.RateLimitRequests,
		Window: cfg.RateLimitWindow,
		Pool:   pool,
	})
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	history, err := conversation.NewStore(ctx, cfg.DatabaseURL, pool)
	if err != nil {
		return fmt.Errorf("conversation store: %w", err)
	}
	defer history.Close()

	instructions, err := prompt.NewLoader(cfg.SystemPromptPath, log)
	if err != nil {
		return fmt.Errorf("system prompt: %w", err)
	}

	tools := discoverTools(ctx, cfg, log)

	var provider llm.Provider
	model := cfg.OpenAIModel
	if cfg.UseOpenAI() {
		provider = openai.New(openai.Config{
			BaseURL: cfg.OpenAIBaseURL,
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
		})
	}

	runnerCfg := agent.RunnerConfig{
		Provider:        provider,
		Instructions:    instructions,
		Budget:          agent.NewBudget(agent.NewTokenCounter(model, log), cfg.HistoryTokenBudget),
		MaxIterations:   cfg.MaxIterations,
		MaxTokens:       cfg.MaxTokens,
		ReasoningEffort: cfg.ReasoningEffort,
		Logger:          log,
	}
	if tools != nil {
		runnerCfg.Tools = tools
	}
	chatAgent, err := agent.New(cfg.AgentMode, runnerCfg)
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	deps := httpapi.Dependencies{
		Agent:    chatAgent,
		Limiter:  limiter,
		History:  history,
		Sessions: sessions,
		Metrics:  metrics,
		Logger:   log,
	}
	if tools != nil {
		deps.Tools = tools
	}
	api := httpapi.New(cfg, deps)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("vibetrade starting",
		"version", version,
		"addr", cfg.BindAddr,
		"agent_mode", cfg.AgentMode,
		"model_backed", provider != nil,
		"rate_limit", fmt.Sprintf("%d/%s", cfg.RateLimitRequests, cfg.RateLimitWindow),
		"rate_limit_store", cfg.RateLimitStore,
		"prompt_source", instructions.Source(),
	)

	g, gctx := errgroup.WithContext(ctx)
	sessions.StartJanitor(gctx, 5*time.Second)
	startSweeper(gctx, limiter, cfg.RateLimitSweepInterval, log)

	g.Go(func() error {
		if err := instructions.Watch(gctx); err != nil {
			log.Warn("system prompt watch stopped", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown failed", "error", err)
			_ = httpServer.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// discoverTools connects to the MCP server. A failed discovery leaves the
// agent without tools rather than failing startup.
func discoverTools(ctx context.Context, cfg config.Config, log *slog.Logger) *mcp.Toolset {
	if strings.TrimSpace(cfg.MCPServerURL) == "" {
		log.Info("no MCP server configured, continuing without tools")
		return nil
	}
	client := mcp.NewClient(mcp.Config{
		URL:           cfg.MCPServerURL,
		AuthToken:     cfg.MCPAuthToken,
		Timeout:       cfg.MCPTimeout,
		ClientVersion: version,
	})
	tools := mcp.NewToolset(client, cfg.MCPAllowedTools, log)
	if err := tools.Discover(ctx, reliability.DefaultPolicy); err != nil {
		log.Warn("could not load MCP tools, continuing without MCP tools", "url", cfg.MCPServerURL, "error", err)
		return nil
	}
	log.Info("mcp tools loaded", "url", cfg.MCPServerURL, "count", len(tools.List()))
	return tools
}

func startSweeper(ctx context.Context, limiter ratelimit.Limiter, interval time.Duration, log *slog.Logger) {
	if interval <= 0 {
		return
	}
	switch l := limiter.(type) {
	case *ratelimit.MemoryLimiter:
		l.StartSweeper(ctx, interval, func(dropped int) {
			if dropped > 0 {
				log.Debug("rate limit records swept", "dropped", dropped)
			}
		})
	case *ratelimit.PostgresLimiter:
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					n, err := l.Sweep(ctx)
					if err != nil {
						log.Warn("rate limit sweep failed", "error", err)
						continue
					}
					if n > 0 {
						log.Debug("rate limit records swept", "dropped", n)
					}
				}
			}
		}()
	}
}

func isPostgresURL(u string) bool {
	u = strings.ToLower(strings.TrimSpace(u))
	return strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://")
}
