package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/vibetrade/agentgateway/internal/agent"
	"github.com/vibetrade/agentgateway/internal/config"
	"github.com/vibetrade/agentgateway/internal/conversation"
	"github.com/vibetrade/agentgateway/internal/mcp"
	"github.com/vibetrade/agentgateway/internal/observability"
	"github.com/vibetrade/agentgateway/internal/ratelimit"
	"github.com/vibetrade/agentgateway/internal/session"
)

// ToolCatalog lists the tools available to the agent.
type ToolCatalog interface {
	List() []mcp.Tool
}

// Dependencies are the collaborators a Server needs. Tools may be nil.
type Dependencies struct {
	Agent    agent.Agent
	Limiter  ratelimit.Limiter
	History  conversation.Store
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Tools    ToolCatalog
	Logger   *slog.Logger
}

type Server struct {
	cfg      config.Config
	agent    agent.Agent
	limiter  ratelimit.Limiter
	history  conversation.Store
	sessions *session.Manager
	metrics  *observability.Metrics
	tools    ToolCatalog
	log      *slog.Logger
	runs     *semaphore.Weighted
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Dependencies) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	maxRuns := int64(cfg.MaxConcurrentRuns)
	if maxRuns <= 0 {
		maxRuns = 16
	}
	s := &Server{
		cfg:      cfg,
		agent:    deps.Agent,
		limiter:  deps.Limiter,
		history:  deps.History,
		sessions: deps.Sessions,
		metrics:  deps.Metrics,
		tools:    deps.Tools,
		log:      log.With("component", "httpapi"),
		runs:     semaphore.NewWeighted(maxRuns),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/chat", s.handleChat)
	r.Post("/chat/stream", s.handleChatStream)
	r.Get("/chat/ws", s.handleChatWS)

	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Get("/v1/tools", s.handleListTools)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.agent == nil || s.limiter == nil || s.history == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "agent, limiter or history store not configured")
		return
	}
	tools := 0
	if s.tools != nil {
		tools = len(s.tools.List())
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ready",
		"agent_mode":       s.cfg.AgentMode,
		"rate_limit_store": s.cfg.RateLimitStore,
		"tools":            tools,
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{"window_size": 0, "stages": []any{}})
		return
	}
	if r.URL.Query().Get("reset") == "1" {
		s.metrics.ResetStages()
	}
	respondJSON(w, http.StatusOK, s.metrics.Stages())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	remaining, err := s.limiter.Remaining(r.Context(), id)
	if err != nil {
		s.log.Error("remaining quota lookup failed", "session_id", id, "error", err)
		respondError(w, http.StatusServiceUnavailable, "rate_limiter_unavailable", "rate limiter unavailable")
		return
	}
	out := map[string]any{
		"session_id":         id,
		"remaining_requests": remaining,
		"limit":              s.cfg.RateLimitRequests,
	}
	if s.sessions != nil {
		if sess, err := s.sessions.Get(id); err == nil {
			out["activity"] = sess
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	type toolInfo struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	}
	out := []toolInfo{}
	if s.tools != nil {
		for _, t := range s.tools.List() {
			out = append(out, toolInfo{Name: t.Name, Description: t.Description})
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin.
		return true
	}
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(r) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Session-ID")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Expose-Headers", "X-RateLimit-Limit, X-RateLimit-Remaining, Retry-After, X-Session-ID")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
