package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vibetrade/agentgateway/internal/agent"
	"github.com/vibetrade/agentgateway/internal/conversation"
	"github.com/vibetrade/agentgateway/internal/llm"
	"github.com/vibetrade/agentgateway/internal/observability"
	"github.com/vibetrade/agentgateway/internal/policy"
	"github.com/vibetrade/agentgateway/internal/protocol"
	"github.com/vibetrade/agentgateway/internal/ratelimit"
	"github.com/vibetrade/agentgateway/internal/session"
	"github.com/vibetrade/agentgateway/internal/stream"
)

const sessionHeader = "X-Session-ID"

// turn is an admitted chat request, ready to run.
type turn struct {
	sessionID string
	input     string
	history   []llm.Message
	decision  ratelimit.Decision
	started   time.Time
}

// admissionError is a rejection before the agent runs.
type admissionError struct {
	status   int
	code     string
	message  string
	decision *ratelimit.Decision
}

func (e *admissionError) Error() string { return e.message }

func (s *Server) rateLimitMessage() string {
	return fmt.Sprintf("Rate limit exceeded. Free tier allows %d requests per %s.",
		s.cfg.RateLimitRequests, windowText(s.cfg.RateLimitWindow))
}

// admit validates req, consumes quota and records the user message. The
// request is validated first so malformed bodies never cost quota.
func (s *Server) admit(ctx context.Context, req protocol.ChatRequest, fallbackIDs ...string) (*turn, error) {
	started := time.Now()
	if err := req.Validate(); err != nil {
		return nil, &admissionError{status: http.StatusBadRequest, code: "invalid_request", message: capitalize(err.Error())}
	}
	sessionID := session.ResolveID(append([]string{req.SessionID}, fallbackIDs...)...)

	decision, err := s.limiter.Allow(ctx, sessionID)
	if err != nil {
		s.log.Error("rate limiter failed", "session_id", sessionID, "error", err)
		return nil, &admissionError{status: http.StatusServiceUnavailable, code: "rate_limiter_unavailable", message: "Rate limiter unavailable"}
	}
	if !decision.Allowed {
		s.observeDecision("rejected")
		return nil, &admissionError{status: http.StatusTooManyRequests, code: "rate_limited", message: s.rateLimitMessage(), decision: &decision}
	}
	s.observeDecision("allowed")

	stored, err := s.history.History(ctx, sessionID, s.cfg.HistoryLimit)
	if err != nil {
		// The quota is spent either way; run without stored context.
		s.log.Warn("load history failed", "session_id", sessionID, "error", err)
		stored = nil
	}
	merged := conversation.Merge(stored, req.Messages)
	latest := req.Latest()
	if err := s.history.Append(ctx, conversation.Message{SessionID: sessionID, Role: protocol.RoleUser, Content: latest.Content}); err != nil {
		s.log.Warn("store user message failed", "session_id", sessionID, "error", err)
	}

	history := make([]llm.Message, 0, len(merged))
	for _, m := range merged[:len(merged)-1] {
		if m.Role != protocol.RoleUser && m.Role != protocol.RoleAssistant {
			continue
		}
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}

	s.log.Info("chat admitted", "session_id", sessionID, "remaining", decision.Remaining,
		"history", len(history), "input", policy.Preview(latest.Content, 80))
	return &turn{
		sessionID: sessionID,
		input:     latest.Content,
		history:   history,
		decision:  decision,
		started:   started,
	}, nil
}

// run executes the agent for an admitted turn and stores the reply on
// success.
func (s *Server) run(ctx context.Context, t *turn, onEvent agent.Handler) (agent.Result, error) {
	if err := s.runs.Acquire(ctx, 1); err != nil {
		return agent.Result{}, err
	}
	defer s.runs.Release(1)

	if s.sessions != nil {
		s.sessions.BeginRun(t.sessionID)
		s.observeActiveSessions()
		defer s.sessions.EndRun(t.sessionID)
	}

	var firstChunk sync.Once
	res, err := s.agent.Run(ctx, agent.Request{
		SessionID: t.sessionID,
		Input:     t.input,
		History:   t.history,
	}, func(ev agent.Event) error {
		switch e := ev.(type) {
		case agent.ToolCall:
			if s.metrics != nil {
				s.metrics.ToolCalls.WithLabelValues(e.Name).Inc()
			}
			s.log.Debug("tool call", "session_id", t.sessionID, "tool", e.Name)
		case agent.TextDelta:
			firstChunk.Do(func() { s.observeStage(observability.StageFirstChunk, time.Since(t.started)) })
		}
		if onEvent == nil {
			return nil
		}
		return onEvent(ev)
	})

	outcome := runOutcome(ctx, err)
	if s.metrics != nil {
		s.metrics.ObserveRun(outcome, time.Since(t.started))
	}
	if err != nil {
		return agent.Result{}, err
	}

	if err := s.history.Append(context.WithoutCancel(ctx), conversation.Message{
		SessionID: t.sessionID,
		Role:      protocol.RoleAssistant,
		Content:   res.Output,
	}); err != nil {
		s.log.Warn("store assistant message failed", "session_id", t.sessionID, "error", err)
	}
	s.log.Info("chat completed", "session_id", t.sessionID, "tool_calls", len(res.ToolCalls),
		"duration", time.Since(t.started), "tokens", res.Usage.TotalTokens)
	return res, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req protocol.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.observeRequest("chat", "invalid")
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	t, err := s.admit(r.Context(), req, r.Header.Get(sessionHeader))
	if err != nil {
		s.rejectJSON(w, "chat", err)
		return
	}
	setRateLimitHeaders(w, t.decision)
	w.Header().Set(sessionHeader, t.sessionID)

	res, err := s.run(r.Context(), t, nil)
	if err != nil {
		outcome := runOutcome(r.Context(), err)
		s.observeRequest("chat", outcome)
		switch outcome {
		case "cancelled":
			s.log.Info("chat cancelled by client", "session_id", t.sessionID)
		case "tool_error":
			s.log.Warn("chat tool failure", "session_id", t.sessionID, "error", err)
			respondError(w, http.StatusBadGateway, "upstream_tool_error", stream.ErrorMessage(err))
		default:
			s.log.Error("chat agent failure", "session_id", t.sessionID, "error", err)
			respondError(w, http.StatusInternalServerError, "agent_error", stream.ErrorMessage(err))
		}
		return
	}
	s.observeRequest("chat", "ok")

	resp := protocol.ChatResponse{
		Message:           res.Output,
		SessionID:         t.sessionID,
		RemainingRequests: t.decision.Remaining,
		Reasoning:         optional(res.Reasoning),
	}
	for _, tc := range res.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, protocol.ToolCallInfo{
			Tool:        tc.Name,
			Description: stream.DescribeToolCall(tc.Name, tc.Arguments),
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req protocol.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.observeRequest("chat_stream", "invalid")
		stream.Reject(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	t, err := s.admit(r.Context(), req, r.Header.Get(sessionHeader))
	if err != nil {
		var ae *admissionError
		if errors.As(err, &ae) {
			if ae.decision != nil {
				setRateLimitHeaders(w, *ae.decision)
			}
			s.observeRequest("chat_stream", admissionOutcome(ae))
			stream.Reject(w, ae.status, ae.message)
			return
		}
		stream.Reject(w, http.StatusInternalServerError, "Agent error: "+err.Error())
		return
	}
	setRateLimitHeaders(w, t.decision)
	w.Header().Set(sessionHeader, t.sessionID)

	sink, err := stream.NewSSEWriter(w, http.StatusOK)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", err.Error())
		return
	}
	err = s.pump(r.Context(), t, sink)
	s.observeRequest("chat_stream", runOutcome(r.Context(), err))
}

// pump streams one admitted turn to sink.
func (s *Server) pump(ctx context.Context, t *turn, sink stream.Sink) error {
	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}
	var firstEvent sync.Once
	tr := stream.NewTranslator(sink, stream.WithObserver(func(ev protocol.StreamEvent) {
		firstEvent.Do(func() { s.observeStage(observability.StageFirstEvent, time.Since(t.started)) })
		if s.metrics != nil {
			s.metrics.StreamEvents.WithLabelValues(string(ev.Type)).Inc()
		}
	}))

	err := stream.Pump(ctx, tr, func(ctx context.Context, onEvent agent.Handler) (protocol.CompletePayload, error) {
		res, err := s.run(ctx, t, onEvent)
		if err != nil {
			return protocol.CompletePayload{}, err
		}
		return protocol.CompletePayload{
			Message:           res.Output,
			Reasoning:         optional(res.Reasoning),
			SessionID:         t.sessionID,
			RemainingRequests: t.decision.Remaining,
		}, nil
	})
	switch {
	case err == nil:
	case stream.IsTransport(err) || ctx.Err() != nil:
		s.log.Info("stream ended by client", "session_id", t.sessionID, "error", err)
	case agent.IsToolError(err):
		s.log.Warn("stream tool failure", "session_id", t.sessionID, "error", err)
	default:
		s.log.Error("stream agent failure", "session_id", t.sessionID, "error", err)
	}
	return err
}

func (s *Server) rejectJSON(w http.ResponseWriter, endpoint string, err error) {
	var ae *admissionError
	if !errors.As(err, &ae) {
		s.observeRequest(endpoint, "agent_error")
		respondError(w, http.StatusInternalServerError, "agent_error", err.Error())
		return
	}
	if ae.decision != nil {
		setRateLimitHeaders(w, *ae.decision)
	}
	s.observeRequest(endpoint, admissionOutcome(ae))
	respondError(w, ae.status, ae.code, ae.message)
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.Allowed && d.RetryAfter > 0 {
		secs := int((d.RetryAfter + time.Second - 1) / time.Second)
		h.Set("Retry-After", strconv.Itoa(secs))
	}
}

func runOutcome(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return "ok"
	case stream.IsTransport(err) || ctx.Err() != nil || errors.Is(err, context.Canceled):
		return "cancelled"
	case agent.IsToolError(err):
		return "tool_error"
	default:
		return "agent_error"
	}
}

func admissionOutcome(ae *admissionError) string {
	switch ae.status {
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusBadRequest:
		return "invalid"
	default:
		return "limiter_error"
	}
}

func (s *Server) observeRequest(endpoint, outcome string) {
	if s.metrics != nil {
		s.metrics.ChatRequests.WithLabelValues(endpoint, outcome).Inc()
	}
}

func (s *Server) observeDecision(decision string) {
	if s.metrics != nil {
		s.metrics.RateLimitDecisions.WithLabelValues(decision).Inc()
	}
}

func (s *Server) observeStage(stage string, d time.Duration) {
	if s.metrics != nil {
		s.metrics.ObserveStage(stage, d)
	}
}

func (s *Server) observeActiveSessions() {
	if s.metrics != nil && s.sessions != nil {
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	}
}

func optional(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func windowText(d time.Duration) string {
	if d > 0 && d%time.Hour == 0 {
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	}
	return d.String()
}
