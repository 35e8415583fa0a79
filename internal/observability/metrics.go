package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run stages recorded in the latency window.
const (
	StageFirstEvent = "request_to_first_event"
	StageFirstChunk = "request_to_first_chunk"
	StageRunTotal   = "run_total"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	ActiveStreams      prometheus.Gauge
	ChatRequests       *prometheus.CounterVec
	RateLimitDecisions *prometheus.CounterVec
	StreamEvents       *prometheus.CounterVec
	ToolCalls          *prometheus.CounterVec
	RunDuration        *prometheus.HistogramVec
	FirstChunkLatency  prometheus.Histogram

	stages *RunStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Chat sessions seen within the inactivity timeout.",
		}),
		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Open streaming chat responses (SSE and websocket).",
		}),
		ChatRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		RateLimitDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limiter decisions.",
		}, []string{"decision"}),
		StreamEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Stream events delivered by type.",
		}, []string{"type"}),
		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations requested by the agent.",
		}, []string{"tool"}),
		RunDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_duration_seconds",
			Help:      "Agent run wall time.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"outcome"}),
		FirstChunkLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_chunk_latency_ms",
			Help:      "Latency from request to first message chunk in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		}),
		stages: NewRunStageWindow(512),
	}
}

// ObserveStage records a run stage in the latency window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	m.stages.Observe(stage, ms)
	if stage == StageFirstChunk {
		m.FirstChunkLatency.Observe(ms)
	}
}

// ObserveRun records a finished agent run.
func (m *Metrics) ObserveRun(outcome string, d time.Duration) {
	m.RunDuration.WithLabelValues(outcome).Observe(d.Seconds())
	m.stages.Observe(StageRunTotal, float64(d.Microseconds())/1000)
	m.stages.ObserveIndicator("run_" + outcome)
}

// Stages returns the latency window snapshot.
func (m *Metrics) Stages() RunStageSnapshot {
	return m.stages.Snapshot()
}

// ResetStages clears the latency window.
func (m *Metrics) ResetStages() {
	m.stages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
