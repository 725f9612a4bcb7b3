// Package metrics holds the Prometheus instruments for model calls, tool
// calls and chat requests. All methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the process's instruments
type Metrics struct {
	llmRequests  *prometheus.CounterVec
	llmDuration  *prometheus.HistogramVec
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	chatRequests *prometheus.CounterVec
}

// New registers the instruments on reg. Use a fresh prometheus.NewRegistry()
// per instance in tests to avoid duplicate registration panics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		llmRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "questmind",
			Name:      "llm_requests_total",
			Help:      "Model calls by loop stage and outcome.",
		}, []string{"stage", "status"}),
		llmDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "questmind",
			Name:      "llm_request_duration_seconds",
			Help:      "Model call latency by loop stage.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"stage"}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "questmind",
			Name:      "tool_calls_total",
			Help:      "Tool calls by operation and status.",
		}, []string{"operation", "status"}),
		toolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "questmind",
			Name:      "tool_call_duration_seconds",
			Help:      "Backend latency of executed tool calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		chatRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "questmind",
			Name:      "chat_requests_total",
			Help:      "Agent invocations by variant (chat, expense) and outcome.",
		}, []string{"variant", "status"}),
	}
}

// ObserveLLM records one model call
func (m *Metrics) ObserveLLM(stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(stage, status).Inc()
	m.llmDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveToolCall records one tool call outcome; d is zero for calls never executed
func (m *Metrics) ObserveToolCall(operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(operation, status).Inc()
	if d > 0 {
		m.toolDuration.WithLabelValues(operation).Observe(d.Seconds())
	}
}

// ObserveChat records one agent invocation
func (m *Metrics) ObserveChat(variant, status string) {
	if m == nil {
		return
	}
	m.chatRequests.WithLabelValues(variant, status).Inc()
}
