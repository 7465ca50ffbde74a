// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the dialog engine.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LLMBuckets defines histogram buckets suited for LLM inference latencies,
// ranging from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// ToolBuckets covers tool execution times from 10ms to 60s.
var ToolBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60}

var (
	// RequestsTotal counts HTTP requests by route, method and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialog_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	// RequestDuration records HTTP request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dialog_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: LLMBuckets,
		},
		[]string{"route", "method"},
	)

	// StreamingConnections tracks open SSE responses.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dialog_streaming_connections_active",
			Help: "Active streaming connections",
		},
	)

	// ProviderRequestsTotal counts completion rounds sent to the endpoint.
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialog_provider_requests_total",
			Help: "Provider requests",
		},
		[]string{"model", "mode", "status"},
	)

	// ProviderLatency records endpoint round latency in seconds.
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dialog_provider_latency_seconds",
			Help:    "Provider latency",
			Buckets: LLMBuckets,
		},
		[]string{"model", "mode"},
	)

	// ProviderTokensTotal counts tokens by direction (input/output).
	ProviderTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialog_provider_tokens_total",
			Help: "Token count",
		},
		[]string{"model", "direction"},
	)

	// RetryAttemptsTotal counts retries by error code.
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialog_retry_attempts_total",
			Help: "Retries of failed rounds",
		},
		[]string{"code"},
	)

	// QueueActive is the number of tasks holding a queue slot.
	QueueActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dialog_queue_active",
			Help: "Tasks currently admitted by the request queue",
		},
	)

	// QueueWaiting is the number of tasks waiting for admission.
	QueueWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dialog_queue_waiting",
			Help: "Tasks waiting for admission",
		},
	)

	// QueuePausesTotal counts global pauses triggered by throttling.
	QueuePausesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dialog_queue_pauses_total",
			Help: "Global queue pauses",
		},
	)

	// RateLimitWaitSeconds records how long callers waited for budget.
	RateLimitWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dialog_ratelimit_wait_seconds",
			Help:    "Time spent waiting for rate budget",
			Buckets: LLMBuckets,
		},
	)

	// RateLimitPenaltiesTotal counts penalty windows imposed after throttling.
	RateLimitPenaltiesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dialog_ratelimit_penalties_total",
			Help: "Rate limit penalties",
		},
	)

	// RateLimitTokensRemaining mirrors the limiter's token counter.
	RateLimitTokensRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dialog_ratelimit_tokens_remaining",
			Help: "Tokens left in the current window",
		},
	)

	// ToolExecutionsTotal counts tool executions by name and outcome.
	ToolExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialog_tool_executions_total",
			Help: "Tool executions",
		},
		[]string{"tool_name", "status"},
	)

	// ToolDuration records tool execution time in seconds.
	ToolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dialog_tool_duration_seconds",
			Help:    "Tool execution duration",
			Buckets: ToolBuckets,
		},
		[]string{"tool_name"},
	)

	// CircuitOpenTotal counts breaker transitions to open.
	CircuitOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialog_circuit_open_total",
			Help: "Circuit breaker openings",
		},
		[]string{"tool_name"},
	)

	// StreamMalformedLinesTotal counts stream lines skipped as unparseable.
	StreamMalformedLinesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dialog_stream_malformed_lines_total",
			Help: "Skipped malformed stream lines",
		},
	)

	// ConversationsTotal counts finished conversations by outcome.
	ConversationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialog_conversations_total",
			Help: "Conversations by outcome",
		},
		[]string{"outcome"},
	)

	// ConversationIterations records model rounds per conversation.
	ConversationIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dialog_conversation_iterations",
			Help:    "Model rounds per conversation",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		ProviderRequestsTotal,
		ProviderLatency,
		ProviderTokensTotal,
		RetryAttemptsTotal,
		QueueActive,
		QueueWaiting,
		QueuePausesTotal,
		RateLimitWaitSeconds,
		RateLimitPenaltiesTotal,
		RateLimitTokensRemaining,
		ToolExecutionsTotal,
		ToolDuration,
		CircuitOpenTotal,
		StreamMalformedLinesTotal,
		ConversationsTotal,
		ConversationIterations,
	)
}

// RecordProviderRound records one endpoint round. status is "success" or
// the error code of the failure.
func RecordProviderRound(model, mode, status string, elapsed time.Duration, inputTokens, outputTokens int) {
	ProviderRequestsTotal.WithLabelValues(model, mode, status).Inc()
	ProviderLatency.WithLabelValues(model, mode).Observe(elapsed.Seconds())
	if inputTokens > 0 {
		ProviderTokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		ProviderTokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}
