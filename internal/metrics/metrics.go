// Package metrics defines prometheus metrics to expose
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_inference_request_duration_seconds",
			Help:    "Total time taken for completion calls in seconds",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 300},
		},
		[]string{"model", "route"},
	)

	TimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_inference_time_to_first_token_seconds",
			Help:    "Time to first streamed token in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"model"},
	)

	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_inference_request_count_total",
			Help: "Total number of completion calls",
		},
		[]string{"model", "route", "status"},
	)

	PromptTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_inference_prompt_tokens_total",
			Help: "Total number of prompt tokens used",
		},
		[]string{"model"},
	)

	CompletionTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_inference_completion_tokens_total",
			Help: "Total number of completion tokens used",
		},
		[]string{"model"},
	)

	Verifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_verification_total",
			Help: "Signature verification outcomes",
		},
		[]string{"model", "outcome"},
	)

	FallbackRoutes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_fallback_route_total",
			Help: "Routes chosen by the decision fallback engine",
		},
		[]string{"route"},
	)

	TradeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_trade_outcome_total",
			Help: "Trade executor outcomes",
		},
		[]string{"action", "outcome"},
	)

	ExecutionSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_execution_steps_total",
			Help: "On-chain action steps by type and final status",
		},
		[]string{"type", "status"},
	)

	SinkErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_verification_sink_errors_total",
			Help: "Verification records the sink failed to store",
		},
	)

	ResponseCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_http_response_codes_total",
			Help: "HTTP response codes served by the gateway API",
		},
		[]string{"path", "code"},
	)
)
