// Package metrics defines prometheus metrics to expose
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genflow_api_generation_duration_seconds",
			Help:    "Total time taken for generation requests in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 300, 600},
		},
		[]string{"model", "tool"},
	)

	ChainStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genflow_api_chain_step_duration_seconds",
			Help:    "Time spent in each request chain stage",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		},
		[]string{"stage"},
	)

	ChainRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genflow_api_chain_rejections_total",
			Help: "Requests stopped by a chain stage",
		},
		[]string{"stage", "status_code"},
	)

	GenerationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genflow_api_generation_count_total",
			Help: "Total number of generated outputs",
		},
		[]string{"model", "status"},
	)

	PipelineCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genflow_api_pipeline_count_total",
			Help: "Multi stage pipeline dispatch outcomes",
		},
		[]string{"kind", "outcome"},
	)

	PromptImprovement = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genflow_api_prompt_improvement_total",
			Help: "Prompt improvement outcomes",
		},
		[]string{"outcome"},
	)

	CreditUsage = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genflow_api_credit_usage_total",
			Help: "Total credits settled",
		},
		[]string{"model", "tool"},
	)

	CreditFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genflow_api_credit_failures_total",
			Help: "Credit checks or settlements that failed",
		},
		[]string{"reason"},
	)

	InflightRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genflow_api_inflight_requests",
			Help: "Current Inflight Requests",
		},
		[]string{"user_id"},
	)

	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genflow_api_upstream_latency_seconds",
			Help:    "Latency of collaborator calls",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		},
		[]string{"upstream"},
	)

	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genflow_api_error_count",
			Help: "Error count",
		},
		[]string{"model", "tool", "from"},
	)
	ResponseCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genflow_api_status_code",
			Help: "Status Codes",
		},
		[]string{"path", "status_code"},
	)
)
