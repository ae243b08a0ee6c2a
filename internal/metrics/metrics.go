// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shopdesk"

var (
	IntentClassifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "intent_classifications_total",
		Help:      "Intent classifications by source and resulting intent.",
	}, []string{"source", "intent"})

	GuardBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "guard_blocks_total",
		Help:      "Inputs blocked by the guardrail engine, by reason.",
	}, []string{"reason"})

	GuardWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "guard_warnings_total",
		Help:      "Guardrail warnings by stage and kind.",
	}, []string{"stage", "kind"})

	ProviderAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_attempts_total",
		Help:      "LLM provider attempts by provider and outcome (ok, error, unavailable, rate_limited).",
	}, []string{"provider", "outcome"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provider_latency_seconds",
		Help:      "LLM provider call latency.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"provider"})

	TurnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "turn_duration_seconds",
		Help:      "End-to-end orchestration time per intent.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"intent"})

	ResponseSource = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "responses_total",
		Help:      "Final responses by intent and generator (llm, template, blocked, error).",
	}, []string{"intent", "generator"})

	ToolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_errors_total",
		Help:      "Domain tool failures by intent.",
	}, []string{"intent"})

	TraceSinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trace_sink_errors_total",
		Help:      "Trace sessions that a sink failed to persist.",
	}, []string{"sink"})
)
