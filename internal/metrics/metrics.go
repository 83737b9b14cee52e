// Package metrics holds the Prometheus collectors for the persona service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TrainingSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persona_training_sessions_total",
			Help: "Training sessions by final outcome",
		},
		[]string{"training_type", "outcome"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "persona_training_stage_duration_seconds",
			Help:    "Duration of each training pipeline stage",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	FileExtractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persona_file_extractions_total",
			Help: "Per-file extraction outcomes",
		},
		[]string{"outcome"},
	)

	SynthesisParseTier = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persona_synthesis_parse_tier_total",
			Help: "Which parsing tier produced the synthesis result",
		},
		[]string{"tier"},
	)

	VersionActivationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "persona_version_activations_total",
			Help: "Prompt version activations",
		},
	)

	PatternLearnTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persona_pattern_learn_total",
			Help: "Pattern learner writes by outcome",
		},
		[]string{"outcome"},
	)

	LLMCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "persona_llm_call_duration_seconds",
			Help:    "Duration of LLM provider calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)

	PromptCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persona_prompt_cache_total",
			Help: "System prompt cache lookups",
		},
		[]string{"result"},
	)
)

// ObserveStage records how long a pipeline stage took.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
