package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Search API metrics
	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deep_research_search_requests_total",
			Help: "Total number of search API requests",
		},
		[]string{"endpoint", "outcome"},
	)

	SearchThrottleWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deep_research_search_throttle_waits_total",
			Help: "Number of search calls that waited for the per-second window to roll over",
		},
	)

	// Inference metrics
	InferenceAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deep_research_inference_attempts_total",
			Help: "Total number of chat completion attempts per model",
		},
		[]string{"model", "outcome"},
	)

	ModelCooldowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deep_research_model_cooldowns_total",
			Help: "Number of times a model was moved into cooldown",
		},
		[]string{"model"},
	)

	// Run metrics
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deep_research_runs_started_total",
			Help: "Total number of research runs started",
		},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deep_research_runs_completed_total",
			Help: "Total number of research runs finished",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deep_research_run_duration_seconds",
			Help:    "Research run duration in seconds",
			Buckets: []float64{10, 30, 60, 120, 240, 480, 900},
		},
	)

	SourcesCollected = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deep_research_sources_collected",
			Help:    "Number of unique sources collected per run",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60},
		},
	)

	SynthesisMode = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deep_research_synthesis_mode_total",
			Help: "Synthesis runs by the path that produced the report",
		},
		[]string{"mode"},
	)
)
