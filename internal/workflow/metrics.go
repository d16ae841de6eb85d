package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "visiond",
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Workflow runs by terminal status and failure reason",
		},
		[]string{"status", "reason"},
	)

	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "visiond",
			Subsystem: "workflow",
			Name:      "active_runs",
			Help:      "Workflow runs currently executing",
		},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "visiond",
			Subsystem: "workflow",
			Name:      "step_duration_seconds",
			Help:      "Step execution time",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"step", "outcome"},
	)

	generationPasses = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "visiond",
			Subsystem: "workflow",
			Name:      "generation_passes",
			Help:      "Critic passes per finished run",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
	)

	qualityScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "visiond",
			Subsystem: "workflow",
			Name:      "quality_score",
			Help:      "Critic scores",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		},
	)
)
