package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// extractionCalls counts Process calls by backend and outcome (ok, error, malformed).
	extractionCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ndk",
		Subsystem: "extraction",
		Name:      "calls_total",
		Help:      "Extraction calls by backend and outcome",
	}, []string{"backend", "outcome"})

	extractionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ndk",
		Subsystem: "extraction",
		Name:      "duration_seconds",
		Help:      "Model call latency by backend",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"backend"})

	// extractionFallbacks counts answers served by the keyword fallback after a model failure.
	extractionFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ndk",
		Subsystem: "extraction",
		Name:      "fallbacks_total",
		Help:      "Keyword fallbacks by reason (unavailable, timeout, malformed)",
	}, []string{"reason"})
)
