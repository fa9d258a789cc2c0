// Package metrics exposes Prometheus collectors for the fraud pipeline.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shiftwatch"

var (
	// Analysis metrics
	analysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "runs_total",
			Help:      "Shift analyses by resulting risk level and event action",
		},
		[]string{"level", "action"},
	)

	analysisFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "failures_total",
			Help:      "Shift analyses that returned an error",
		},
	)

	analysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "duration_seconds",
			Help:      "Time to analyze and persist one shift",
			Buckets:   prometheus.DefBuckets,
		},
	)

	fraudScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "score",
			Help:      "Distribution of total fraud scores",
			Buckets:   []float64{0, 10, 20, 30, 40, 50, 60, 80, 100, 150},
		},
	)

	// Sweep metrics
	sweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Open-shift sweeps by outcome",
		},
		[]string{"outcome"},
	)

	sweepShifts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "shifts_total",
			Help:      "Shifts visited by sweeps",
		},
		[]string{"result"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Duration of completed sweeps",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	busDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "dropped_messages_total",
			Help:      "Messages lost to full in-process subscriber queues",
		},
		[]string{"topic"},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Baseline cache lookups by key kind and result",
		},
		[]string{"kind", "result"},
	)

	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// ObserveAnalysis records one successful analyze-and-save.
func ObserveAnalysis(level, action string, score float64, d time.Duration) {
	analysesTotal.WithLabelValues(level, action).Inc()
	fraudScore.Observe(score)
	analysisDuration.Observe(d.Seconds())
}

// ObserveAnalysisFailure records one failed analysis.
func ObserveAnalysisFailure() {
	analysisFailures.Inc()
}

// ObserveSweep records a completed sweep.
func ObserveSweep(analyzed, failed int, d time.Duration) {
	sweepsTotal.WithLabelValues("completed").Inc()
	sweepShifts.WithLabelValues("analyzed").Add(float64(analyzed))
	sweepShifts.WithLabelValues("failed").Add(float64(failed))
	sweepDuration.Observe(d.Seconds())
}

// ObserveSweepSkipped records a sweep that did not run.
func ObserveSweepSkipped(reason string) {
	sweepsTotal.WithLabelValues("skipped_" + reason).Inc()
}

// ObserveRequest records one HTTP request. Route is the matched pattern,
// not the raw path, to keep label cardinality bounded.
func ObserveRequest(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveBusDrop records a message lost to a full subscriber queue.
func ObserveBusDrop(topic string) {
	busDropped.WithLabelValues(topic).Inc()
}

// ObserveCacheLookup records a cache hit or miss for a key kind.
func ObserveCacheLookup(kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(kind, result).Inc()
}
