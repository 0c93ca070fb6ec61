// Package metrics holds the Prometheus collectors of the reconciliation pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reconciler"

// Metrics groups all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	TasksSettled     *prometheus.CounterVec
	FileDuration     prometheus.Histogram
	OCRAttempts      *prometheus.CounterVec
	OCRTierDuration  *prometheus.HistogramVec
	BreakerState     prometheus.Gauge
	ChunksCompleted  prometheus.Counter
	RunsActive       prometheus.Gauge
	Commits          *prometheus.CounterVec
	CheckpointErrors *prometheus.CounterVec
}

// New creates and registers the collectors on reg. A nil reg uses a fresh
// registry so tests can build several instances.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		TasksSettled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_settled_total",
			Help:      "Tasks that finished a scan, by status and error kind",
		}, []string{"status", "kind"}),
		FileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "file_duration_seconds",
			Help:      "Time spent processing one file",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		OCRAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ocr",
			Name:      "attempts_total",
			Help:      "OCR tier attempts by tier and outcome",
		}, []string{"tier", "outcome"}),
		OCRTierDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ocr",
			Name:      "tier_duration_seconds",
			Help:      "Duration of one OCR tier attempt",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"tier"}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ocr",
			Name:      "remote_breaker_open",
			Help:      "1 while the remote OCR circuit breaker is open",
		}),
		ChunksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "chunks_completed_total",
			Help:      "Chunks completed by the batch scheduler",
		}),
		RunsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_active",
			Help:      "Batch runs currently in progress",
		}),
		Commits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commit",
			Name:      "results_total",
			Help:      "Commit outcomes: uploaded, upload_failed, update_failed, merge_failed, merge_narrowed",
		}, []string{"outcome"}),
		CheckpointErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "errors_total",
			Help:      "Checkpoint store failures by operation",
		}, []string{"op"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// TaskSettled counts a finished scan.
func (m *Metrics) TaskSettled(status, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.TasksSettled.WithLabelValues(status, kind).Inc()
	m.FileDuration.Observe(d.Seconds())
}

// OCRTier counts one tier attempt.
func (m *Metrics) OCRTier(tier, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.OCRAttempts.WithLabelValues(tier, outcome).Inc()
	m.OCRTierDuration.WithLabelValues(tier).Observe(d.Seconds())
}

// Breaker records the remote breaker state.
func (m *Metrics) Breaker(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerState.Set(1)
		return
	}
	m.BreakerState.Set(0)
}

// ChunkCompleted counts a finished chunk.
func (m *Metrics) ChunkCompleted() {
	if m == nil {
		return
	}
	m.ChunksCompleted.Inc()
}

// RunStarted and RunFinished track active runs.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsActive.Inc()
}

func (m *Metrics) RunFinished() {
	if m == nil {
		return
	}
	m.RunsActive.Dec()
}

// Commit counts a commit outcome.
func (m *Metrics) Commit(outcome string) {
	if m == nil {
		return
	}
	m.Commits.WithLabelValues(outcome).Inc()
}

// CheckpointError counts a failed checkpoint operation.
func (m *Metrics) CheckpointError(op string) {
	if m == nil {
		return
	}
	m.CheckpointErrors.WithLabelValues(op).Inc()
}
