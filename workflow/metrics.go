package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for run execution.
//
// Metrics exposed (all namespaced with "ticketpilot_"):
//   - runs_started_total (counter): runs created
//   - runs_finished_total (counter, label status): terminal outcomes
//   - stage_latency_seconds (histogram, labels stage, outcome): stage
//     handler duration
//   - escalations_total (counter, label reason): human handoffs
//   - resumes_total (counter, label action): external decisions applied
//   - active_runs (gauge): runs with a stage currently in flight
//   - validation_slots_in_use (gauge): sandbox validation slots held
//
// All methods are nil-safe so the executor can run without metrics.
type Metrics struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	stageLatency *prometheus.HistogramVec
	escalations  *prometheus.CounterVec
	resumes      *prometheus.CounterVec
	activeRuns   prometheus.Gauge
	slotsInUse   prometheus.Gauge
}

// NewMetrics creates and registers the run metrics. Pass
// prometheus.DefaultRegisterer for the global registry, or a private
// registry for isolation in tests.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ticketpilot",
			Name:      "runs_started_total",
			Help:      "Total number of runs created.",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ticketpilot",
			Name:      "runs_finished_total",
			Help:      "Total number of runs reaching a terminal status.",
		}, []string{"status"}),
		stageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ticketpilot",
			Name:      "stage_latency_seconds",
			Help:      "Stage handler execution duration in seconds.",
			Buckets:   []float64{0.01, 0.1, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"stage", "outcome"}),
		escalations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ticketpilot",
			Name:      "escalations_total",
			Help:      "Total number of runs handed off to a human.",
		}, []string{"reason"}),
		resumes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ticketpilot",
			Name:      "resumes_total",
			Help:      "Total number of external decisions applied to suspended runs.",
		}, []string{"action"}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ticketpilot",
			Name:      "active_runs",
			Help:      "Number of runs with a stage currently executing.",
		}),
		slotsInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ticketpilot",
			Name:      "validation_slots_in_use",
			Help:      "Number of sandbox validation slots currently held.",
		}),
	}
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
}

func (m *Metrics) runFinished(status Status) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) observeStage(stage Stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageLatency.WithLabelValues(string(stage), outcome).Observe(d.Seconds())
}

func (m *Metrics) escalated(reason string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(reason).Inc()
}

func (m *Metrics) resumed(action ResumeAction) {
	if m == nil {
		return
	}
	m.resumes.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) advanceStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) advanceFinished() {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
}

func (m *Metrics) slotAcquired() {
	if m == nil {
		return
	}
	m.slotsInUse.Inc()
}

func (m *Metrics) slotReleased() {
	if m == nil {
		return
	}
	m.slotsInUse.Dec()
}
