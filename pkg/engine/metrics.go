package engine

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skeinworks/skein/pkg/domain"
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	// Run metrics
	runsTotal   *prometheus.CounterVec
	runsActive  prometheus.Gauge
	runDuration *prometheus.HistogramVec

	// Step metrics
	stepsTotal    *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec
	budgetDenials *prometheus.CounterVec

	// Cycle metrics
	cycleIterations *prometheus.CounterVec

	// Session metrics
	sessionsTotal     prometheus.Counter
	sessionReductions *prometheus.CounterVec

	// Checkpoint metrics
	checkpointSaves *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance with all engine metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skein_runs_total",
				Help: "Total number of completed runs by pipeline and terminal state",
			},
			[]string{"pipeline_id", "state"},
		),

		runsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "skein_runs_active",
				Help: "Number of currently executing runs",
			},
		),

		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skein_run_duration_seconds",
				Help:    "Run duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
			},
			[]string{"pipeline_id"},
		),

		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skein_steps_total",
				Help: "Total number of executed steps by pipeline, capability and terminal state",
			},
			[]string{"pipeline_id", "capability", "state"},
		),

		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skein_step_duration_seconds",
				Help:    "Step execution duration in seconds including retries",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"pipeline_id", "capability"},
		),

		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skein_step_retries_total",
				Help: "Total number of step retry attempts",
			},
			[]string{"pipeline_id", "capability"},
		),

		budgetDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skein_budget_denials_total",
				Help: "Total number of step dispatches refused by budget reservation",
			},
			[]string{"pipeline_id"},
		),

		cycleIterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skein_cycle_iterations_total",
				Help: "Total number of cycle re-entries by pipeline and cycle",
			},
			[]string{"pipeline_id", "cycle_id"},
		),

		sessionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "skein_sessions_total",
				Help: "Total number of conversation sessions created",
			},
		),

		sessionReductions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skein_session_reductions_total",
				Help: "Total number of session window reductions by strategy",
			},
			[]string{"strategy"},
		),

		checkpointSaves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skein_checkpoint_saves_total",
				Help: "Total number of checkpoint save attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	// Register all metrics
	registry.MustRegister(
		m.runsTotal,
		m.runsActive,
		m.runDuration,
		m.stepsTotal,
		m.stepDuration,
		m.stepRetries,
		m.budgetDenials,
		m.cycleIterations,
		m.sessionsTotal,
		m.sessionReductions,
		m.checkpointSaves,
	)

	return m
}

func (m *Metrics) runStarted(pipelineID string) {
	m.runsActive.Inc()
}

func (m *Metrics) runFinished(pipelineID string, state domain.RunState, duration time.Duration) {
	m.runsActive.Dec()
	m.runsTotal.WithLabelValues(pipelineID, string(state)).Inc()
	m.runDuration.WithLabelValues(pipelineID).Observe(duration.Seconds())
}

func (m *Metrics) stepFinished(pipelineID, capability string, state domain.StepState, duration time.Duration) {
	m.stepsTotal.WithLabelValues(pipelineID, capability, string(state)).Inc()
	m.stepDuration.WithLabelValues(pipelineID, capability).Observe(duration.Seconds())
}

func (m *Metrics) stepRetried(pipelineID, capability string) {
	m.stepRetries.WithLabelValues(pipelineID, capability).Inc()
}

func (m *Metrics) budgetDenied(pipelineID string) {
	m.budgetDenials.WithLabelValues(pipelineID).Inc()
}

func (m *Metrics) cycleIteration(pipelineID, cycleID string) {
	m.cycleIterations.WithLabelValues(pipelineID, cycleID).Inc()
}

func (m *Metrics) checkpointSaved(ok bool) {
	status := "error"
	if ok {
		status = "success"
	}
	m.checkpointSaves.WithLabelValues(status).Inc()
}

// RecordSessionCreated records a new session creation
func (m *Metrics) RecordSessionCreated(sessionID string) {
	m.sessionsTotal.Inc()
}

// RecordSessionReduction records a session window reduction
func (m *Metrics) RecordSessionReduction(sessionID, strategy string, droppedTurns int) {
	m.sessionReductions.WithLabelValues(strategy).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
