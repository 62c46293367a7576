package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for clarity.
//
// The Record helpers accept a nil receiver so components can run without
// metrics wired in.
type Metrics struct {
	// Probe run metrics
	Runs        *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	ActiveRuns  prometheus.Gauge

	// Step metrics
	StepExecutions *prometheus.CounterVec
	StepDuration   *prometheus.HistogramVec

	// Sandbox backend metrics
	SandboxOperations *prometheus.CounterVec

	// Event stream metrics
	StreamedEvents *prometheus.CounterVec

	// Validation gate metrics
	GateEvaluations *prometheus.CounterVec

	// Error metrics (by error code from structured errors)
	Errors *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clarity_probe_runs_total",
				Help: "Total number of probe runs by final state",
			},
			[]string{"outcome"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clarity_probe_run_duration_seconds",
				Help:    "Probe run duration in seconds",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"outcome"},
		),
		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "clarity_probe_runs_active",
				Help: "Number of probe runs in progress",
			},
		),

		StepExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clarity_step_executions_total",
				Help: "Total number of step executions by outcome",
			},
			[]string{"step", "outcome"},
		),
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clarity_step_duration_seconds",
				Help:    "Step execution duration in seconds",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"step"},
		),

		SandboxOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clarity_sandbox_operations_total",
				Help: "Total number of sandbox driver operations",
			},
			[]string{"provider", "operation", "success"},
		),

		StreamedEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clarity_streamed_events_total",
				Help: "Total number of events emitted to observers",
			},
			[]string{"type"},
		),

		GateEvaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clarity_gate_evaluations_total",
				Help: "Total number of validation gate evaluations by verdict",
			},
			[]string{"passed"},
		),

		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clarity_errors_total",
				Help: "Total number of errors by error code",
			},
			[]string{"error_code", "component"},
		),
	}
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(outcome).Inc()
	m.RunDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RunStarted increments the active run gauge and returns a func that
// decrements it.
func (m *Metrics) RunStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveRuns.Inc()
	return m.ActiveRuns.Dec
}

// RecordStep records one executed step.
func (m *Metrics) RecordStep(step, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepExecutions.WithLabelValues(step, outcome).Inc()
	m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// RecordSandboxOp records a Create, Execute or Destroy call.
func (m *Metrics) RecordSandboxOp(provider, op string, err error) {
	if m == nil {
		return
	}
	m.SandboxOperations.WithLabelValues(provider, op, strconv.FormatBool(err == nil)).Inc()
}

// RecordEvent records one emitted event.
func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.StreamedEvents.WithLabelValues(eventType).Inc()
}

// RecordGate records a gate verdict.
func (m *Metrics) RecordGate(passed bool) {
	if m == nil {
		return
	}
	m.GateEvaluations.WithLabelValues(strconv.FormatBool(passed)).Inc()
}

// RecordError records an error by code.
func (m *Metrics) RecordError(code, component string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(code, component).Inc()
}
