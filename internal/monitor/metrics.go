// Package monitor carries the observability surface: Prometheus metrics
// on a dedicated registry and OpenTelemetry span helpers.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the runner.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	EventsParsed      *prometheus.CounterVec
	EventsDropped     prometheus.Counter
	ModeSwitchesTotal *prometheus.CounterVec
	ModeSwitchSeconds prometheus.Histogram
	EngineRetries     *prometheus.CounterVec
	BreakerState      prometheus.Gauge
	HealthChecksTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentrunner",
				Name:      "executions_total",
				Help:      "Total agent executions by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "agentrunner",
				Name:      "execution_duration_seconds",
				Help:      "Duration of agent executions in seconds.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"mode"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentrunner",
				Name:      "execution_errors_total",
				Help:      "Total execution launch and runtime errors by type.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agentrunner",
				Name:      "active_executions",
				Help:      "Number of currently running agent executions.",
			},
		),

		EventsParsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentrunner",
				Name:      "events_parsed_total",
				Help:      "Structured events extracted from the agent stream by kind.",
			},
			[]string{"kind"},
		),

		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentrunner",
				Name:      "events_dropped_total",
				Help:      "Events dropped because a consumer fell behind.",
			},
		),

		ModeSwitchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentrunner",
				Name:      "mode_switches_total",
				Help:      "Deployment mode switches by target mode and result.",
			},
			[]string{"target", "result"},
		),

		ModeSwitchSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "agentrunner",
				Name:      "mode_switch_duration_seconds",
				Help:      "Time spent reconciling a deployment mode switch.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),

		EngineRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentrunner",
				Name:      "engine_retries_total",
				Help:      "Container engine calls retried, by operation.",
			},
			[]string{"operation"},
		),

		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agentrunner",
				Name:      "engine_breaker_state",
				Help:      "Engine circuit breaker state (0 closed, 1 open, 2 half-open).",
			},
		),

		HealthChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentrunner",
				Name:      "health_checks_total",
				Help:      "Health checks performed by overall status.",
			},
			[]string{"status"},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.EventsParsed,
		m.EventsDropped,
		m.ModeSwitchesTotal,
		m.ModeSwitchSeconds,
		m.EngineRetries,
		m.BreakerState,
		m.HealthChecksTotal,
	)

	return m
}

// RecordExecution records one finished execution.
func (m *Metrics) RecordExecution(mode, outcome string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(mode, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(mode).Observe(durationSec)
}

// RecordError records an execution error by type.
func (m *Metrics) RecordError(errType string) {
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordModeSwitch records the result of a deployment mode switch.
func (m *Metrics) RecordModeSwitch(target, result string, durationSec float64) {
	m.ModeSwitchesTotal.WithLabelValues(target, result).Inc()
	m.ModeSwitchSeconds.Observe(durationSec)
}

// SetBreakerState mirrors the circuit breaker into a gauge.
func (m *Metrics) SetBreakerState(state int) {
	m.BreakerState.Set(float64(state))
}
