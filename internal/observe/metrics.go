package observe

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coreguard/coreguard/pkg/models"
)

// Metrics exposes the supervisor's operational counters. Repeated
// recovery failures must be observable by an operator, so every restart
// is counted by reason.
type Metrics struct {
	restarts     *prometheus.CounterVec
	crashes      prometheus.Counter
	state        prometheus.Gauge
	stateChanged prometheus.Gauge
}

// NewMetrics creates and registers the supervisor collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coreguard_engine_restarts_total",
				Help: "Total engine restarts performed by the supervisor, by reason.",
			},
			[]string{"reason"},
		),
		crashes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "coreguard_engine_crashes_total",
				Help: "Total abnormal engine terminations observed.",
			},
		),
		state: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "coreguard_engine_state",
				Help: "Current engine state (1 running, 0 stopped).",
			},
		),
		stateChanged: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "coreguard_engine_state_changed_timestamp",
				Help: "Unix milliseconds of the last engine state change.",
			},
		),
	}
	reg.MustRegister(m.restarts, m.crashes, m.state, m.stateChanged)
	return m
}

// RecordRestart counts one restart attributed to reason ("manual",
// "recovery", "variant_switch", ...).
func (m *Metrics) RecordRestart(reason string) {
	m.restarts.WithLabelValues(reason).Inc()
}

// RecordCrash counts one abnormal termination.
func (m *Metrics) RecordCrash() {
	m.crashes.Inc()
}

// SetState mirrors the engine state and its change timestamp.
func (m *Metrics) SetState(state models.EngineState, changedAt int64) {
	if state == models.StateRunning {
		m.state.Set(1)
	} else {
		m.state.Set(0)
	}
	m.stateChanged.Set(float64(changedAt))
}
