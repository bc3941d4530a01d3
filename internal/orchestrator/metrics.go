package orchestrator

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

// Metrics holds the Prometheus collectors of the state machine.
//
//   - remedyd_remediation_transitions_total{state}
//   - remedyd_remediation_outcomes_total{state,reason}
//   - remedyd_remediation_attempts
//   - remedyd_remediation_duration_seconds{state}
//   - remedyd_remediation_in_flight
//   - remedyd_remediation_unrecorded_total{reason}
type Metrics struct {
	transitions *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	unrecorded  *prometheus.CounterVec
	attempts    prometheus.Histogram
	duration    *prometheus.HistogramVec
	inFlight    prometheus.Gauge
}

// NewMetrics registers the collectors on registerer, or on the default
// registerer when nil. Registering twice reuses the existing collectors.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedyd_remediation_transitions_total",
			Help: "State machine transitions by target state.",
		}, []string{"state"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedyd_remediation_outcomes_total",
			Help: "Terminal remediation outcomes by state and reason.",
		}, []string{"state", "reason"}),
		unrecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedyd_remediation_unrecorded_total",
			Help: "Runs that ended without a ledger entry, by reason.",
		}, []string{"reason"}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "remedyd_remediation_attempts",
			Help:    "Candidate attempts per finished remediation.",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "remedyd_remediation_duration_seconds",
			Help:    "Wall time of a remediation by terminal state.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"state"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remedyd_remediation_in_flight",
			Help: "Remediations currently running.",
		}),
	}
	m.transitions = register(registerer, m.transitions)
	m.outcomes = register(registerer, m.outcomes)
	m.unrecorded = register(registerer, m.unrecorded)
	m.attempts = register(registerer, m.attempts)
	m.duration = register(registerer, m.duration)
	m.inFlight = register(registerer, m.inFlight)
	return m
}

func register[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) transition(to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) finished(r Result, seconds float64) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(r.State), string(r.Reason)).Inc()
	m.attempts.Observe(float64(r.Attempts))
	m.duration.WithLabelValues(string(r.State)).Observe(seconds)
}

func (m *Metrics) dropped(reason pipeline.Reason) {
	if m == nil {
		return
	}
	m.unrecorded.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) started() {
	if m != nil {
		m.inFlight.Inc()
	}
}

func (m *Metrics) stopped() {
	if m != nil {
		m.inFlight.Dec()
	}
}
