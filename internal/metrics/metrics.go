package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for saga and sweeper activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	sagaSteps       *prometheus.CounterVec
	compensations   *prometheus.CounterVec
	expired         prometheus.Counter
	sweepDuration   prometheus.Histogram
	holdTransitions *prometheus.CounterVec
}

// MustNew registers the collectors with reg and panics on conflicts.
// Tests should pass a fresh prometheus.NewRegistry().
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		sagaSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reservations",
			Name:      "saga_steps_total",
			Help:      "Saga forward steps by saga, step and outcome.",
		}, []string{"saga", "step", "outcome"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reservations",
			Name:      "compensations_total",
			Help:      "Compensation steps executed by step and outcome.",
		}, []string{"step", "outcome"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reservations",
			Name:      "expired_total",
			Help:      "Registrations cancelled because their hold expired.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reservations",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of expiry sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		holdTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reservations",
			Name:      "hold_transitions_total",
			Help:      "Registration-level hold transitions by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.sagaSteps, m.compensations, m.expired, m.sweepDuration, m.holdTransitions)
	return m
}

func (m *Metrics) RecordSagaStep(saga, step, outcome string) {
	if m == nil {
		return
	}
	m.sagaSteps.WithLabelValues(saga, step, outcome).Inc()
}

func (m *Metrics) RecordCompensation(step, outcome string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(step, outcome).Inc()
}

func (m *Metrics) RecordExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordRelease(reason string) {
	if m == nil {
		return
	}
	m.holdTransitions.WithLabelValues(reason).Inc()
}
