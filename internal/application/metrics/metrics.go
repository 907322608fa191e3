package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the application lifecycle.
type Metrics struct {
	Transitions     *prometheus.CounterVec
	Declines        *prometheus.CounterVec
	Overrides       prometheus.Counter
	Rejected        *prometheus.CounterVec
	Submitted       *prometheus.CounterVec
	StaleExpired    prometheus.Counter
	AssessedPayment prometheus.Histogram
}

// New registers the application metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendflow_application_transitions_total",
			Help: "Application state transitions by source and target state",
		}, []string{"from", "to"}),

		Declines: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendflow_application_declines_total",
			Help: "Declined applications by reason",
		}, []string{"reason"}),

		Overrides: f.NewCounter(prometheus.CounterOpts{
			Name: "lendflow_application_overrides_total",
			Help: "Approvals granted through an operator override",
		}),

		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendflow_application_rejected_operations_total",
			Help: "Operations refused by a guard, by error code",
		}, []string{"code"}),

		Submitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendflow_application_submitted_total",
			Help: "Submitted applications by channel",
		}, []string{"channel"}),

		StaleExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "lendflow_application_stale_expired_total",
			Help: "Applications expired by the idle sweep",
		}),

		AssessedPayment: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lendflow_application_assessed_payment",
			Help:    "Monthly payment computed at assessment",
			Buckets: prometheus.ExponentialBuckets(50, 2, 10),
		}),
	}
}

func (m *Metrics) IncTransition(from, to string) {
	if m != nil {
		m.Transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) IncDecline(reason string) {
	if m != nil {
		m.Declines.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncOverride() {
	if m != nil {
		m.Overrides.Inc()
	}
}

func (m *Metrics) IncRejected(code string) {
	if m != nil {
		m.Rejected.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) IncSubmitted(channel string) {
	if m != nil {
		m.Submitted.WithLabelValues(channel).Inc()
	}
}

func (m *Metrics) AddStaleExpired(n int) {
	if m != nil && n > 0 {
		m.StaleExpired.Add(float64(n))
	}
}

func (m *Metrics) ObserveAssessedPayment(v float64) {
	if m != nil {
		m.AssessedPayment.Observe(v)
	}
}
