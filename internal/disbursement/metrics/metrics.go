package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for payouts.
type Metrics struct {
	Attempts *prometheus.CounterVec
	Amount   prometheus.Histogram
}

// New registers the disbursement metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendflow_disbursement_attempts_total",
			Help: "Payment attempts by outcome and trigger (automatic or manual retry)",
		}, []string{"status", "trigger"}),

		Amount: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lendflow_disbursed_amount",
			Help:    "Principal paid out by confirmed disbursements",
			Buckets: prometheus.ExponentialBuckets(250, 2, 8),
		}),
	}
}

func (m *Metrics) IncAttempt(status, trigger string) {
	if m != nil {
		m.Attempts.WithLabelValues(status, trigger).Inc()
	}
}

func (m *Metrics) ObserveAmount(v float64) {
	if m != nil {
		m.Amount.Observe(v)
	}
}
