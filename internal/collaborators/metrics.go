package collaborators

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records outbound call latency and breaker state per collaborator.
type Metrics struct {
	Latency  *prometheus.HistogramVec
	Breaker  *prometheus.GaugeVec
	Rejected *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lendflow_collaborator_call_duration_seconds",
			Help:    "Outbound collaborator call latency by collaborator and outcome",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}, []string{"collaborator", "outcome"}),

		Breaker: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lendflow_collaborator_breaker_open",
			Help: "1 while the collaborator circuit breaker is open",
		}, []string{"collaborator"}),

		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendflow_collaborator_breaker_rejections_total",
			Help: "Calls failed fast by an open circuit breaker",
		}, []string{"collaborator"}),
	}
}

func (m *Metrics) observe(name, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Latency.WithLabelValues(name, outcome).Observe(d.Seconds())
}

func (m *Metrics) setOpen(name string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.Breaker.WithLabelValues(name).Set(v)
}

func (m *Metrics) incRejected(name string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(name).Inc()
}
