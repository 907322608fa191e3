package origination

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers the background sweep.
type Metrics struct {
	Sweeps        *prometheus.CounterVec
	SweepDuration prometheus.Histogram
	Expired       *prometheus.CounterVec
	Resumed       *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Sweeps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendflow_sweeps_total",
			Help: "Completed sweep passes by result",
		}, []string{"result"}),

		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lendflow_sweep_duration_seconds",
			Help:    "Duration of one sweep pass",
			Buckets: prometheus.DefBuckets,
		}),

		Expired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendflow_sweep_expired_total",
			Help: "Entities expired by the sweep, by kind",
		}, []string{"kind"}),

		Resumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendflow_sweep_resumed_total",
			Help: "Interrupted workflows resumed by the sweep, by stage and outcome",
		}, []string{"stage", "outcome"}),
	}
}

func (m *Metrics) observeSweep(result string, seconds float64) {
	if m == nil {
		return
	}
	m.Sweeps.WithLabelValues(result).Inc()
	m.SweepDuration.Observe(seconds)
}

func (m *Metrics) addExpired(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Expired.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) incResumed(stage, outcome string) {
	if m == nil {
		return
	}
	m.Resumed.WithLabelValues(stage, outcome).Inc()
}
