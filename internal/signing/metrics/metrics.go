package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for contract signing.
type Metrics struct {
	Contracts        *prometheus.CounterVec
	PinsIssued       prometheus.Counter
	PinVerifications *prometheus.CounterVec
	DispatchFailures prometheus.Counter
	Expired          *prometheus.CounterVec
	DeviceDrift      prometheus.Counter
	TimeToSign       prometheus.Histogram
}

// New registers the signing metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Contracts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendflow_contracts_total",
			Help: "Contract state changes by resulting state",
		}, []string{"state"}),

		PinsIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "lendflow_signing_pins_issued_total",
			Help: "Signing PINs issued",
		}),

		PinVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendflow_signing_pin_verifications_total",
			Help: "PIN verification attempts by outcome",
		}, []string{"outcome"}),

		DispatchFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "lendflow_signing_pin_dispatch_failures_total",
			Help: "PINs the messaging collaborator did not accept",
		}),

		Expired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendflow_contracts_expired_total",
			Help: "Contracts expired unsigned, by trigger (access or sweep)",
		}, []string{"trigger"}),

		DeviceDrift: f.NewCounter(prometheus.CounterOpts{
			Name: "lendflow_signing_device_drift_total",
			Help: "Signatures captured on a different device than the one that requested the PIN",
		}),

		TimeToSign: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lendflow_contract_time_to_sign_seconds",
			Help:    "Time between sending a contract and its signature",
			Buckets: []float64{30, 60, 300, 900, 3600, 4 * 3600, 24 * 3600, 5 * 24 * 3600},
		}),
	}
}

func (m *Metrics) IncContract(state string) {
	if m != nil {
		m.Contracts.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) IncPinIssued() {
	if m != nil {
		m.PinsIssued.Inc()
	}
}

func (m *Metrics) IncVerification(outcome string) {
	if m != nil {
		m.PinVerifications.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncDispatchFailure() {
	if m != nil {
		m.DispatchFailures.Inc()
	}
}

func (m *Metrics) IncExpired(trigger string) {
	if m != nil {
		m.Expired.WithLabelValues(trigger).Inc()
	}
}

func (m *Metrics) IncDeviceDrift() {
	if m != nil {
		m.DeviceDrift.Inc()
	}
}

func (m *Metrics) ObserveTimeToSign(seconds float64) {
	if m != nil {
		m.TimeToSign.Observe(seconds)
	}
}
