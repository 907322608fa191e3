// Package compliance provides a fail-closed audit publisher.
//
// Emit writes the event to the audit store synchronously and the caller
// blocks until the write succeeds. If the write fails an error is returned
// and the calling operation MUST fail. With the Postgres outbox store the
// write joins the caller's transaction, so the audit row and the state change
// commit together.
package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	audit "lendflow/pkg/platform/audit"
	"lendflow/pkg/requestcontext"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Publisher emits audit events with fail-closed semantics.
type Publisher struct {
	store   audit.Store
	logger  *slog.Logger
	metrics *Metrics
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithLogger sets a logger for error reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

func New(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{store: store}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit synchronously writes an audit event.
// Returns error if persistence fails; the caller MUST fail its operation.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	start := time.Now()

	if event.ApplicationID.IsNil() {
		return fmt.Errorf("audit event requires ApplicationID")
	}
	if event.Action == "" {
		return fmt.Errorf("audit event requires Action")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	if event.ActorID == "" {
		event.ActorID = requestcontext.ActorOrSystem(ctx).String()
	}
	event.Category = audit.AuditEvent(event.Action).Category()

	if err := p.store.Append(ctx, event); err != nil {
		p.metrics.incPersistFailures()
		if p.logger != nil {
			p.logger.ErrorContext(ctx, "CRITICAL: audit persistence failed",
				"action", event.Action,
				"application_id", event.ApplicationID,
				"error", err,
			)
		}
		return fmt.Errorf("audit persistence failed: %w", err)
	}

	p.metrics.observe(event.Category, time.Since(start))
	return nil
}

// Metrics tracks publisher throughput and failures.
type Metrics struct {
	emitted         *prometheus.CounterVec
	persistFailures prometheus.Counter
	persistDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		emitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendflow_audit_events_emitted_total",
			Help: "Audit events persisted, by category",
		}, []string{"category"}),
		persistFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "lendflow_audit_persist_failures_total",
			Help: "Audit events that failed to persist",
		}),
		persistDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lendflow_audit_persist_duration_seconds",
			Help:    "Duration of synchronous audit writes",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
	}
}

func (m *Metrics) incPersistFailures() {
	if m != nil {
		m.persistFailures.Inc()
	}
}

func (m *Metrics) observe(category audit.EventCategory, d time.Duration) {
	if m != nil {
		m.emitted.WithLabelValues(string(category)).Inc()
		m.persistDuration.Observe(d.Seconds())
	}
}
