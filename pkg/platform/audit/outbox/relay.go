// Package outbox relays committed audit outbox rows to the event stream.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"lendflow/pkg/platform/audit/store/postgres"
)

// Source yields pending outbox rows and records delivery.
type Source interface {
	FetchPending(ctx context.Context, limit int) ([]postgres.OutboxEntry, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// Producer delivers one record to a topic synchronously.
type Producer interface {
	Produce(ctx context.Context, topic string, key, value []byte) error
}

// Relay polls the outbox and publishes rows in creation order. A row is marked
// published only after the producer acknowledged it, so delivery is
// at-least-once.
type Relay struct {
	source    Source
	producer  Producer
	topic     string
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

type Option func(*Relay)

func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

func New(source Source, producer Producer, topic string, opts ...Option) *Relay {
	r := &Relay{
		source:    source,
		producer:  producer,
		topic:     topic,
		interval:  2 * time.Second,
		batchSize: 100,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
			r.logger.WarnContext(ctx, "outbox relay batch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessBatch publishes one batch and returns how many rows were delivered.
// It stops at the first producer failure so ordering per aggregate holds.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	entries, err := r.source.FetchPending(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	var (
		delivered []uuid.UUID
		firstErr  error
	)
	for _, e := range entries {
		if err := r.producer.Produce(ctx, r.topic, []byte(e.AggregateID), e.Payload); err != nil {
			firstErr = err
			break
		}
		delivered = append(delivered, e.ID)
	}
	if err := r.source.MarkPublished(ctx, delivered, time.Now()); err != nil {
		return 0, err
	}
	return len(delivered), firstErr
}
