//go:build integration

package outbox

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"lendflow/internal/platform/kafka"
	id "lendflow/pkg/domain"
	audit "lendflow/pkg/platform/audit"
	"lendflow/pkg/platform/audit/store/postgres"
	"lendflow/pkg/testutil/containers"
)

func TestRelayPublishesOutboxToKafka(t *testing.T) {
	ctx := context.Background()
	pg := containers.NewPostgres(t)
	broker := containers.NewRedpanda(t)
	const topic = "lendflow.audit.test"

	producer, err := kafka.NewProducer(broker.Brokers, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(producer.Close)
	require.NoError(t, producer.EnsureTopic(ctx, topic, 1))

	store := postgres.New(pg.DB)
	appID := id.NewApplicationID()
	for _, action := range []audit.AuditEvent{audit.EventApplicationSubmitted, audit.EventContractSigned} {
		require.NoError(t, store.Append(ctx, audit.Event{
			Timestamp:     time.Now(),
			ApplicationID: appID,
			Action:        string(action),
		}))
	}

	relay := New(store, producer, topic, WithBatchSize(10))
	n, err := relay.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	pending, err := store.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker.Brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	t.Cleanup(consumer.Close)

	var records []*kgo.Record
	deadline, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for len(records) < 2 {
		fetches := consumer.PollFetches(deadline)
		require.NoError(t, deadline.Err(), "timed out waiting for relayed records")
		fetches.EachRecord(func(r *kgo.Record) { records = append(records, r) })
	}
	require.Equal(t, appID.String(), string(records[0].Key))
	require.Contains(t, string(records[0].Value), string(audit.EventApplicationSubmitted))
	require.Contains(t, string(records[1].Value), string(audit.EventContractSigned))
}
