package compliance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	id "lendflow/pkg/domain"
	audit "lendflow/pkg/platform/audit"
	"lendflow/pkg/platform/audit/store/memory"
	"lendflow/pkg/requestcontext"
)

type failingStore struct{}

func (failingStore) Append(context.Context, audit.Event) error { return errors.New("outbox down") }
func (failingStore) ListByApplication(context.Context, id.ApplicationID) ([]audit.Event, error) {
	return nil, nil
}

type PublisherSuite struct {
	suite.Suite
	store *memory.InMemoryStore
	pub   *Publisher
}

func TestPublisherSuite(t *testing.T) {
	suite.Run(t, new(PublisherSuite))
}

func (s *PublisherSuite) SetupTest() {
	s.store = memory.NewInMemoryStore()
	s.pub = New(s.store, WithMetrics(NewMetrics(prometheus.NewRegistry())))
}

func (s *PublisherSuite) TestEmit() {
	appID := id.NewApplicationID()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	s.Run("fills category, timestamp and actor from context", func() {
		ctx := requestcontext.WithTime(context.Background(), now)
		ctx = requestcontext.WithActor(ctx, id.Actor{Kind: id.ActorOperator, ID: "op-3"})
		ctx = requestcontext.WithRequestID(ctx, "req-9")

		err := s.pub.Emit(ctx, audit.Event{
			ApplicationID: appID,
			Action:        string(audit.EventPinMismatch),
			ErrorKind:     "pin_mismatch",
		})
		s.Require().NoError(err)

		events, err := s.store.ListByApplication(ctx, appID)
		s.Require().NoError(err)
		s.Require().Len(events, 1)
		s.Equal(audit.CategorySecurity, events[0].Category)
		s.Equal(now, events[0].Timestamp)
		s.Equal("operator:op-3", events[0].ActorID)
		s.Equal("req-9", events[0].RequestID)
	})

	s.Run("rejects events without an application", func() {
		err := s.pub.Emit(context.Background(), audit.Event{Action: "x"})
		s.Error(err)
	})

	s.Run("store failures are returned to the caller", func() {
		pub := New(failingStore{})
		err := pub.Emit(context.Background(), audit.Event{ApplicationID: appID, Action: string(audit.EventContractSigned)})
		s.ErrorContains(err, "outbox down")
	})
}
