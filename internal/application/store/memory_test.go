package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"lendflow/internal/affordability"
	"lendflow/internal/application/models"
	id "lendflow/pkg/domain"
	"lendflow/pkg/platform/sentinel"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemory
	ctx   context.Context
	now   time.Time
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemory()
	s.ctx = context.Background()
	s.now = time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
}

func (s *InMemoryStoreSuite) newApp(createdAt time.Time) *models.Application {
	app, err := models.NewApplication(
		id.NewApplicationID(),
		id.Applicant{NationalID: "1", FirstName: "A", LastName: "B", Phone: "+27820000000"},
		decimal.NewFromInt(1000), 6, decimal.NewFromInt(28),
		models.ChannelUSSD,
		id.BankAccount{BankName: "Bank", AccountNumber: "99887766"},
		nil, nil, id.System, createdAt,
	)
	s.Require().NoError(err)
	return app
}

func (s *InMemoryStoreSuite) TestCreateAndFind() {
	s.Run("stores a copy with version 1", func() {
		app := s.newApp(s.now)
		s.Require().NoError(s.store.Create(s.ctx, app))

		found, err := s.store.FindByID(s.ctx, app.ID)
		s.Require().NoError(err)
		s.Equal(1, found.Version)
		s.Equal(models.StateSubmitted, found.State)

		found.State = models.StateCancelled
		again, _ := s.store.FindByID(s.ctx, app.ID)
		s.Equal(models.StateSubmitted, again.State)
	})

	s.Run("rejects duplicate ids", func() {
		app := s.newApp(s.now)
		s.Require().NoError(s.store.Create(s.ctx, app))
		s.ErrorIs(s.store.Create(s.ctx, app), sentinel.ErrConflict)
	})

	s.Run("returns ErrNotFound for unknown ids", func() {
		_, err := s.store.FindByID(s.ctx, id.NewApplicationID())
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *InMemoryStoreSuite) TestExecute() {
	s.Run("applies the mutation and bumps the version", func() {
		app := s.newApp(s.now)
		s.Require().NoError(s.store.Create(s.ctx, app))

		updated, err := s.store.Execute(s.ctx, app.ID,
			func(a *models.Application) error { return a.CanTransitionTo(models.StatePendingValidation) },
			func(a *models.Application) { a.ApplyTransition(models.StatePendingValidation, s.now, id.System, "") },
		)
		s.Require().NoError(err)
		s.Equal(2, updated.Version)
		s.Equal(models.StatePendingValidation, updated.State)
	})

	s.Run("validate errors leave the record untouched", func() {
		app := s.newApp(s.now)
		s.Require().NoError(s.store.Create(s.ctx, app))
		refused := errors.New("refused")

		_, err := s.store.Execute(s.ctx, app.ID,
			func(*models.Application) error { return refused },
			func(a *models.Application) { a.State = models.StateCancelled },
		)
		s.ErrorIs(err, refused)
		found, _ := s.store.FindByID(s.ctx, app.ID)
		s.Equal(models.StateSubmitted, found.State)
		s.Equal(1, found.Version)
	})

	s.Run("a concurrent commit makes the second writer conflict", func() {
		app := s.newApp(s.now)
		s.Require().NoError(s.store.Create(s.ctx, app))

		_, err := s.store.Execute(s.ctx, app.ID,
			func(*models.Application) error {
				_, innerErr := s.store.Execute(s.ctx, app.ID,
					func(*models.Application) error { return nil },
					func(a *models.Application) { a.State = models.StateCancelled },
				)
				return innerErr
			},
			func(a *models.Application) { a.State = models.StatePendingValidation },
		)
		s.ErrorIs(err, sentinel.ErrConflict)
		found, _ := s.store.FindByID(s.ctx, app.ID)
		s.Equal(models.StateCancelled, found.State)
	})
}

func (s *InMemoryStoreSuite) TestListing() {
	old := s.newApp(s.now.Add(-48 * time.Hour))
	fresh := s.newApp(s.now)
	done := s.newApp(s.now.Add(-72 * time.Hour))
	done.State = models.StateDisbursed
	for _, a := range []*models.Application{old, fresh, done} {
		s.Require().NoError(s.store.Create(s.ctx, a))
	}

	s.Run("by state, oldest first", func() {
		apps, err := s.store.ListByState(s.ctx, []models.State{models.StateSubmitted}, 0)
		s.Require().NoError(err)
		s.Require().Len(apps, 2)
		s.Equal(old.ID, apps[0].ID)
	})

	s.Run("empty filter matches all, limit applies", func() {
		apps, err := s.store.ListByState(s.ctx, nil, 2)
		s.Require().NoError(err)
		s.Len(apps, 2)
		s.Equal(done.ID, apps[0].ID)
	})

	s.Run("idle since cutoff", func() {
		apps, err := s.store.ListIdleSince(s.ctx, models.PreSigningStates(), s.now.Add(-24*time.Hour), 10)
		s.Require().NoError(err)
		s.Require().Len(apps, 1)
		s.Equal(old.ID, apps[0].ID)
	})
}

func (s *InMemoryStoreSuite) TestSnapshots() {
	appID := id.NewApplicationID()
	first := affordability.NewSnapshot(appID, affordability.Assessment{CanAfford: false}, s.now)
	second := affordability.NewSnapshot(appID, affordability.Assessment{CanAfford: true}, s.now.Add(time.Hour))
	s.Require().NoError(s.store.SaveSnapshot(s.ctx, second))
	s.Require().NoError(s.store.SaveSnapshot(s.ctx, first))
	s.ErrorIs(s.store.SaveSnapshot(s.ctx, first), sentinel.ErrConflict)

	found, err := s.store.FindSnapshot(s.ctx, second.ID)
	s.Require().NoError(err)
	s.True(found.CanAfford)

	list, err := s.store.ListSnapshots(s.ctx, appID)
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal(first.ID, list[0].ID)

	_, err = s.store.FindSnapshot(s.ctx, id.NewSnapshotID())
	s.ErrorIs(err, sentinel.ErrNotFound)
}
