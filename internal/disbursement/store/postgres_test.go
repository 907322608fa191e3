//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	appmodels "lendflow/internal/application/models"
	appstore "lendflow/internal/application/store"
	"lendflow/internal/disbursement/models"
	signmodels "lendflow/internal/signing/models"
	signstore "lendflow/internal/signing/store"
	id "lendflow/pkg/domain"
	"lendflow/pkg/platform/sentinel"
	"lendflow/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	pg        *containers.Postgres
	store     *PostgresStore
	apps      *appstore.PostgresStore
	contracts *signstore.PostgresStore
	ctx       context.Context
	now       time.Time
	account   id.BankAccount
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.pg = containers.NewPostgres(s.T())
	s.store = NewPostgres(s.pg.DB)
	s.apps = appstore.NewPostgres(s.pg.DB)
	s.contracts = signstore.NewPostgres(s.pg.DB)
	s.ctx = context.Background()
	s.account = id.BankAccount{BankName: "Bank", AccountNumber: "99887766"}
}

func (s *PostgresStoreSuite) SetupTest() {
	s.pg.Truncate(s.T(), "disbursements", "contracts", "applications")
	s.now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
}

// signedLoan inserts the application and contract rows a payout references.
func (s *PostgresStoreSuite) signedLoan() (id.ApplicationID, id.ContractID) {
	app, err := appmodels.NewApplication(
		id.NewApplicationID(),
		id.Applicant{NationalID: "8001015009087", FirstName: "Thandi", LastName: "Mokoena", Phone: "+27820000000"},
		decimal.NewFromInt(5000), 12, decimal.NewFromInt(28),
		appmodels.ChannelWeb, s.account, nil, nil, id.System, s.now,
	)
	s.Require().NoError(err)
	s.Require().NoError(s.apps.Create(s.ctx, app))

	c, err := signmodels.NewDraft(id.NewContractID(), app.ID, signmodels.Terms{
		ApplicantName:  "Thandi Mokoena",
		Principal:      decimal.NewFromInt(5000),
		TermMonths:     12,
		MonthlyPayment: decimal.RequireFromString("482.15"),
	}, "content", "hash", s.now, s.now.Add(72*time.Hour))
	s.Require().NoError(err)
	s.Require().NoError(s.contracts.CreateContract(s.ctx, c))
	return app.ID, c.ID
}

func (s *PostgresStoreSuite) TestAttempts() {
	appID, contractID := s.signedLoan()
	amount := decimal.NewFromInt(5000)

	first := models.NewPending(appID, contractID, 1, amount, s.account, "system", s.now)
	s.Require().NoError(s.store.Create(s.ctx, first))
	s.ErrorIs(s.store.Create(s.ctx, models.NewPending(appID, contractID, 1, amount, s.account, "system", s.now)),
		sentinel.ErrConflict)

	first.Fail("account closed", s.now.Add(time.Second))
	s.Require().NoError(s.store.Update(s.ctx, first))

	second := models.NewPending(appID, contractID, 2, amount, s.account, "operator:ops-1", s.now.Add(time.Minute))
	s.Require().NoError(s.store.Create(s.ctx, second))
	second.Confirm("PSP-123", s.now.Add(2*time.Minute))
	s.Require().NoError(s.store.Update(s.ctx, second))

	list, err := s.store.ListByContract(s.ctx, contractID)
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal(models.StatusFailed, list[0].Status)
	s.Equal("account closed", list[0].FailureReason)
	s.Equal(models.StatusConfirmed, list[1].Status)
	s.Equal("PSP-123", list[1].ProviderRef)
	s.True(list[1].Amount.Equal(amount))
	s.Equal(s.account, list[1].BankAccount)
	s.True(list[1].CompletedAt.Equal(s.now.Add(2 * time.Minute)))

	byApp, err := s.store.ListByApplication(s.ctx, appID)
	s.Require().NoError(err)
	s.Len(byApp, 2)

	s.Run("a second confirmation for the contract conflicts", func() {
		third := models.NewPending(appID, contractID, 3, amount, s.account, "system", s.now)
		s.Require().NoError(s.store.Create(s.ctx, third))
		third.Confirm("PSP-456", s.now)
		s.ErrorIs(s.store.Update(s.ctx, third), sentinel.ErrConflict)
	})

	s.Run("unknown attempts are not found", func() {
		ghost := models.NewPending(appID, contractID, 9, amount, s.account, "system", s.now)
		s.ErrorIs(s.store.Update(s.ctx, ghost), sentinel.ErrNotFound)
	})
}
