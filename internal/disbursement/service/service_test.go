package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	appmodels "lendflow/internal/application/models"
	"lendflow/internal/disbursement/metrics"
	"lendflow/internal/disbursement/models"
	"lendflow/internal/disbursement/store"
	"lendflow/internal/platform/lock"
	"lendflow/internal/ports"
	"lendflow/internal/ports/mocks"
	signmodels "lendflow/internal/signing/models"
	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
	"lendflow/pkg/platform/audit"
	"lendflow/pkg/platform/audit/publishers/compliance"
	auditmemory "lendflow/pkg/platform/audit/store/memory"
	"lendflow/pkg/requestcontext"
)

type fakeApplications struct {
	mu   sync.Mutex
	apps map[id.ApplicationID]*appmodels.Application
}

func (f *fakeApplications) Get(_ context.Context, appID id.ApplicationID) (*appmodels.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.apps[appID]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "application not found")
	}
	return app.Clone(), nil
}

type fakeContracts struct {
	mu        sync.Mutex
	contracts map[id.ContractID]*signmodels.Contract
}

func (f *fakeContracts) Get(_ context.Context, contractID id.ContractID) (*signmodels.Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[contractID]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "contract not found")
	}
	return c.Clone(), nil
}

func (f *fakeContracts) IsSigned(ctx context.Context, contractID id.ContractID) (bool, error) {
	c, err := f.Get(ctx, contractID)
	if err != nil {
		return false, err
	}
	return c.State == signmodels.ContractSigned, nil
}

type DisbursementServiceSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	gateway   *mocks.MockPaymentGateway
	apps      *fakeApplications
	contracts *fakeContracts
	store     *store.InMemory
	audit     *auditmemory.InMemoryStore
	service   *Service
	ctx       context.Context
}

func TestDisbursementServiceSuite(t *testing.T) {
	suite.Run(t, new(DisbursementServiceSuite))
}

func (s *DisbursementServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.gateway = mocks.NewMockPaymentGateway(s.ctrl)
	s.apps = &fakeApplications{apps: map[id.ApplicationID]*appmodels.Application{}}
	s.contracts = &fakeContracts{contracts: map[id.ContractID]*signmodels.Contract{}}
	s.store = store.NewInMemory()
	s.audit = auditmemory.NewInMemoryStore()
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 4, 8, 9, 0, 0, 0, time.UTC))

	var err error
	s.service, err = New(s.store, lock.NewSharded(), s.apps, s.contracts, s.gateway,
		WithAuditPublisher(compliance.New(s.audit)),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
		WithPaymentTimeout(50*time.Millisecond),
	)
	s.Require().NoError(err)
}

func (s *DisbursementServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

// seed registers an application in state with a contract in contractState.
func (s *DisbursementServiceSuite) seed(state appmodels.State, contractState signmodels.ContractState) *appmodels.Application {
	appID := id.NewApplicationID()
	contractID := id.NewContractID()
	app := &appmodels.Application{
		ID:              appID,
		RequestedAmount: decimal.NewFromInt(5000),
		BankAccount:     id.BankAccount{BankName: "First Bank", AccountNumber: "62001234567"},
		State:           state,
		ContractID:      contractID,
	}
	if state == appmodels.StateDeclined {
		app.DeclineReason = appmodels.DeclineDisbursementFailed
	}
	s.apps.apps[appID] = app
	s.contracts.contracts[contractID] = &signmodels.Contract{ID: contractID, ApplicationID: appID, State: contractState}
	return app
}

func (s *DisbursementServiceSuite) operator() context.Context {
	return requestcontext.WithActor(s.ctx, id.Actor{Kind: id.ActorOperator, ID: "op-7"})
}

func (s *DisbursementServiceSuite) TestConfirmedPayout() {
	app := s.seed(appmodels.StatePaymentProcessing, signmodels.ContractSigned)
	s.gateway.EXPECT().
		Disburse(gomock.Any(), app.BankAccount, decimal.NewFromInt(5000), app.ContractID.String()+"-1").
		Return(ports.PaymentResult{Confirmed: true, ProviderRef: "pay-42"}, nil)

	d, err := s.service.Disburse(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusConfirmed, d.Status)
	s.Equal(1, d.Attempt)
	s.Equal("pay-42", d.ProviderRef)

	ledger, err := s.service.List(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Require().Len(ledger, 1)
	s.Equal(models.StatusConfirmed, ledger[0].Status)
	s.Len(s.audit.ListByAction(context.Background(), audit.EventDisbursementRequested), 1)
	s.Len(s.audit.ListByAction(context.Background(), audit.EventDisbursementConfirmed), 1)
}

func (s *DisbursementServiceSuite) TestUnconfirmedPaymentFails() {
	app := s.seed(appmodels.StatePaymentProcessing, signmodels.ContractSigned)
	s.gateway.EXPECT().Disburse(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(ports.PaymentResult{Confirmed: false, FailureReason: "account closed"}, nil)

	d, err := s.service.Disburse(s.ctx, app.ID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeDisbursementFailed))
	s.Require().NotNil(d)
	s.Equal(models.StatusFailed, d.Status)
	s.Equal("account closed", d.FailureReason)

	signed, err := s.contracts.IsSigned(s.ctx, app.ContractID)
	s.Require().NoError(err)
	s.True(signed, "a failed payout leaves the contract signed")
	s.Len(s.audit.ListByAction(context.Background(), audit.EventDisbursementFailed), 1)
}

func (s *DisbursementServiceSuite) TestGatewayTimeout() {
	app := s.seed(appmodels.StatePaymentProcessing, signmodels.ContractSigned)
	s.gateway.EXPECT().Disburse(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ id.BankAccount, _ decimal.Decimal, _ string) (ports.PaymentResult, error) {
			<-ctx.Done()
			return ports.PaymentResult{}, ctx.Err()
		})

	d, err := s.service.Disburse(s.ctx, app.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeDisbursementFailed))
	s.Equal(models.StatusFailed, d.Status)
	s.Contains(d.FailureReason, string(dErrors.CodeTimeout))
}

func (s *DisbursementServiceSuite) TestGuards() {
	s.Run("application must be in payment processing", func() {
		app := s.seed(appmodels.StateContractSigning, signmodels.ContractSent)
		_, err := s.service.Disburse(s.ctx, app.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})

	s.Run("contract must be signed", func() {
		app := s.seed(appmodels.StatePaymentProcessing, signmodels.ContractSent)
		_, err := s.service.Disburse(s.ctx, app.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})

	s.Run("unknown application", func() {
		_, err := s.service.Disburse(s.ctx, id.NewApplicationID())
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *DisbursementServiceSuite) TestRetry() {
	app := s.seed(appmodels.StateDeclined, signmodels.ContractSigned)
	first := models.NewPending(app.ID, app.ContractID, 1, app.RequestedAmount, app.BankAccount, "system", time.Now())
	first.Fail("insufficient float", time.Now())
	s.Require().NoError(s.store.Create(context.Background(), first))

	s.Run("applicants cannot retry", func() {
		ctx := requestcontext.WithActor(s.ctx, id.Actor{Kind: id.ActorApplicant, ID: "8001015009087"})
		_, err := s.service.Retry(ctx, app.ContractID)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("operator retry records a second attempt", func() {
		s.gateway.EXPECT().
			Disburse(gomock.Any(), gomock.Any(), gomock.Any(), app.ContractID.String()+"-2").
			Return(ports.PaymentResult{Confirmed: true}, nil)
		d, err := s.service.Retry(s.operator(), app.ContractID)
		s.Require().NoError(err)
		s.Equal(2, d.Attempt)
		s.Equal("operator:op-7", d.RequestedBy)

		got, err := s.apps.Get(s.ctx, app.ID)
		s.Require().NoError(err)
		s.Equal(appmodels.StateDeclined, got.State, "the application stays terminal")
	})

	s.Run("a paid out contract cannot be retried", func() {
		_, err := s.service.Retry(s.operator(), app.ContractID)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("retry needs a failed disbursement", func() {
		other := s.seed(appmodels.StatePaymentProcessing, signmodels.ContractSigned)
		_, err := s.service.Retry(s.operator(), other.ContractID)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})
}

func (s *DisbursementServiceSuite) TestResumesPendingAttempt() {
	app := s.seed(appmodels.StatePaymentProcessing, signmodels.ContractSigned)
	pending := models.NewPending(app.ID, app.ContractID, 1, app.RequestedAmount, app.BankAccount, "system", time.Now())
	s.Require().NoError(s.store.Create(context.Background(), pending))

	s.gateway.EXPECT().Disburse(gomock.Any(), gomock.Any(), gomock.Any(), pending.Reference).
		Return(ports.PaymentResult{Confirmed: true}, nil)

	d, err := s.service.Disburse(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Equal(pending.ID, d.ID)

	ledger, err := s.service.List(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Len(ledger, 1)
}

func (s *DisbursementServiceSuite) TestLedgerPaymentStarted() {
	ledger := NewLedger(s.store)
	app := s.seed(appmodels.StatePaymentProcessing, signmodels.ContractSigned)

	started, err := ledger.PaymentStarted(s.ctx, app.ID)
	s.Require().NoError(err)
	s.False(started)

	s.gateway.EXPECT().Disburse(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(ports.PaymentResult{Confirmed: false, FailureReason: "account closed"}, nil)
	_, err = s.service.Disburse(s.ctx, app.ID)
	s.Require().Error(err)

	started, err = ledger.PaymentStarted(s.ctx, app.ID)
	s.Require().NoError(err)
	s.False(started, "a failed attempt moved no money")

	pending := models.NewPending(app.ID, app.ContractID, 2, app.RequestedAmount, app.BankAccount, "system", time.Now())
	s.Require().NoError(s.store.Create(s.ctx, pending))
	started, err = ledger.PaymentStarted(s.ctx, app.ID)
	s.Require().NoError(err)
	s.True(started)
}
