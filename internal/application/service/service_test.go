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

	"lendflow/internal/affordability"
	"lendflow/internal/amortization"
	"lendflow/internal/application/metrics"
	"lendflow/internal/application/models"
	"lendflow/internal/application/store"
	"lendflow/internal/platform/lock"
	"lendflow/internal/ports"
	"lendflow/internal/ports/mocks"
	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
	"lendflow/pkg/platform/audit"
	"lendflow/pkg/platform/audit/publishers/compliance"
	auditmemory "lendflow/pkg/platform/audit/store/memory"
	"lendflow/pkg/requestcontext"
)

// =============================================================================
// Application Service Test Suite
// =============================================================================
// The service is exercised against the in-memory store, the in-process lock
// and the real compliance publisher; only the verification collaborators are
// mocked.

type fakeSignatures struct {
	mu     sync.Mutex
	signed map[id.ContractID]bool
}

func (f *fakeSignatures) IsSigned(_ context.Context, contractID id.ContractID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signed[contractID], nil
}

type fakePayouts struct {
	mu      sync.Mutex
	started map[id.ApplicationID]bool
}

func (f *fakePayouts) PaymentStarted(_ context.Context, appID id.ApplicationID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[appID], nil
}

type ApplicationServiceSuite struct {
	suite.Suite
	ctrl       *gomock.Controller
	identity   *mocks.MockVerifier
	employment *mocks.MockVerifier
	signatures *fakeSignatures
	payouts    *fakePayouts
	store      *store.InMemory
	audit      *auditmemory.InMemoryStore
	service    *Service
	now        time.Time
	ctx        context.Context
}

func TestApplicationServiceSuite(t *testing.T) {
	suite.Run(t, new(ApplicationServiceSuite))
}

func (s *ApplicationServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.identity = mocks.NewMockVerifier(s.ctrl)
	s.employment = mocks.NewMockVerifier(s.ctrl)
	s.signatures = &fakeSignatures{signed: map[id.ContractID]bool{}}
	s.payouts = &fakePayouts{started: map[id.ApplicationID]bool{}}
	s.store = store.NewInMemory()
	s.audit = auditmemory.NewInMemoryStore()
	s.now = time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)

	var err error
	s.service, err = New(s.store, lock.NewSharded(),
		Verifiers{Identity: s.identity, Employment: s.employment},
		s.signatures,
		Policy{
			AnnualRatePercent: decimal.NewFromInt(12),
			MaxDebtToIncome:   decimal.RequireFromString("0.35"),
			Fees:              amortization.FeePolicy{InitiationPercent: decimal.NewFromInt(10), MonthlyServiceFee: decimal.NewFromInt(60)},
			MinAmount:         decimal.NewFromInt(500),
			MaxAmount:         decimal.NewFromInt(8000),
			MaxTermMonths:     72,
			ApplicationTTL:    30 * 24 * time.Hour,
		},
		WithAuditPublisher(compliance.New(s.audit)),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
		WithPayoutLedger(s.payouts),
	)
	s.Require().NoError(err)
}

func (s *ApplicationServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *ApplicationServiceSuite) request(income, expenses string) SubmitRequest {
	req := SubmitRequest{
		Applicant:   id.Applicant{NationalID: "8001015009087", FirstName: "Thandi", LastName: "Mokoena", Phone: "+27 82 123 4567", Employer: "Acme"},
		Amount:      decimal.NewFromInt(5000),
		TermMonths:  12,
		Channel:     models.ChannelWhatsApp,
		BankAccount: id.BankAccount{BankName: "First Bank", AccountNumber: "62001234567"},
	}
	if income != "" {
		req.Income = []affordability.Entry{{Label: "salary", Amount: decimal.RequireFromString(income), Fixed: true}}
	}
	if expenses != "" {
		req.Expenses = []affordability.Entry{{Label: "rent", Amount: decimal.RequireFromString(expenses), Essential: true}}
	}
	return req
}

func (s *ApplicationServiceSuite) passVerifiers() {
	s.identity.EXPECT().Verify(gomock.Any(), gomock.Any()).Return(ports.VerificationResult{Passed: true}, nil)
	s.employment.EXPECT().Verify(gomock.Any(), gomock.Any()).Return(ports.VerificationResult{Passed: true}, nil)
}

func (s *ApplicationServiceSuite) assessable(income, expenses string) *models.Application {
	app, err := s.service.Submit(s.ctx, s.request(income, expenses))
	s.Require().NoError(err)
	s.passVerifiers()
	app, err = s.service.RunValidation(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.StateAffordabilityAssessment, app.State)
	return app
}

func (s *ApplicationServiceSuite) contractSigning() (*models.Application, id.ContractID) {
	app := s.assessable("10000", "8000")
	app, err := s.service.Assess(s.ctx, app.ID, AssessRequest{})
	s.Require().NoError(err)
	s.Require().Equal(models.StateApproved, app.State)
	contractID := id.NewContractID()
	app, err = s.service.BeginContractSigning(s.ctx, app.ID, contractID)
	s.Require().NoError(err)
	return app, contractID
}

func (s *ApplicationServiceSuite) actions(appID id.ApplicationID) []string {
	events, err := s.audit.ListByApplication(s.ctx, appID)
	s.Require().NoError(err)
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Action
	}
	return out
}

// =============================================================================
// Submission
// =============================================================================

func (s *ApplicationServiceSuite) TestSubmit() {
	s.Run("creates the application in PendingValidation", func() {
		app, err := s.service.Submit(s.ctx, s.request("10000", "8000"))
		s.Require().NoError(err)
		s.Equal(models.StatePendingValidation, app.State)
		s.Equal("+27821234567", app.Applicant.Phone)
		s.True(app.AnnualRatePercent.Equal(decimal.NewFromInt(12)))
		s.Require().Len(app.Transitions, 1)
		s.Equal(models.StateSubmitted, app.Transitions[0].From)
		s.Equal([]string{string(audit.EventApplicationSubmitted), string(audit.EventApplicationTransited)}, s.actions(app.ID))
	})

	s.Run("rejects amounts outside the product range", func() {
		req := s.request("10000", "")
		req.Amount = decimal.NewFromInt(9000)
		_, err := s.service.Submit(s.ctx, req)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Run("rejects unknown channels and negative entries", func() {
		req := s.request("10000", "")
		req.Channel = "fax"
		_, err := s.service.Submit(s.ctx, req)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))

		req = s.request("-5", "")
		_, err = s.service.Submit(s.ctx, req)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})
}

// =============================================================================
// Validation
// =============================================================================

func (s *ApplicationServiceSuite) TestRunValidation() {
	s.Run("passing checks reach AffordabilityAssessment", func() {
		app := s.assessable("10000", "8000")
		var path []models.State
		for _, t := range app.Transitions {
			path = append(path, t.To)
		}
		s.Equal([]models.State{
			models.StatePendingValidation,
			models.StateValidatingIdentity,
			models.StateValidatingEmployment,
			models.StateAffordabilityAssessment,
		}, path)
	})

	s.Run("failed identity check declines without calling employment", func() {
		app, err := s.service.Submit(s.ctx, s.request("10000", ""))
		s.Require().NoError(err)
		s.identity.EXPECT().Verify(gomock.Any(), gomock.Any()).Return(ports.VerificationResult{Passed: false, Details: "id mismatch"}, nil)

		app, err = s.service.RunValidation(s.ctx, app.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeVerificationFailed))
		s.Require().NotNil(app)
		s.Equal(models.StateDeclined, app.State)
		s.Equal(models.DeclineIdentityVerificationFailed, app.DeclineReason)
		s.Contains(s.actions(app.ID), string(audit.EventVerificationFailed))
	})

	s.Run("employment timeout declines with the timeout recorded", func() {
		app, err := s.service.Submit(s.ctx, s.request("10000", ""))
		s.Require().NoError(err)
		s.identity.EXPECT().Verify(gomock.Any(), gomock.Any()).Return(ports.VerificationResult{Passed: true}, nil)
		s.employment.EXPECT().Verify(gomock.Any(), gomock.Any()).
			Return(ports.VerificationResult{}, dErrors.New(dErrors.CodeTimeout, "employment verifier timed out"))

		app, err = s.service.RunValidation(s.ctx, app.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeVerificationFailed))
		s.Equal(models.DeclineEmploymentVerificationFailed, app.DeclineReason)

		failures := s.audit.ListByAction(s.ctx, audit.EventVerificationFailed)
		s.Require().NotEmpty(failures)
		s.Equal(string(dErrors.CodeTimeout), failures[len(failures)-1].ErrorKind)
	})

	s.Run("applications past validation are refused", func() {
		app := s.assessable("10000", "")
		_, err := s.service.RunValidation(s.ctx, app.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})
}

// =============================================================================
// Affordability gate
// =============================================================================

func (s *ApplicationServiceSuite) TestAssess() {
	s.Run("affordable application is approved with computed terms", func() {
		app := s.assessable("10000", "8000")
		app, err := s.service.Assess(s.ctx, app.ID, AssessRequest{})
		s.Require().NoError(err)

		s.Equal(models.StateApproved, app.State)
		s.Require().NotNil(app.Terms)
		s.Equal("444.24", app.Terms.MonthlyPayment.StringFixed(2))
		s.Equal("2000.00", app.Terms.DisposableIncome.StringFixed(2))
		s.Equal("500.00", app.Terms.Fees.Initiation.StringFixed(2))
		s.Require().Len(app.SnapshotIDs, 1)

		snap, err := s.store.FindSnapshot(s.ctx, app.SnapshotIDs[0])
		s.Require().NoError(err)
		s.True(snap.CanAfford)
		s.True(app.Terms.MonthlyPayment.LessThanOrEqual(snap.DisposableIncome))
		s.Contains(s.actions(app.ID), string(audit.EventAssessmentRecorded))
	})

	s.Run("unaffordable application is declined", func() {
		app := s.assessable("3000", "2800")
		app, err := s.service.Assess(s.ctx, app.ID, AssessRequest{})
		s.Require().NoError(err)
		s.Equal(models.StateDeclined, app.State)
		s.Equal(models.DeclineAffordabilityFailed, app.DeclineReason)
		s.Nil(app.Override)
	})

	s.Run("applicants cannot override", func() {
		app := s.assessable("3000", "2800")
		ctx := requestcontext.WithActor(s.ctx, id.Actor{Kind: id.ActorApplicant, ID: app.Applicant.NationalID})
		_, err := s.service.Assess(ctx, app.ID, AssessRequest{OverrideReason: "please"})
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

		unchanged, err := s.service.Get(s.ctx, app.ID)
		s.Require().NoError(err)
		s.Equal(models.StateAffordabilityAssessment, unchanged.State)
		s.Contains(s.actions(app.ID), string(audit.EventTransitionRejected))
	})

	s.Run("operator override approves and is audited", func() {
		app := s.assessable("3000", "2800")
		ctx := requestcontext.WithActor(s.ctx, id.Actor{Kind: id.ActorOperator, ID: "op-42"})
		app, err := s.service.Assess(ctx, app.ID, AssessRequest{OverrideReason: "guarantor on file"})
		s.Require().NoError(err)
		s.Equal(models.StateApproved, app.State)
		s.Require().NotNil(app.Override)
		s.Equal("op-42", app.Override.OperatorID)
		s.Contains(s.actions(app.ID), string(audit.EventApplicationOverride))
	})

	s.Run("operator re-assessment appends a snapshot", func() {
		app := s.assessable("10000", "8000")
		app, err := s.service.Assess(s.ctx, app.ID, AssessRequest{})
		s.Require().NoError(err)
		s.Require().Equal(models.StateApproved, app.State)

		operator := requestcontext.WithActor(s.ctx, id.Actor{Kind: id.ActorOperator, ID: "op-42"})
		app, err = s.service.Assess(operator, app.ID, AssessRequest{})
		s.Require().NoError(err)
		s.Equal(models.StateApproved, app.State)
		s.Len(app.SnapshotIDs, 2)

		snaps, err := s.store.ListSnapshots(s.ctx, app.ID)
		s.Require().NoError(err)
		s.Len(snaps, 2)
	})

	s.Run("re-assessment with lower income declines", func() {
		app := s.assessable("10000", "8000")
		app, err := s.service.Assess(s.ctx, app.ID, AssessRequest{})
		s.Require().NoError(err)

		operator := requestcontext.WithActor(s.ctx, id.Actor{Kind: id.ActorOperator, ID: "op-42"})
		app, err = s.service.Assess(operator, app.ID, AssessRequest{
			Income: []affordability.Entry{{Label: "salary", Amount: decimal.NewFromInt(8200), Fixed: true}},
		})
		s.Require().NoError(err)
		s.Equal(models.StateDeclined, app.State)
		s.Equal(models.DeclineAffordabilityFailed, app.DeclineReason)
		s.Equal("8200", app.Income[0].Amount.String())
		s.Len(app.SnapshotIDs, 2)
	})

	s.Run("only operators re-assess, and only before a contract exists", func() {
		app := s.assessable("10000", "8000")
		app, err := s.service.Assess(s.ctx, app.ID, AssessRequest{})
		s.Require().NoError(err)

		applicant := requestcontext.WithActor(s.ctx, id.Actor{Kind: id.ActorApplicant, ID: app.Applicant.NationalID})
		_, err = s.service.Assess(applicant, app.ID, AssessRequest{})
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
		_, err = s.service.Assess(applicant, app.ID, AssessRequest{Income: []affordability.Entry{}})
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

		_, err = s.service.BeginContractSigning(s.ctx, app.ID, id.NewContractID())
		s.Require().NoError(err)
		operator := requestcontext.WithActor(s.ctx, id.Actor{Kind: id.ActorOperator, ID: "op-42"})
		_, err = s.service.Assess(operator, app.ID, AssessRequest{})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})

	s.Run("missing income is incomplete data and changes nothing", func() {
		app := s.assessable("", "")
		_, err := s.service.Assess(s.ctx, app.ID, AssessRequest{})
		s.True(dErrors.HasCode(err, dErrors.CodeIncompleteData))

		unchanged, _ := s.service.Get(s.ctx, app.ID)
		s.Equal(models.StateAffordabilityAssessment, unchanged.State)
		s.Empty(unchanged.SnapshotIDs)
	})
}

// =============================================================================
// Signing and payment hand-offs
// =============================================================================

func (s *ApplicationServiceSuite) TestSigningAndPayment() {
	s.Run("unsigned contract cannot advance to payment", func() {
		app, contractID := s.contractSigning()
		_, err := s.service.MarkContractSigned(s.ctx, app.ID, contractID)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	s.Run("foreign contract is refused", func() {
		app, _ := s.contractSigning()
		other := id.NewContractID()
		s.signatures.signed[other] = true
		_, err := s.service.MarkContractSigned(s.ctx, app.ID, other)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("signed contract moves to PaymentProcessing then Disbursed", func() {
		app, contractID := s.contractSigning()
		s.signatures.signed[contractID] = true
		app, err := s.service.MarkContractSigned(s.ctx, app.ID, contractID)
		s.Require().NoError(err)
		s.Equal(models.StatePaymentProcessing, app.State)

		app, err = s.service.MarkDisbursed(s.ctx, app.ID, contractID.String()+"-1")
		s.Require().NoError(err)
		s.Equal(models.StateDisbursed, app.State)
	})

	s.Run("failed payment declines and the application stays terminal", func() {
		app, contractID := s.contractSigning()
		s.signatures.signed[contractID] = true
		_, err := s.service.MarkContractSigned(s.ctx, app.ID, contractID)
		s.Require().NoError(err)

		app, err = s.service.MarkDisbursementFailed(s.ctx, app.ID, "account closed")
		s.Require().NoError(err)
		s.Equal(models.StateDeclined, app.State)
		s.Equal(models.DeclineDisbursementFailed, app.DeclineReason)

		operator := requestcontext.WithActor(s.ctx, id.Actor{Kind: id.ActorOperator, ID: "op-1"})
		_, err = s.service.Cancel(operator, app.ID, "")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
		_, err = s.service.Expire(s.ctx, app.ID, "contract expired")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})

	s.Run("payment processing can be cancelled until the payment starts", func() {
		app, contractID := s.contractSigning()
		s.signatures.signed[contractID] = true
		_, err := s.service.MarkContractSigned(s.ctx, app.ID, contractID)
		s.Require().NoError(err)
		operator := requestcontext.WithActor(s.ctx, id.Actor{Kind: id.ActorOperator, ID: "op-1"})

		s.payouts.started[app.ID] = true
		_, err = s.service.Cancel(operator, app.ID, "customer changed their mind")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
		_, err = s.service.Expire(s.ctx, app.ID, "abandoned")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))

		s.payouts.started[app.ID] = false
		app, err = s.service.Cancel(operator, app.ID, "cooling-off")
		s.Require().NoError(err)
		s.Equal(models.StateCancelled, app.State)
	})

	s.Run("without a payout ledger payment processing stays committed", func() {
		bare, err := New(s.store, lock.NewSharded(),
			Verifiers{Identity: s.identity, Employment: s.employment},
			s.signatures, Policy{},
		)
		s.Require().NoError(err)
		app, contractID := s.contractSigning()
		s.signatures.signed[contractID] = true
		_, err = s.service.MarkContractSigned(s.ctx, app.ID, contractID)
		s.Require().NoError(err)

		operator := requestcontext.WithActor(s.ctx, id.Actor{Kind: id.ActorOperator, ID: "op-1"})
		_, err = bare.Cancel(operator, app.ID, "")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("a signed contract blocks cancellation from contract signing", func() {
		app, contractID := s.contractSigning()
		s.signatures.signed[contractID] = true
		operator := requestcontext.WithActor(s.ctx, id.Actor{Kind: id.ActorOperator, ID: "op-1"})

		_, err := s.service.Cancel(operator, app.ID, "")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
		got, err := s.service.Get(s.ctx, app.ID)
		s.Require().NoError(err)
		s.Equal(models.StateContractSigning, got.State)
	})
}

// =============================================================================
// Cancellation and expiry
// =============================================================================

func (s *ApplicationServiceSuite) TestCancel() {
	s.Run("applicant cancels their own application", func() {
		app, err := s.service.Submit(s.ctx, s.request("10000", ""))
		s.Require().NoError(err)
		ctx := requestcontext.WithActor(s.ctx, id.Actor{Kind: id.ActorApplicant, ID: app.Applicant.NationalID})

		app, err = s.service.Cancel(ctx, app.ID, "found cheaper credit")
		s.Require().NoError(err)
		s.Equal(models.StateCancelled, app.State)
		last := app.Transitions[len(app.Transitions)-1]
		s.Equal(id.ActorApplicant, last.Actor.Kind)
		s.Equal("found cheaper credit", last.Reason)
	})

	s.Run("another applicant is forbidden", func() {
		app, err := s.service.Submit(s.ctx, s.request("10000", ""))
		s.Require().NoError(err)
		ctx := requestcontext.WithActor(s.ctx, id.Actor{Kind: id.ActorApplicant, ID: "someone-else"})
		_, err = s.service.Cancel(ctx, app.ID, "")
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("system actor cannot cancel", func() {
		app, err := s.service.Submit(s.ctx, s.request("10000", ""))
		s.Require().NoError(err)
		_, err = s.service.Cancel(s.ctx, app.ID, "")
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("concurrent cancel and expire: exactly one wins", func() {
		app, err := s.service.Submit(s.ctx, s.request("10000", ""))
		s.Require().NoError(err)
		operator := requestcontext.WithActor(s.ctx, id.Actor{Kind: id.ActorOperator, ID: "op-1"})

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() { defer wg.Done(); _, errs[0] = s.service.Cancel(operator, app.ID, "") }()
		go func() { defer wg.Done(); _, errs[1] = s.service.Expire(s.ctx, app.ID, "contract expired") }()
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
			} else {
				s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition), "unexpected error %v", err)
			}
		}
		s.Equal(1, succeeded)
	})
}

func (s *ApplicationServiceSuite) TestExpireStale() {
	oldCtx := requestcontext.WithTime(context.Background(), s.now.Add(-31*24*time.Hour))
	old, err := s.service.Submit(oldCtx, s.request("10000", ""))
	s.Require().NoError(err)
	fresh, err := s.service.Submit(s.ctx, s.request("10000", ""))
	s.Require().NoError(err)

	n, err := s.service.ExpireStale(s.ctx, s.now, 100)
	s.Require().NoError(err)
	s.Equal(1, n)

	got, _ := s.service.Get(s.ctx, old.ID)
	s.Equal(models.StateExpired, got.State)
	got, _ = s.service.Get(s.ctx, fresh.ID)
	s.Equal(models.StatePendingValidation, got.State)

	n, err = s.service.ExpireStale(s.ctx, s.now, 100)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *ApplicationServiceSuite) TestSchedule() {
	app, err := s.service.Submit(s.ctx, s.request("10000", ""))
	s.Require().NoError(err)
	schedule, rows, err := s.service.Schedule(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Len(rows, 12)
	s.Equal("444.24", schedule.MonthlyPayment.StringFixed(2))
	s.True(rows[len(rows)-1].Balance.IsZero())
}

func (s *ApplicationServiceSuite) TestGetUnknown() {
	_, err := s.service.Get(s.ctx, id.NewApplicationID())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}
