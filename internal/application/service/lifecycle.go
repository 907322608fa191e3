package service

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"lendflow/internal/affordability"
	"lendflow/internal/application/models"
	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
	"lendflow/pkg/platform/audit"
	"lendflow/pkg/requestcontext"
)

// SubmitRequest is a new loan request as captured by a channel.
type SubmitRequest struct {
	Applicant   id.Applicant
	Amount      decimal.Decimal
	TermMonths  int
	Channel     models.Channel
	BankAccount id.BankAccount
	Income      []affordability.Entry
	Expenses    []affordability.Entry
}

func (r *SubmitRequest) Normalize() {
	r.Applicant.Normalize()
	r.Channel = models.Channel(strings.ToLower(strings.TrimSpace(string(r.Channel))))
	r.Amount = r.Amount.Round(2)
}

func (s *Service) validateSubmit(r *SubmitRequest) error {
	if err := r.Applicant.Validate(); err != nil {
		return err
	}
	if err := r.BankAccount.Validate(); err != nil {
		return err
	}
	if !s.policy.MinAmount.IsZero() && r.Amount.LessThan(s.policy.MinAmount) {
		return dErrors.Newf(dErrors.CodeInvalidInput, "amount must be at least %s", s.policy.MinAmount.StringFixed(2))
	}
	if !s.policy.MaxAmount.IsZero() && r.Amount.GreaterThan(s.policy.MaxAmount) {
		return dErrors.Newf(dErrors.CodeInvalidInput, "amount must be at most %s", s.policy.MaxAmount.StringFixed(2))
	}
	if s.policy.MaxTermMonths > 0 && r.TermMonths > s.policy.MaxTermMonths {
		return dErrors.Newf(dErrors.CodeInvalidInput, "term must be at most %d months", s.policy.MaxTermMonths)
	}
	for _, entries := range [][]affordability.Entry{r.Income, r.Expenses} {
		for _, e := range entries {
			if e.Amount.IsNegative() {
				return dErrors.Newf(dErrors.CodeInvalidInput, "entry %q must not be negative", e.Label)
			}
		}
	}
	return nil
}

// Submit creates an application and moves it straight to PendingValidation.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Application, error) {
	req.Normalize()
	if err := s.validateSubmit(&req); err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	actor := requestcontext.ActorOrSystem(ctx)
	app, err := models.NewApplication(id.NewApplicationID(), req.Applicant, req.Amount, req.TermMonths,
		s.policy.AnnualRatePercent, req.Channel, req.BankAccount, req.Income, req.Expenses, actor, now)
	if err != nil {
		return nil, err
	}
	app.ApplyTransition(models.StatePendingValidation, now, id.System, "submitted via "+string(req.Channel))

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, app); err != nil {
			return err
		}
		submitted := audit.Event{
			Timestamp:     now,
			ApplicationID: app.ID,
			EntityType:    "application",
			EntityID:      app.ID.String(),
			Action:        string(audit.EventApplicationSubmitted),
			ToState:       string(models.StateSubmitted),
			Reason:        string(req.Channel),
			ActorID:       actor.String(),
		}
		return s.emit(ctx, append([]audit.Event{submitted}, transitionEvents(app, app.Transitions)...)...)
	})
	if err != nil {
		return nil, wrapStoreErr(err, "submit application")
	}

	s.metrics.IncSubmitted(string(req.Channel))
	s.metrics.IncTransition(string(models.StateSubmitted), string(models.StatePendingValidation))
	s.logger.InfoContext(ctx, "application submitted",
		"application_id", app.ID,
		"channel", req.Channel,
		"amount", app.RequestedAmount.StringFixed(2),
		"term_months", app.TermMonths,
	)
	return app, nil
}

func (s *Service) Get(ctx context.Context, appID id.ApplicationID) (*models.Application, error) {
	app, err := s.store.FindByID(ctx, appID)
	if err != nil {
		return nil, wrapStoreErr(err, "load application")
	}
	return app, nil
}

// List returns applications in any of states; no states lists everything.
func (s *Service) List(ctx context.Context, states []models.State, limit int) ([]*models.Application, error) {
	apps, err := s.store.ListByState(ctx, states, limit)
	if err != nil {
		return nil, wrapStoreErr(err, "list applications")
	}
	return apps, nil
}

// ListIdle returns applications in any of states unchanged since before.
func (s *Service) ListIdle(ctx context.Context, states []models.State, before time.Time, limit int) ([]*models.Application, error) {
	apps, err := s.store.ListIdleSince(ctx, states, before, limit)
	if err != nil {
		return nil, wrapStoreErr(err, "list idle applications")
	}
	return apps, nil
}

// Snapshots returns every affordability snapshot taken for the application.
func (s *Service) Snapshots(ctx context.Context, appID id.ApplicationID) ([]*affordability.Snapshot, error) {
	if _, err := s.Get(ctx, appID); err != nil {
		return nil, err
	}
	snaps, err := s.store.ListSnapshots(ctx, appID)
	if err != nil {
		return nil, wrapStoreErr(err, "list snapshots")
	}
	return snaps, nil
}

// BeginContractSigning binds the drafted contract and moves Approved to
// ContractSigning.
func (s *Service) BeginContractSigning(ctx context.Context, appID id.ApplicationID, contractID id.ContractID) (*models.Application, error) {
	if contractID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "contract id is required")
	}
	now := requestcontext.Now(ctx)
	return s.change(ctx, appID, "begin contract signing",
		func(a *models.Application) error {
			if err := requireState(a, models.StateApproved); err != nil {
				return err
			}
			return a.CanTransitionTo(models.StateContractSigning)
		},
		func(a *models.Application) {
			a.ContractID = contractID
			a.ApplyTransition(models.StateContractSigning, now, id.System, "contract "+contractID.String()+" drafted")
		},
		nil,
	)
}

// MarkContractSigned moves ContractSigning to PaymentProcessing once the
// bound contract carries a signature record.
func (s *Service) MarkContractSigned(ctx context.Context, appID id.ApplicationID, contractID id.ContractID) (*models.Application, error) {
	signed, err := s.signatures.IsSigned(ctx, contractID)
	if err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)
	return s.change(ctx, appID, "mark contract signed",
		func(a *models.Application) error {
			if err := requireState(a, models.StateContractSigning); err != nil {
				return err
			}
			if a.ContractID != contractID {
				return dErrors.New(dErrors.CodeConflict, "contract does not belong to this application")
			}
			if !signed {
				return dErrors.New(dErrors.CodeInvariantViolation, "contract has no signature record")
			}
			return a.CanTransitionTo(models.StatePaymentProcessing)
		},
		func(a *models.Application) {
			a.ApplyTransition(models.StatePaymentProcessing, now, id.System, "contract signed")
		},
		nil,
	)
}

// MarkDisbursed records the confirmed payment as the terminal outcome.
func (s *Service) MarkDisbursed(ctx context.Context, appID id.ApplicationID, reference string) (*models.Application, error) {
	now := requestcontext.Now(ctx)
	return s.change(ctx, appID, "mark disbursed",
		func(a *models.Application) error {
			if err := requireState(a, models.StatePaymentProcessing); err != nil {
				return err
			}
			return a.CanTransitionTo(models.StateDisbursed)
		},
		func(a *models.Application) {
			a.ApplyTransition(models.StateDisbursed, now, id.System, "payment confirmed: "+reference)
		},
		nil,
	)
}

// MarkDisbursementFailed declines the application after a failed payment.
// The signed contract is left as it is.
func (s *Service) MarkDisbursementFailed(ctx context.Context, appID id.ApplicationID, reason string) (*models.Application, error) {
	now := requestcontext.Now(ctx)
	return s.change(ctx, appID, "mark disbursement failed",
		func(a *models.Application) error {
			if err := requireState(a, models.StatePaymentProcessing); err != nil {
				return err
			}
			return a.CanTransitionTo(models.StateDeclined)
		},
		func(a *models.Application) {
			a.ApplyDecline(models.DeclineDisbursementFailed, now, id.System, "payment failed: "+reason)
		},
		nil,
	)
}

// Expire ends a non-terminal application, typically because its contract
// lapsed unsigned.
func (s *Service) Expire(ctx context.Context, appID id.ApplicationID, reason string) (*models.Application, error) {
	now := requestcontext.Now(ctx)
	return s.change(ctx, appID, "expire application",
		func(a *models.Application) error {
			if err := a.CanTransitionTo(models.StateExpired); err != nil {
				return err
			}
			return s.checkWithdrawal(ctx, a)
		},
		func(a *models.Application) { a.ApplyTransition(models.StateExpired, now, id.System, reason) },
		nil,
	)
}

// Cancel ends the application on an applicant or operator request. An
// applicant may only cancel their own application.
func (s *Service) Cancel(ctx context.Context, appID id.ApplicationID, note string) (*models.Application, error) {
	actor := requestcontext.Actor(ctx)
	if actor.Kind != id.ActorApplicant && actor.Kind != id.ActorOperator {
		err := dErrors.New(dErrors.CodeForbidden, "cancellation requires an applicant or operator")
		s.recordRejection(ctx, appID, "cancel application", err)
		return nil, err
	}
	now := requestcontext.Now(ctx)
	note = strings.TrimSpace(note)
	if note == "" {
		note = "cancelled by " + string(actor.Kind)
	}
	return s.change(ctx, appID, "cancel application",
		func(a *models.Application) error {
			if actor.Kind == id.ActorApplicant && actor.ID != a.Applicant.NationalID {
				return dErrors.New(dErrors.CodeForbidden, "applicants may only cancel their own application")
			}
			if err := a.CanTransitionTo(models.StateCancelled); err != nil {
				return err
			}
			return s.checkWithdrawal(ctx, a)
		},
		func(a *models.Application) { a.ApplyTransition(models.StateCancelled, now, actor, note) },
		nil,
	)
}

// checkWithdrawal refuses to end an application whose loan is committed: a
// contract signed while the application was still in ContractSigning, or a
// payment that has started. Runs under the application lock, which signing
// and payout share.
func (s *Service) checkWithdrawal(ctx context.Context, a *models.Application) error {
	switch a.State {
	case models.StateContractSigning:
		if a.ContractID.IsNil() {
			return nil
		}
		signed, err := s.signatures.IsSigned(ctx, a.ContractID)
		if err != nil {
			return err
		}
		if signed {
			return dErrors.New(dErrors.CodeConflict, "contract was signed before the application could be closed")
		}
	case models.StatePaymentProcessing:
		if s.payouts == nil {
			return dErrors.New(dErrors.CodeConflict, "application has a payment in progress")
		}
		started, err := s.payouts.PaymentStarted(ctx, a.ID)
		if err != nil {
			return err
		}
		if started {
			return dErrors.New(dErrors.CodeConflict, "payment already started for this application")
		}
	case models.StateSubmitted, models.StatePendingValidation, models.StateValidatingIdentity,
		models.StateValidatingEmployment, models.StateAffordabilityAssessment, models.StateApproved,
		models.StateDisbursed, models.StateDeclined, models.StateCancelled, models.StateExpired:
	}
	return nil
}

var errNoLongerStale = dErrors.New(dErrors.CodeConflict, "application is no longer stale")

// ExpireStale expires pre-signing applications idle for the configured TTL.
// It returns how many were expired; applications that moved on in the
// meantime are skipped.
func (s *Service) ExpireStale(ctx context.Context, now time.Time, limit int) (int, error) {
	if s.policy.ApplicationTTL <= 0 {
		return 0, nil
	}
	candidates, err := s.store.ListIdleSince(ctx, models.PreSigningStates(), now.Add(-s.policy.ApplicationTTL), limit)
	if err != nil {
		return 0, wrapStoreErr(err, "list stale applications")
	}

	expired := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.sweepParallelism)
	for i, candidate := range candidates {
		g.Go(func() error {
			_, err := s.change(gctx, candidate.ID, "expire stale application",
				func(a *models.Application) error {
					if !a.IsStale(now, s.policy.ApplicationTTL) {
						return errNoLongerStale
					}
					return a.CanTransitionTo(models.StateExpired)
				},
				func(a *models.Application) {
					a.ApplyTransition(models.StateExpired, now, id.System, "no activity within "+s.policy.ApplicationTTL.String())
				},
				nil,
			)
			switch {
			case err == nil:
				expired[i] = true
			case dErrors.HasCode(err, dErrors.CodeConflict):
				s.logger.DebugContext(gctx, "stale application skipped", "application_id", candidate.ID, "error", err)
			default:
				return err
			}
			return nil
		})
	}
	err = g.Wait()

	count := 0
	for _, ok := range expired {
		if ok {
			count++
		}
	}
	s.metrics.AddStaleExpired(count)
	return count, err
}
