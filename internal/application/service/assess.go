package service

import (
	"context"
	"strings"

	"lendflow/internal/affordability"
	"lendflow/internal/amortization"
	"lendflow/internal/application/models"
	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
	"lendflow/pkg/platform/audit"
	"lendflow/pkg/requestcontext"
)

// AssessRequest optionally carries an operator override reason, applied
// only when the affordability check fails, and replacement income and
// expense entries. Only operators may set either.
type AssessRequest struct {
	OverrideReason string
	Income         []affordability.Entry
	Expenses       []affordability.Entry
}

func (r AssessRequest) replacesEntries() bool {
	return r.Income != nil || r.Expenses != nil
}

// Assess computes the schedule, fees and a fresh affordability snapshot and
// moves AffordabilityAssessment to Approved or Declined. An operator may
// re-assess an Approved application whose contract is not yet drafted: the
// new snapshot is appended and the application is declined if it no longer
// passes. Calculator errors are returned before anything is written.
func (s *Service) Assess(ctx context.Context, appID id.ApplicationID, req AssessRequest) (*models.Application, error) {
	actor := requestcontext.ActorOrSystem(ctx)
	now := requestcontext.Now(ctx)

	if req.replacesEntries() && !actor.IsOperator() {
		err := dErrors.New(dErrors.CodeForbidden, "only operators may amend declared income and expenses")
		s.recordRejection(ctx, appID, "assess application", err)
		return nil, err
	}

	var override *models.Override
	if reason := strings.TrimSpace(req.OverrideReason); reason != "" {
		if !actor.IsOperator() {
			err := dErrors.New(dErrors.CodeForbidden, "only operators may override an affordability decision")
			s.recordRejection(ctx, appID, "assess application", err)
			return nil, err
		}
		override = &models.Override{OperatorID: actor.ID, Reason: reason, At: now}
	}

	app, err := s.Get(ctx, appID)
	if err != nil {
		return nil, err
	}
	reassess := app.State == models.StateApproved
	if err := checkAssessable(app, reassess, actor); err != nil {
		s.recordRejection(ctx, appID, "assess application", err)
		return nil, err
	}
	if req.Income != nil {
		app.Income = req.Income
	}
	if req.Expenses != nil {
		app.Expenses = req.Expenses
	}

	schedule, fees, assessment, err := s.compute(app)
	if err != nil {
		s.recordRejection(ctx, appID, "assess application", err)
		return nil, err
	}
	snap := affordability.NewSnapshot(appID, assessment, now)

	var usedOverride bool
	result, err := s.change(ctx, appID, "assess application",
		func(a *models.Application) error {
			if reassess {
				if err := requireState(a, models.StateApproved); err != nil {
					return err
				}
			}
			if err := checkAssessable(a, reassess, actor); err != nil {
				return err
			}
			if reassess {
				return a.CanTransitionTo(models.StateDeclined)
			}
			return a.CanTransitionTo(models.StateApproved)
		},
		func(a *models.Application) {
			if req.Income != nil {
				a.Income = req.Income
			}
			if req.Expenses != nil {
				a.Expenses = req.Expenses
			}
			a.ApplyAssessment(snap, schedule, fees)
			check := a.CanApprove
			if reassess {
				check = a.CheckAffordability
			}
			switch {
			case check(snap, nil) == nil:
				if !reassess {
					a.ApplyApproval(nil, now, id.System)
				}
			case override != nil && check(snap, override) == nil:
				usedOverride = true
				if reassess {
					a.Override = override
				} else {
					a.ApplyApproval(override, now, actor)
				}
			default:
				a.ApplyDecline(models.DeclineAffordabilityFailed, now, id.System,
					"monthly payment "+schedule.MonthlyPayment.StringFixed(2)+" exceeds disposable income "+
						snap.DisposableIncome.StringFixed(2))
			}
		},
		func(ctx context.Context, a *models.Application) ([]audit.Event, error) {
			if err := s.store.SaveSnapshot(ctx, snap); err != nil {
				return nil, err
			}
			events := []audit.Event{{
				Timestamp:     now,
				ApplicationID: a.ID,
				EntityType:    "affordability_snapshot",
				EntityID:      snap.ID.String(),
				Action:        string(audit.EventAssessmentRecorded),
				Reason:        assessmentSummary(snap),
				ActorID:       id.System.String(),
			}}
			if usedOverride {
				events = append(events, audit.Event{
					Timestamp:     now,
					ApplicationID: a.ID,
					EntityType:    "application",
					EntityID:      a.ID.String(),
					Action:        string(audit.EventApplicationOverride),
					ToState:       string(models.StateApproved),
					Reason:        override.Reason,
					ActorID:       actor.String(),
				})
			}
			return events, nil
		},
	)
	if err != nil {
		return nil, err
	}

	if usedOverride {
		s.metrics.IncOverride()
	}
	s.metrics.ObserveAssessedPayment(schedule.MonthlyPayment.InexactFloat64())
	s.logger.InfoContext(ctx, "affordability assessed",
		"application_id", appID,
		"snapshot_id", snap.ID,
		"can_afford", snap.CanAfford,
		"monthly_payment", schedule.MonthlyPayment.StringFixed(2),
		"disposable_income", snap.DisposableIncome.StringFixed(2),
		"override", usedOverride,
		"reassessed", reassess,
		"state", result.State,
	)
	return result, nil
}

// checkAssessable admits a first assessment, or an operator re-assessment of
// an Approved application with no contract yet.
func checkAssessable(a *models.Application, reassess bool, actor id.Actor) error {
	if !reassess {
		return requireState(a, models.StateAffordabilityAssessment)
	}
	if !actor.IsOperator() {
		return dErrors.New(dErrors.CodeForbidden, "only operators may re-assess an approved application")
	}
	if !a.ContractID.IsNil() {
		return dErrors.New(dErrors.CodeInvalidTransition, "contract already drafted; application can no longer be re-assessed")
	}
	return nil
}

func (s *Service) compute(app *models.Application) (amortization.Schedule, amortization.Fees, affordability.Assessment, error) {
	schedule, err := amortization.ComputeSchedule(app.RequestedAmount, app.AnnualRatePercent, app.TermMonths)
	if err != nil {
		return amortization.Schedule{}, amortization.Fees{}, affordability.Assessment{}, err
	}
	fees, err := amortization.ComputeFees(app.RequestedAmount, app.TermMonths, s.policy.Fees)
	if err != nil {
		return amortization.Schedule{}, amortization.Fees{}, affordability.Assessment{}, err
	}
	assessment, err := affordability.Assess(affordability.Input{
		Income:            app.Income,
		Expenses:          app.Expenses,
		TermMonths:        app.TermMonths,
		AnnualRatePercent: app.AnnualRatePercent,
		ProposedPayment:   schedule.MonthlyPayment,
		MaxDebtToIncome:   s.policy.MaxDebtToIncome,
	})
	if err != nil {
		return amortization.Schedule{}, amortization.Fees{}, affordability.Assessment{}, err
	}
	return schedule, fees, assessment, nil
}

func assessmentSummary(snap *affordability.Snapshot) string {
	verdict := "cannot afford"
	if snap.CanAfford {
		verdict = "can afford"
	}
	return verdict + "; disposable " + snap.DisposableIncome.StringFixed(2) +
		"; max amount " + snap.MaxAffordableAmount.StringFixed(2)
}

// Schedule returns the repayment table for the application's requested terms.
func (s *Service) Schedule(ctx context.Context, appID id.ApplicationID) (amortization.Schedule, []amortization.Installment, error) {
	app, err := s.Get(ctx, appID)
	if err != nil {
		return amortization.Schedule{}, nil, err
	}
	schedule, err := amortization.ComputeSchedule(app.RequestedAmount, app.AnnualRatePercent, app.TermMonths)
	if err != nil {
		return amortization.Schedule{}, nil, err
	}
	rows, err := amortization.Installments(app.RequestedAmount, app.AnnualRatePercent, app.TermMonths)
	if err != nil {
		return amortization.Schedule{}, nil, err
	}
	return schedule, rows, nil
}
