package service

import (
	"context"

	"lendflow/internal/application/models"
	"lendflow/internal/ports"
	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
	"lendflow/pkg/platform/audit"
	"lendflow/pkg/requestcontext"
)

type verificationStep struct {
	name     string
	phase    models.State
	next     models.State
	verifier ports.Verifier
	decline  models.DeclineReason
}

func (s *Service) steps() map[models.State]verificationStep {
	return map[models.State]verificationStep{
		models.StateValidatingIdentity: {
			name:     "identity",
			phase:    models.StateValidatingIdentity,
			next:     models.StateValidatingEmployment,
			verifier: s.verifiers.Identity,
			decline:  models.DeclineIdentityVerificationFailed,
		},
		models.StateValidatingEmployment: {
			name:     "employment",
			phase:    models.StateValidatingEmployment,
			next:     models.StateAffordabilityAssessment,
			verifier: s.verifiers.Employment,
			decline:  models.DeclineEmploymentVerificationFailed,
		},
	}
}

// RunValidation drives PendingValidation through identity and employment
// verification to AffordabilityAssessment. Verifiers are called without the
// application lock held; each result is committed only if the application is
// still in the phase that requested it. A failed or timed-out check declines
// the application and returns CodeVerificationFailed. An application left
// mid-validation resumes at its current phase.
func (s *Service) RunValidation(ctx context.Context, appID id.ApplicationID) (*models.Application, error) {
	app, err := s.Get(ctx, appID)
	if err != nil {
		return nil, err
	}
	steps := s.steps()

	switch app.State {
	case models.StatePendingValidation, models.StateValidatingIdentity, models.StateValidatingEmployment:
	default:
		err := dErrors.Newf(dErrors.CodeInvalidTransition, "application is %s and is not awaiting validation", app.State)
		s.recordRejection(ctx, appID, "run validation", err)
		return nil, err
	}

	for {
		switch app.State {
		case models.StatePendingValidation:
			now := requestcontext.Now(ctx)
			app, err = s.change(ctx, appID, "start validation",
				func(a *models.Application) error {
					if err := requireState(a, models.StatePendingValidation); err != nil {
						return err
					}
					return a.CanTransitionTo(models.StateValidatingIdentity)
				},
				func(a *models.Application) {
					a.ApplyTransition(models.StateValidatingIdentity, now, id.System, "validation started")
				},
				nil,
			)
			if err != nil {
				return nil, err
			}
		case models.StateValidatingIdentity, models.StateValidatingEmployment:
			app, err = s.verify(ctx, app, steps[app.State])
			if err != nil {
				return app, err
			}
		default:
			return app, nil
		}
	}
}

func (s *Service) verify(ctx context.Context, app *models.Application, step verificationStep) (*models.Application, error) {
	result, callErr := step.verifier.Verify(ctx, app.Applicant)
	passed := callErr == nil && result.Passed

	detail := result.Details
	kind := dErrors.CodeVerificationFailed
	if callErr != nil {
		detail = callErr.Error()
		kind = dErrors.CodeOf(callErr)
		s.logger.WarnContext(ctx, "verification call failed",
			"application_id", app.ID,
			"verifier", step.name,
			"error", callErr,
		)
	}

	now := requestcontext.Now(ctx)
	inPhase := func(a *models.Application) error {
		if a.State != step.phase {
			return dErrors.Newf(dErrors.CodeConflict, "application moved to %s during %s verification", a.State, step.name)
		}
		return nil
	}

	if passed {
		return s.change(ctx, app.ID, step.name+" verification",
			func(a *models.Application) error {
				if err := inPhase(a); err != nil {
					return err
				}
				return a.CanTransitionTo(step.next)
			},
			func(a *models.Application) {
				a.ApplyTransition(step.next, now, id.System, step.name+" verified")
			},
			nil,
		)
	}

	declined, err := s.change(ctx, app.ID, step.name+" verification",
		func(a *models.Application) error {
			if err := inPhase(a); err != nil {
				return err
			}
			return a.CanTransitionTo(models.StateDeclined)
		},
		func(a *models.Application) {
			note := step.name + " verification failed"
			if detail != "" {
				note += ": " + detail
			}
			a.ApplyDecline(step.decline, now, id.System, note)
		},
		func(_ context.Context, a *models.Application) ([]audit.Event, error) {
			return []audit.Event{{
				Timestamp:     now,
				ApplicationID: a.ID,
				EntityType:    "application",
				EntityID:      a.ID.String(),
				Action:        string(audit.EventVerificationFailed),
				ErrorKind:     string(kind),
				Reason:        step.name + ": " + detail,
				ActorID:       id.System.String(),
			}}, nil
		},
	)
	if err != nil {
		return nil, err
	}
	if callErr != nil {
		return declined, dErrors.Wrap(callErr, dErrors.CodeVerificationFailed, step.name+" verification failed")
	}
	return declined, dErrors.New(dErrors.CodeVerificationFailed, step.name+" verification failed")
}
