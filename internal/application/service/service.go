package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"lendflow/internal/affordability"
	"lendflow/internal/amortization"
	"lendflow/internal/application/metrics"
	"lendflow/internal/application/models"
	"lendflow/internal/platform/lock"
	"lendflow/internal/ports"
	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
	"lendflow/pkg/platform/audit"
	"lendflow/pkg/platform/sentinel"
	"lendflow/pkg/platform/tx"
)

// Store persists applications and snapshots. Execute must run validate and
// mutate against the current record and commit with a version
// compare-and-set.
type Store interface {
	Create(ctx context.Context, app *models.Application) error
	FindByID(ctx context.Context, appID id.ApplicationID) (*models.Application, error)
	ListByState(ctx context.Context, states []models.State, limit int) ([]*models.Application, error)
	ListIdleSince(ctx context.Context, states []models.State, cutoff time.Time, limit int) ([]*models.Application, error)
	Execute(ctx context.Context, appID id.ApplicationID, validate func(*models.Application) error, mutate func(*models.Application)) (*models.Application, error)
	SaveSnapshot(ctx context.Context, snap *affordability.Snapshot) error
	FindSnapshot(ctx context.Context, snapshotID id.SnapshotID) (*affordability.Snapshot, error)
	ListSnapshots(ctx context.Context, appID id.ApplicationID) ([]*affordability.Snapshot, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// SignatureChecker answers whether a contract carries a signature record.
type SignatureChecker interface {
	IsSigned(ctx context.Context, contractID id.ContractID) (bool, error)
}

// PayoutLedger reports whether a payment for the application was started.
// A pending or confirmed attempt counts as started.
type PayoutLedger interface {
	PaymentStarted(ctx context.Context, appID id.ApplicationID) (bool, error)
}

// Verifiers are the two validation collaborators, called in order.
type Verifiers struct {
	Identity   ports.Verifier
	Employment ports.Verifier
}

// Policy holds the product parameters applied to new applications.
type Policy struct {
	AnnualRatePercent decimal.Decimal
	MaxDebtToIncome   decimal.Decimal
	Fees              amortization.FeePolicy
	MinAmount         decimal.Decimal
	MaxAmount         decimal.Decimal
	MaxTermMonths     int
	ApplicationTTL    time.Duration
}

// Service owns the application lifecycle. Every mutation runs under the
// per-application lock and records its audit events in the same transaction
// as the state change.
type Service struct {
	store            Store
	locker           lock.Locker
	verifiers        Verifiers
	signatures       SignatureChecker
	payouts          PayoutLedger
	policy           Policy
	tx               tx.Runner
	auditPublisher   AuditPublisher
	metrics          *metrics.Metrics
	logger           *slog.Logger
	sweepParallelism int
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTxRunner makes state changes and their audit events commit together.
func WithTxRunner(runner tx.Runner) Option {
	return func(s *Service) {
		s.tx = runner
	}
}

// WithPayoutLedger lets an application in PaymentProcessing be cancelled or
// expired until its payment starts. Without it those exits are refused.
func WithPayoutLedger(ledger PayoutLedger) Option {
	return func(s *Service) {
		s.payouts = ledger
	}
}

// WithSweepParallelism bounds concurrent expirations in ExpireStale.
func WithSweepParallelism(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sweepParallelism = n
		}
	}
}

func New(store Store, locker lock.Locker, verifiers Verifiers, signatures SignatureChecker, policy Policy, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("application store is required")
	}
	if locker == nil {
		return nil, errors.New("locker is required")
	}
	if verifiers.Identity == nil || verifiers.Employment == nil {
		return nil, errors.New("identity and employment verifiers are required")
	}
	if signatures == nil {
		return nil, errors.New("signature checker is required")
	}
	if policy.MaxDebtToIncome.IsZero() {
		policy.MaxDebtToIncome = affordability.DefaultMaxDebtToIncome
	}
	s := &Service{
		store:            store,
		locker:           locker,
		verifiers:        verifiers,
		signatures:       signatures,
		policy:           policy,
		tx:               tx.Nop{},
		sweepParallelism: 4,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s, nil
}

// change runs one state change under the application lock. after runs in
// the same transaction once the store committed the change and returns any
// audit events beyond the transition history.
func (s *Service) change(
	ctx context.Context,
	appID id.ApplicationID,
	operation string,
	validate func(*models.Application) error,
	mutate func(*models.Application),
	after func(ctx context.Context, app *models.Application) ([]audit.Event, error),
) (*models.Application, error) {
	release, err := s.locker.Lock(ctx, lock.ApplicationKey(appID))
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		result  *models.Application
		history int
	)
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		app, err := s.store.Execute(ctx, appID,
			func(a *models.Application) error {
				history = len(a.Transitions)
				return validate(a)
			},
			mutate,
		)
		if err != nil {
			return err
		}
		events := transitionEvents(app, app.Transitions[history:])
		if after != nil {
			extra, err := after(ctx, app)
			if err != nil {
				return err
			}
			events = append(events, extra...)
		}
		if err := s.emit(ctx, events...); err != nil {
			return err
		}
		result = app
		return nil
	})
	if err != nil {
		err = wrapStoreErr(err, operation)
		s.recordRejection(ctx, appID, operation, err)
		return nil, err
	}

	for _, t := range result.Transitions[history:] {
		s.metrics.IncTransition(string(t.From), string(t.To))
		if t.To == models.StateDeclined {
			s.metrics.IncDecline(string(result.DeclineReason))
		}
		s.logger.InfoContext(ctx, "application transitioned",
			"application_id", appID,
			"from", t.From,
			"to", t.To,
			"actor", t.Actor.String(),
			"reason", t.Reason,
		)
	}
	return result, nil
}

func (s *Service) emit(ctx context.Context, events ...audit.Event) error {
	if s.auditPublisher == nil {
		return nil
	}
	for _, ev := range events {
		if err := s.auditPublisher.Emit(ctx, ev); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record audit event")
		}
	}
	return nil
}

// recordRejection audits a refused operation. The refusal is already being
// returned to the caller, so a failure to audit it is logged.
func (s *Service) recordRejection(ctx context.Context, appID id.ApplicationID, operation string, err error) {
	code := dErrors.CodeOf(err)
	s.metrics.IncRejected(string(code))
	if code == dErrors.CodeNotFound {
		return
	}
	s.logger.WarnContext(ctx, "application operation refused",
		"application_id", appID,
		"operation", operation,
		"error", err,
	)
	if emitErr := s.emit(ctx, audit.Event{
		ApplicationID: appID,
		EntityType:    "application",
		EntityID:      appID.String(),
		Action:        string(audit.EventTransitionRejected),
		ErrorKind:     string(code),
		Reason:        operation + ": " + dErrors.MessageOf(err),
	}); emitErr != nil {
		s.logger.ErrorContext(ctx, "failed to audit refused operation",
			"application_id", appID,
			"operation", operation,
			"error", emitErr,
		)
	}
}

func transitionEvents(app *models.Application, transitions []models.Transition) []audit.Event {
	events := make([]audit.Event, 0, len(transitions))
	for _, t := range transitions {
		ev := audit.Event{
			Timestamp:     t.At,
			ApplicationID: app.ID,
			EntityType:    "application",
			EntityID:      app.ID.String(),
			Action:        string(audit.EventApplicationTransited),
			FromState:     string(t.From),
			ToState:       string(t.To),
			Reason:        t.Reason,
			ActorID:       t.Actor.String(),
		}
		if t.To == models.StateDeclined {
			ev.ErrorKind = string(app.DeclineReason)
		}
		events = append(events, ev)
	}
	return events
}

func wrapStoreErr(err error, operation string) error {
	var domainErr *dErrors.Error
	switch {
	case errors.As(err, &domainErr):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "application not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "application was modified concurrently")
	case errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CodeTimeout, operation+" timed out")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to "+operation)
	}
}

func requireState(a *models.Application, want models.State) error {
	if a.State != want {
		if a.State.IsTerminal() {
			return dErrors.Newf(dErrors.CodeInvalidTransition, "application is %s and can no longer change", a.State)
		}
		return dErrors.Newf(dErrors.CodeInvalidTransition, "application is %s, expected %s", a.State, want)
	}
	return nil
}
