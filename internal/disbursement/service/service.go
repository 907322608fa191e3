// Package service pays out signed contracts and keeps the attempt ledger.
//
// The application lock is held across the payment call so two payouts of one
// contract can never overlap. Every attempt carries the reference
// "<contract id>-<attempt>", which the payment collaborator treats as an
// idempotency key.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	appmodels "lendflow/internal/application/models"
	"lendflow/internal/disbursement/metrics"
	"lendflow/internal/disbursement/models"
	"lendflow/internal/platform/lock"
	"lendflow/internal/ports"
	signmodels "lendflow/internal/signing/models"
	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
	"lendflow/pkg/platform/audit"
	"lendflow/pkg/platform/sentinel"
	"lendflow/pkg/platform/tx"
	"lendflow/pkg/requestcontext"
)

type Store interface {
	Create(ctx context.Context, d *models.Disbursement) error
	Update(ctx context.Context, d *models.Disbursement) error
	ListByApplication(ctx context.Context, appID id.ApplicationID) ([]*models.Disbursement, error)
	ListByContract(ctx context.Context, contractID id.ContractID) ([]*models.Disbursement, error)
}

// Applications reads applications without taking their lock.
type Applications interface {
	Get(ctx context.Context, appID id.ApplicationID) (*appmodels.Application, error)
}

// Contracts answers questions about contracts without taking their lock.
type Contracts interface {
	Get(ctx context.Context, contractID id.ContractID) (*signmodels.Contract, error)
	IsSigned(ctx context.Context, contractID id.ContractID) (bool, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

const (
	triggerAutomatic = "automatic"
	triggerRetry     = "retry"
)

type Service struct {
	store          Store
	locker         lock.Locker
	applications   Applications
	contracts      Contracts
	gateway        ports.PaymentGateway
	timeout        time.Duration
	tx             tx.Runner
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
	logger         *slog.Logger
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

func WithTxRunner(runner tx.Runner) Option {
	return func(s *Service) {
		s.tx = runner
	}
}

// WithPaymentTimeout bounds each gateway call. Defaults to 15s.
func WithPaymentTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func New(store Store, locker lock.Locker, applications Applications, contracts Contracts, gateway ports.PaymentGateway, opts ...Option) (*Service, error) {
	switch {
	case store == nil:
		return nil, errors.New("disbursement store is required")
	case locker == nil:
		return nil, errors.New("locker is required")
	case applications == nil:
		return nil, errors.New("application reader is required")
	case contracts == nil:
		return nil, errors.New("contract reader is required")
	case gateway == nil:
		return nil, errors.New("payment gateway is required")
	}
	s := &Service{
		store:        store,
		locker:       locker,
		applications: applications,
		contracts:    contracts,
		gateway:      gateway,
		timeout:      15 * time.Second,
		tx:           tx.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s, nil
}

// Disburse pays out the application's signed contract. The application must
// be in PaymentProcessing. A confirmed payment returns the record; anything
// else returns the failed record together with a DisbursementFailed error.
// The caller moves the application to its final state.
func (s *Service) Disburse(ctx context.Context, appID id.ApplicationID) (*models.Disbursement, error) {
	release, err := s.locker.Lock(ctx, lock.ApplicationKey(appID))
	if err != nil {
		return nil, err
	}
	defer release()

	app, err := s.applications.Get(ctx, appID)
	if err != nil {
		return nil, err
	}
	if app.State != appmodels.StatePaymentProcessing {
		return nil, dErrors.Newf(dErrors.CodeInvalidTransition, "application is %s, expected %s", app.State, appmodels.StatePaymentProcessing)
	}
	return s.pay(ctx, app, app.ContractID, triggerAutomatic)
}

// Retry makes a manual payment attempt for a contract whose automatic payout
// failed. Only operators may retry. The application stays Declined; the
// attempt is recorded in the ledger.
func (s *Service) Retry(ctx context.Context, contractID id.ContractID) (*models.Disbursement, error) {
	actor := requestcontext.Actor(ctx)
	if !actor.IsOperator() {
		return nil, dErrors.New(dErrors.CodeForbidden, "only operators may retry a disbursement")
	}
	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}

	release, err := s.locker.Lock(ctx, lock.ApplicationKey(c.ApplicationID))
	if err != nil {
		return nil, err
	}
	defer release()

	app, err := s.applications.Get(ctx, c.ApplicationID)
	if err != nil {
		return nil, err
	}
	if app.State != appmodels.StateDeclined || app.DeclineReason != appmodels.DeclineDisbursementFailed {
		return nil, dErrors.New(dErrors.CodeInvalidTransition, "retry is only possible after a failed disbursement")
	}
	return s.pay(ctx, app, contractID, triggerRetry)
}

// List returns the application's payment attempts, oldest first.
func (s *Service) List(ctx context.Context, appID id.ApplicationID) ([]*models.Disbursement, error) {
	if _, err := s.applications.Get(ctx, appID); err != nil {
		return nil, err
	}
	records, err := s.store.ListByApplication(ctx, appID)
	if err != nil {
		return nil, wrapStoreErr(err, "list disbursements")
	}
	return records, nil
}

// pay runs one attempt. The caller holds the application lock.
func (s *Service) pay(ctx context.Context, app *appmodels.Application, contractID id.ContractID, trigger string) (*models.Disbursement, error) {
	if contractID.IsNil() || app.ContractID != contractID {
		return nil, dErrors.New(dErrors.CodeConflict, "contract does not belong to this application")
	}
	signed, err := s.contracts.IsSigned(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !signed {
		return nil, dErrors.New(dErrors.CodeInvalidTransition, "contract is not signed")
	}

	attempt, err := s.openAttempt(ctx, app, contractID, trigger)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	res, callErr := s.gateway.Disburse(pctx, app.BankAccount, attempt.Amount, attempt.Reference)
	cancel()

	now := requestcontext.Now(ctx)
	event := audit.Event{
		Timestamp:     now,
		ApplicationID: app.ID,
		EntityType:    "disbursement",
		EntityID:      attempt.ID.String(),
	}
	var failure error
	switch {
	case callErr != nil:
		kind := dErrors.CodeOf(callErr)
		if errors.Is(callErr, context.DeadlineExceeded) {
			kind = dErrors.CodeTimeout
		}
		attempt.Fail(string(kind)+": "+callErr.Error(), now)
		failure = dErrors.Wrap(callErr, dErrors.CodeDisbursementFailed, "payment call failed")
		event.ErrorKind = string(kind)
	case !res.Confirmed:
		attempt.Fail(res.FailureReason, now)
		failure = dErrors.New(dErrors.CodeDisbursementFailed, "payment was not confirmed: "+attempt.FailureReason)
		event.ErrorKind = string(dErrors.CodeDisbursementFailed)
	default:
		attempt.Confirm(res.ProviderRef, now)
	}
	event.ToState = string(attempt.Status)
	event.Reason = attempt.Reference
	if failure != nil {
		event.Action = string(audit.EventDisbursementFailed)
		event.Reason += ": " + attempt.FailureReason
	} else {
		event.Action = string(audit.EventDisbursementConfirmed)
	}

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.Update(ctx, attempt); err != nil {
			return err
		}
		return s.emit(ctx, event)
	})
	if err != nil {
		// The gateway already answered; the pending row is resumed with the
		// same reference on the next attempt.
		s.logger.ErrorContext(ctx, "failed to record payment outcome",
			"application_id", app.ID,
			"reference", attempt.Reference,
			"status", attempt.Status,
			"error", err,
		)
		return nil, wrapStoreErr(err, "record payment outcome")
	}

	s.metrics.IncAttempt(string(attempt.Status), trigger)
	if failure != nil {
		s.logger.WarnContext(ctx, "disbursement failed",
			"application_id", app.ID,
			"contract_id", contractID,
			"reference", attempt.Reference,
			"reason", attempt.FailureReason,
		)
		return attempt, failure
	}
	s.metrics.ObserveAmount(attempt.Amount.InexactFloat64())
	s.logger.InfoContext(ctx, "disbursement confirmed",
		"application_id", app.ID,
		"contract_id", contractID,
		"reference", attempt.Reference,
		"amount", attempt.Amount.StringFixed(2),
	)
	return attempt, nil
}

// openAttempt returns the pending attempt left by an interrupted payout, or
// records a new one. A contract that was already paid out is refused.
func (s *Service) openAttempt(ctx context.Context, app *appmodels.Application, contractID id.ContractID, trigger string) (*models.Disbursement, error) {
	history, err := s.store.ListByContract(ctx, contractID)
	if err != nil {
		return nil, wrapStoreErr(err, "list disbursements")
	}
	for _, d := range history {
		switch d.Status {
		case models.StatusConfirmed:
			return nil, dErrors.Newf(dErrors.CodeConflict, "contract was already paid out by %s", d.Reference)
		case models.StatusPending:
			s.logger.InfoContext(ctx, "resuming interrupted disbursement", "reference", d.Reference)
			return d, nil
		case models.StatusFailed:
		}
	}

	now := requestcontext.Now(ctx)
	actor := requestcontext.ActorOrSystem(ctx)
	attempt := models.NewPending(app.ID, contractID, len(history)+1, app.RequestedAmount, app.BankAccount, actor.String(), now)
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, attempt); err != nil {
			return err
		}
		return s.emit(ctx, audit.Event{
			Timestamp:     now,
			ApplicationID: app.ID,
			EntityType:    "disbursement",
			EntityID:      attempt.ID.String(),
			Action:        string(audit.EventDisbursementRequested),
			ToState:       string(models.StatusPending),
			Reason:        trigger + " " + attempt.Reference + " " + attempt.Amount.StringFixed(2),
			ActorID:       actor.String(),
		})
	})
	if err != nil {
		return nil, wrapStoreErr(err, "record payment attempt")
	}
	return attempt, nil
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

func wrapStoreErr(err error, operation string) error {
	var domainErr *dErrors.Error
	switch {
	case errors.As(err, &domainErr):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "disbursement not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "disbursement conflicts with an existing attempt")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to "+operation)
	}
}
