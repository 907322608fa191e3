// Package service implements contract signing: drafting, sending, one-time
// PIN issuance and verification, cancellation and expiry.
//
// A contract shares its application's lock, so signing never races a
// transition of the owning application. PIN dispatch happens only after the
// issued PIN is durable and the lock is released.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"lendflow/internal/platform/lock"
	"lendflow/internal/ports"
	"lendflow/internal/signing/device"
	"lendflow/internal/signing/metrics"
	"lendflow/internal/signing/models"
	"lendflow/internal/signing/render"
	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
	"lendflow/pkg/platform/audit"
	"lendflow/pkg/platform/sentinel"
	"lendflow/pkg/platform/tx"
	"lendflow/pkg/requestcontext"
)

// Store persists contracts, PINs and signature records.
type Store interface {
	CreateContract(ctx context.Context, c *models.Contract) error
	FindContract(ctx context.Context, contractID id.ContractID) (*models.Contract, error)
	FindActiveByApplication(ctx context.Context, appID id.ApplicationID) (*models.Contract, error)
	ListByApplication(ctx context.Context, appID id.ApplicationID) ([]*models.Contract, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Contract, error)
	UpdateContract(ctx context.Context, c *models.Contract) error
	ReplacePin(ctx context.Context, pin *models.SigningPin) (int, error)
	FindOpenPin(ctx context.Context, contractID id.ContractID) (*models.SigningPin, error)
	UpdatePin(ctx context.Context, pin *models.SigningPin) error
	RecordDispatch(ctx context.Context, pinID id.PinID, status models.DispatchStatus, detail string) error
	InvalidateOpenPins(ctx context.Context, contractID id.ContractID, reason models.InvalidationReason, at time.Time) (int, error)
	ListPins(ctx context.Context, contractID id.ContractID) ([]*models.SigningPin, error)
	RecordSignature(ctx context.Context, c *models.Contract, pin *models.SigningPin, rec *models.SignatureRecord) error
	FindSignature(ctx context.Context, contractID id.ContractID) (*models.SignatureRecord, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// ExpiryListener is told about every contract that lapsed unsigned. It runs
// after the contract lock is released.
type ExpiryListener func(ctx context.Context, c *models.Contract)

// Config holds the signing protocol parameters.
type Config struct {
	PinTTL             time.Duration
	MaxAttempts        int
	HashCost           int
	WindowBusinessDays int
	DispatchTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.PinTTL <= 0 {
		c.PinTTL = 10 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.HashCost == 0 {
		c.HashCost = bcrypt.DefaultCost
	}
	if c.WindowBusinessDays <= 0 {
		c.WindowBusinessDays = 5
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 5 * time.Second
	}
}

type Service struct {
	store            Store
	locker           lock.Locker
	sender           ports.MessageSender
	renderer         *render.Renderer
	cfg              Config
	device           *device.Service
	tx               tx.Runner
	auditPublisher   AuditPublisher
	metrics          *metrics.Metrics
	logger           *slog.Logger
	onExpired        ExpiryListener
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

func WithTxRunner(runner tx.Runner) Option {
	return func(s *Service) {
		s.tx = runner
	}
}

func WithDeviceService(d *device.Service) Option {
	return func(s *Service) {
		s.device = d
	}
}

func WithExpiryListener(fn ExpiryListener) Option {
	return func(s *Service) {
		s.onExpired = fn
	}
}

// WithSweepParallelism bounds concurrent expirations in ExpireDue.
func WithSweepParallelism(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sweepParallelism = n
		}
	}
}

func New(store Store, locker lock.Locker, sender ports.MessageSender, renderer *render.Renderer, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("signing store is required")
	}
	if locker == nil {
		return nil, errors.New("locker is required")
	}
	if sender == nil {
		return nil, errors.New("message sender is required")
	}
	if renderer == nil {
		return nil, errors.New("contract renderer is required")
	}
	cfg.applyDefaults()
	if cfg.HashCost < bcrypt.MinCost || cfg.HashCost > bcrypt.MaxCost {
		return nil, errors.New("pin hash cost is out of range")
	}
	s := &Service{
		store:            store,
		locker:           locker,
		sender:           sender,
		renderer:         renderer,
		cfg:              cfg,
		device:           device.NewService(true),
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

// step is what an operation committed: the audit events to persist with it
// and, optionally, a refusal returned to the caller after the commit. Wrong
// PIN attempts are refusals whose counter update must still be saved.
type step struct {
	events  []audit.Event
	refusal error
}

const opExpireDue = "expire contract"

// withContract runs fn against the contract under its application lock, in
// one transaction. A contract past its window is expired instead and the
// caller gets onExpired.
func (s *Service) withContract(
	ctx context.Context,
	contractID id.ContractID,
	operation string,
	onExpired error,
	fn func(ctx context.Context, c *models.Contract, now time.Time) (step, error),
) (*models.Contract, error) {
	probe, err := s.store.FindContract(ctx, contractID)
	if err != nil {
		return nil, wrapStoreErr(err, operation)
	}

	result, lapsed, err := s.locked(ctx, probe.ApplicationID, contractID, operation, onExpired, fn)
	if lapsed != nil {
		s.notifyExpired(ctx, lapsed)
	}
	return result, err
}

func (s *Service) locked(
	ctx context.Context,
	appID id.ApplicationID,
	contractID id.ContractID,
	operation string,
	onExpired error,
	fn func(ctx context.Context, c *models.Contract, now time.Time) (step, error),
) (*models.Contract, *models.Contract, error) {
	release, err := s.locker.Lock(ctx, lock.ApplicationKey(appID))
	if err != nil {
		return nil, nil, err
	}
	defer release()

	now := requestcontext.Now(ctx)
	var (
		result  *models.Contract
		lapsed  bool
		refusal error
	)
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		c, err := s.store.FindContract(ctx, contractID)
		if err != nil {
			return err
		}
		var st step
		if c.IsDue(now) {
			st, err = s.expire(ctx, c, now)
			lapsed = true
			st.refusal = onExpired
		} else {
			st, err = fn(ctx, c, now)
		}
		if err != nil {
			return err
		}
		if err := s.emit(ctx, st.events...); err != nil {
			return err
		}
		result, refusal = c, st.refusal
		return nil
	})
	if err != nil {
		err = wrapStoreErr(err, operation)
		s.recordRejection(ctx, appID, contractID, operation, err)
		return nil, nil, err
	}

	var expired *models.Contract
	if lapsed {
		trigger := "access"
		if operation == opExpireDue {
			trigger = "sweep"
		}
		s.metrics.IncExpired(trigger)
		s.metrics.IncContract(string(models.ContractExpired))
		s.logger.InfoContext(ctx, "contract expired unsigned",
			"application_id", appID,
			"contract_id", contractID,
			"trigger", trigger,
		)
		expired = result.Clone()
	}
	if refusal != nil {
		if errors.Is(refusal, errNotDue) {
			return nil, expired, refusal
		}
		s.logger.WarnContext(ctx, "contract operation refused",
			"application_id", appID,
			"contract_id", contractID,
			"operation", operation,
			"error", refusal,
		)
		return nil, expired, refusal
	}
	return result, expired, nil
}

// expire moves an open contract past its window to Expired and closes its PIN.
func (s *Service) expire(ctx context.Context, c *models.Contract, now time.Time) (step, error) {
	from := c.State
	c.ApplyExpired(now)
	if err := s.store.UpdateContract(ctx, c); err != nil {
		return step{}, err
	}
	if _, err := s.store.InvalidateOpenPins(ctx, c.ID, models.InvalidatedExpired, now); err != nil {
		return step{}, err
	}
	return step{events: []audit.Event{
		contractEvent(c, audit.EventContractExpired, from, now, "signing window closed at "+c.ExpiresAt.UTC().Format(time.RFC3339)),
	}}, nil
}

func (s *Service) notifyExpired(ctx context.Context, c *models.Contract) {
	if s.onExpired == nil {
		return
	}
	s.onExpired(ctx, c)
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

// recordRejection logs and audits an operation that changed nothing.
func (s *Service) recordRejection(ctx context.Context, appID id.ApplicationID, contractID id.ContractID, operation string, err error) {
	code := dErrors.CodeOf(err)
	if code == dErrors.CodeNotFound {
		return
	}
	s.logger.WarnContext(ctx, "contract operation refused",
		"application_id", appID,
		"contract_id", contractID,
		"operation", operation,
		"error", err,
	)
	if emitErr := s.emit(ctx, audit.Event{
		ApplicationID: appID,
		EntityType:    "contract",
		EntityID:      contractID.String(),
		Action:        string(audit.EventTransitionRejected),
		ErrorKind:     string(code),
		Reason:        operation + ": " + dErrors.MessageOf(err),
	}); emitErr != nil {
		s.logger.ErrorContext(ctx, "failed to audit refused contract operation",
			"contract_id", contractID,
			"error", emitErr,
		)
	}
}

func contractEvent(c *models.Contract, action audit.AuditEvent, from models.ContractState, at time.Time, reason string) audit.Event {
	return audit.Event{
		Timestamp:     at,
		ApplicationID: c.ApplicationID,
		EntityType:    "contract",
		EntityID:      c.ID.String(),
		Action:        string(action),
		FromState:     string(from),
		ToState:       string(c.State),
		Reason:        reason,
	}
}

func pinEvent(c *models.Contract, pin *models.SigningPin, action audit.AuditEvent, at time.Time, kind dErrors.Code, reason string) audit.Event {
	return audit.Event{
		Timestamp:     at,
		ApplicationID: c.ApplicationID,
		EntityType:    "signing_pin",
		EntityID:      pin.ID.String(),
		Action:        string(action),
		ErrorKind:     string(kind),
		Reason:        reason,
	}
}

func wrapStoreErr(err error, operation string) error {
	var domainErr *dErrors.Error
	switch {
	case errors.As(err, &domainErr):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "contract not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "contract was modified concurrently")
	case errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CodeTimeout, operation+" timed out")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to "+operation)
	}
}
