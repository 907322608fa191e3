package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"lendflow/internal/platform/lock"
	"lendflow/internal/signing/models"
	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
	"lendflow/pkg/platform/audit"
	"lendflow/pkg/platform/sentinel"
	"lendflow/pkg/requestcontext"
)

// CreateDraft renders and stores a Draft contract for an approved
// application. It fails with Conflict while the application has another
// active contract.
func (s *Service) CreateDraft(ctx context.Context, appID id.ApplicationID, terms models.Terms) (*models.Contract, error) {
	if err := terms.Validate(); err != nil {
		return nil, err
	}
	terms.Phone = id.NormalizePhone(terms.Phone)

	release, err := s.locker.Lock(ctx, lock.ApplicationKey(appID))
	if err != nil {
		return nil, err
	}
	defer release()

	now := requestcontext.Now(ctx)
	contractID := id.NewContractID()
	var draft *models.Contract
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		existing, err := s.store.FindActiveByApplication(ctx, appID)
		switch {
		case err == nil:
			return dErrors.Newf(dErrors.CodeConflict, "application already has %s contract %s", existing.State, existing.ID)
		case !errors.Is(err, sentinel.ErrNotFound):
			return err
		}

		content, hash, err := s.renderer.Render(contractID.String(), terms, now)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to render contract")
		}
		draft, err = models.NewDraft(contractID, appID, terms, content, hash, now,
			models.AddBusinessDays(now, s.cfg.WindowBusinessDays))
		if err != nil {
			return err
		}
		if err := s.store.CreateContract(ctx, draft); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.Wrap(err, dErrors.CodeConflict, "application already has an active contract")
			}
			return err
		}
		return s.emit(ctx, contractEvent(draft, audit.EventContractDrafted, "", now, "content hash "+hash))
	})
	if err != nil {
		err = wrapStoreErr(err, "create contract")
		s.recordRejection(ctx, appID, contractID, "create contract", err)
		return nil, err
	}

	s.metrics.IncContract(string(models.ContractDraft))
	s.logger.InfoContext(ctx, "contract drafted",
		"application_id", appID,
		"contract_id", draft.ID,
		"content_hash", draft.ContentHash,
	)
	return draft, nil
}

// Send re-renders a Draft with the send date, moves it to Sent and starts
// the business-day signing window. An empty phone keeps the applicant's.
func (s *Service) Send(ctx context.Context, contractID id.ContractID, phone string) (*models.Contract, error) {
	phone = id.NormalizePhone(phone)
	expired := dErrors.New(dErrors.CodeContractNotSendable, "contract expired before it was sent")
	c, err := s.withContract(ctx, contractID, "send contract", expired,
		func(ctx context.Context, c *models.Contract, now time.Time) (step, error) {
			if err := c.CanSend(); err != nil {
				return step{}, err
			}
			content, hash, err := s.renderer.Render(c.ID.String(), c.Terms, now)
			if err != nil {
				return step{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to render contract")
			}
			from := c.State
			c.ApplySend(content, hash, phone, now, models.AddBusinessDays(now, s.cfg.WindowBusinessDays))
			if c.Phone == "" {
				return step{}, dErrors.New(dErrors.CodeInvalidInput, "a destination phone is required")
			}
			if err := s.store.UpdateContract(ctx, c); err != nil {
				return step{}, err
			}
			return step{events: []audit.Event{
				contractEvent(c, audit.EventContractSent, from, now, "expires "+c.ExpiresAt.UTC().Format(time.RFC3339)),
			}}, nil
		},
	)
	if err != nil {
		return nil, err
	}
	s.metrics.IncContract(string(models.ContractSent))
	s.logger.InfoContext(ctx, "contract sent",
		"application_id", c.ApplicationID,
		"contract_id", c.ID,
		"expires_at", c.ExpiresAt,
	)
	return c, nil
}

// Cancel closes a Draft or Sent contract and invalidates its PIN.
func (s *Service) Cancel(ctx context.Context, contractID id.ContractID, note string) (*models.Contract, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		note = "cancelled by " + requestcontext.ActorOrSystem(ctx).String()
	}
	expired := dErrors.New(dErrors.CodeInvalidTransition, "contract already expired")
	c, err := s.withContract(ctx, contractID, "cancel contract", expired,
		func(ctx context.Context, c *models.Contract, now time.Time) (step, error) {
			if err := c.CanClose(); err != nil {
				return step{}, err
			}
			from := c.State
			c.ApplyCancelled(now)
			if err := s.store.UpdateContract(ctx, c); err != nil {
				return step{}, err
			}
			if _, err := s.store.InvalidateOpenPins(ctx, c.ID, models.InvalidatedContractClosed, now); err != nil {
				return step{}, err
			}
			return step{events: []audit.Event{contractEvent(c, audit.EventContractCancelled, from, now, note)}}, nil
		},
	)
	if err != nil {
		return nil, err
	}
	s.metrics.IncContract(string(models.ContractCancelled))
	s.logger.InfoContext(ctx, "contract cancelled", "application_id", c.ApplicationID, "contract_id", c.ID)
	return c, nil
}

// Get returns the contract, expiring it first if its window has closed.
func (s *Service) Get(ctx context.Context, contractID id.ContractID) (*models.Contract, error) {
	c, err := s.store.FindContract(ctx, contractID)
	if err != nil {
		return nil, wrapStoreErr(err, "load contract")
	}
	if !c.IsDue(requestcontext.Now(ctx)) {
		return c, nil
	}
	return s.expireIfDue(ctx, contractID, "expire contract on access")
}

// ActiveContract returns the application's Draft, Sent or Signed contract.
func (s *Service) ActiveContract(ctx context.Context, appID id.ApplicationID) (*models.Contract, error) {
	c, err := s.store.FindActiveByApplication(ctx, appID)
	if err != nil {
		return nil, wrapStoreErr(err, "load active contract")
	}
	return s.Get(ctx, c.ID)
}

func (s *Service) ListByApplication(ctx context.Context, appID id.ApplicationID) ([]*models.Contract, error) {
	contracts, err := s.store.ListByApplication(ctx, appID)
	if err != nil {
		return nil, wrapStoreErr(err, "list contracts")
	}
	return contracts, nil
}

// Pins lists every PIN ever issued for the contract, oldest first.
func (s *Service) Pins(ctx context.Context, contractID id.ContractID) ([]*models.SigningPin, error) {
	pins, err := s.store.ListPins(ctx, contractID)
	if err != nil {
		return nil, wrapStoreErr(err, "list pins")
	}
	return pins, nil
}

func (s *Service) GetSignature(ctx context.Context, contractID id.ContractID) (*models.SignatureRecord, error) {
	rec, err := s.store.FindSignature(ctx, contractID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "contract has no signature")
		}
		return nil, wrapStoreErr(err, "load signature")
	}
	return rec, nil
}

// IsSigned reports whether the contract is Signed and carries its signature
// record. A record without the state, or the reverse, is an invariant
// violation.
func (s *Service) IsSigned(ctx context.Context, contractID id.ContractID) (bool, error) {
	c, err := s.store.FindContract(ctx, contractID)
	if err != nil {
		return false, wrapStoreErr(err, "load contract")
	}
	_, err = s.store.FindSignature(ctx, contractID)
	hasRecord := err == nil
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return false, wrapStoreErr(err, "load signature")
	}
	if hasRecord != (c.State == models.ContractSigned) {
		s.logger.ErrorContext(ctx, "contract state and signature record disagree",
			"contract_id", contractID,
			"state", c.State,
			"has_signature", hasRecord,
		)
		return false, dErrors.New(dErrors.CodeInvariantViolation, "contract state and signature record disagree")
	}
	return hasRecord, nil
}

var errNotDue = dErrors.New(dErrors.CodeConflict, "contract is not due for expiry")

// expireIfDue expires the contract when its window has closed at the request
// time. A contract that was signed or resent in the meantime is returned
// unchanged.
func (s *Service) expireIfDue(ctx context.Context, contractID id.ContractID, operation string) (*models.Contract, error) {
	c, err := s.withContract(ctx, contractID, operation, nil,
		func(context.Context, *models.Contract, time.Time) (step, error) {
			return step{refusal: errNotDue}, nil
		},
	)
	if errors.Is(err, errNotDue) {
		c, err = s.store.FindContract(ctx, contractID)
		if err != nil {
			return nil, wrapStoreErr(err, "load contract")
		}
		return c, nil
	}
	return c, err
}

// ExpireDue expires open contracts whose window closed by now, at most limit
// of them, in bounded parallel. It returns how many it expired.
func (s *Service) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	ctx = requestcontext.WithTime(ctx, now)
	due, err := s.store.ListDue(ctx, now, limit)
	if err != nil {
		return 0, wrapStoreErr(err, "list due contracts")
	}

	expired := make([]bool, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.sweepParallelism)
	for i, candidate := range due {
		g.Go(func() error {
			c, err := s.withContract(gctx, candidate.ID, opExpireDue, nil,
				func(context.Context, *models.Contract, time.Time) (step, error) {
					return step{refusal: errNotDue}, nil
				},
			)
			switch {
			case err == nil:
				expired[i] = c.State == models.ContractExpired
			case dErrors.HasCode(err, dErrors.CodeConflict):
				s.logger.DebugContext(gctx, "due contract skipped", "contract_id", candidate.ID, "error", err)
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
	return count, err
}
