package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"lendflow/internal/signing/device"
	"lendflow/internal/signing/models"
	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
	"lendflow/pkg/platform/audit"
	"lendflow/pkg/platform/sentinel"
	"lendflow/pkg/requestcontext"
)

var pinSpace = big.NewInt(1_000_000)

// generateCode returns a uniformly random six-digit code, leading zeros kept.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, pinSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// digitsOnly strips everything but ASCII digits, so "123 456" and
// "123-456" are accepted.
func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IssuePin creates a fresh PIN for a Sent contract, invalidating any PIN still
// open, and dispatches it once the issue is committed. A failed dispatch is
// recorded on the returned PIN and does not undo the issue. An empty phone
// uses the contract's.
func (s *Service) IssuePin(ctx context.Context, contractID id.ContractID, phone string) (*models.SigningPin, error) {
	code, err := generateCode()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate signing pin")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cfg.HashCost)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash signing pin")
	}
	phone = id.NormalizePhone(phone)
	fingerprint := s.device.ComputeFingerprint(requestcontext.UserAgent(ctx))

	var pin *models.SigningPin
	expired := dErrors.New(dErrors.CodeContractNotSendable, "contract signing window has closed")
	c, err := s.withContract(ctx, contractID, "issue signing pin", expired,
		func(ctx context.Context, c *models.Contract, now time.Time) (step, error) {
			if err := c.CanIssuePin(); err != nil {
				return step{}, err
			}
			dest := phone
			if dest == "" {
				dest = c.Phone
			}
			if dest == "" {
				return step{}, dErrors.New(dErrors.CodeInvalidInput, "a destination phone is required")
			}
			pin = &models.SigningPin{
				ID:                id.NewPinID(),
				ContractID:        c.ID,
				CodeHash:          hash,
				Phone:             dest,
				IssuedAt:          now,
				ExpiresAt:         now.Add(s.cfg.PinTTL),
				DispatchStatus:    models.DispatchPending,
				DeviceFingerprint: fingerprint,
			}
			superseded, err := s.store.ReplacePin(ctx, pin)
			if err != nil {
				return step{}, err
			}
			reason := "expires " + pin.ExpiresAt.UTC().Format(time.RFC3339)
			if superseded > 0 {
				reason += fmt.Sprintf(", superseded %d pin(s)", superseded)
			}
			return step{events: []audit.Event{pinEvent(c, pin, audit.EventPinIssued, now, "", reason)}}, nil
		},
	)
	if err != nil {
		return nil, err
	}
	s.metrics.IncPinIssued()
	s.logger.InfoContext(ctx, "signing pin issued",
		"application_id", c.ApplicationID,
		"contract_id", c.ID,
		"pin_id", pin.ID,
		"expires_at", pin.ExpiresAt,
	)

	s.dispatch(ctx, c, pin, code)
	return pin, nil
}

// dispatch hands the code to the messaging collaborator. It runs without the
// application lock and records the outcome on the PIN.
func (s *Service) dispatch(ctx context.Context, c *models.Contract, pin *models.SigningPin, code string) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	res, err := s.sender.SendPin(dctx, pin.Phone, code)
	cancel()

	pin.DispatchStatus, pin.DispatchError = models.DispatchSent, ""
	switch {
	case err != nil:
		pin.DispatchStatus, pin.DispatchError = models.DispatchFailed, err.Error()
	case !res.Accepted:
		pin.DispatchStatus, pin.DispatchError = models.DispatchFailed, "message not accepted by provider"
	}

	if recErr := s.store.RecordDispatch(ctx, pin.ID, pin.DispatchStatus, pin.DispatchError); recErr != nil {
		s.logger.ErrorContext(ctx, "failed to record pin dispatch",
			"contract_id", c.ID,
			"pin_id", pin.ID,
			"error", recErr,
		)
	}
	if pin.DispatchStatus == models.DispatchSent {
		s.logger.DebugContext(ctx, "signing pin dispatched", "pin_id", pin.ID, "provider_id", res.ProviderID)
		return
	}

	kind := dErrors.CodeUnavailable
	if errors.Is(err, context.DeadlineExceeded) || dErrors.HasCode(err, dErrors.CodeTimeout) {
		kind = dErrors.CodeTimeout
	}
	s.metrics.IncDispatchFailure()
	s.logger.WarnContext(ctx, "signing pin dispatch failed",
		"application_id", c.ApplicationID,
		"contract_id", c.ID,
		"pin_id", pin.ID,
		"error", pin.DispatchError,
	)
	if emitErr := s.emit(ctx, pinEvent(c, pin, audit.EventPinDispatchFailed, requestcontext.Now(ctx), kind, pin.DispatchError)); emitErr != nil {
		s.logger.ErrorContext(ctx, "failed to audit pin dispatch failure", "pin_id", pin.ID, "error", emitErr)
	}
}

// VerifyRequest is a signing attempt. PinID, when set, names the PIN the
// applicant is answering; a PIN replaced since then counts as expired.
type VerifyRequest struct {
	Code  string
	PinID id.PinID
}

// VerifyPin checks the submitted code against the contract's live PIN. On a
// match the PIN is consumed, the signature record is written and the contract
// becomes Signed in one commit. Wrong codes count against the PIN; the last
// allowed failure invalidates it.
func (s *Service) VerifyPin(ctx context.Context, contractID id.ContractID, req VerifyRequest) (*models.SignatureRecord, error) {
	submitted := digitsOnly(req.Code)
	userAgent := requestcontext.UserAgent(ctx)
	fingerprint := s.device.ComputeFingerprint(userAgent)

	var (
		record *models.SignatureRecord
		drift  bool
	)
	outcome := "error"
	expired := dErrors.New(dErrors.CodePinExpired, "contract signing window has closed")
	c, err := s.withContract(ctx, contractID, "verify signing pin", expired,
		func(ctx context.Context, c *models.Contract, now time.Time) (step, error) {
			if err := c.CanSign(); err != nil {
				return step{}, err
			}
			pin, err := s.store.FindOpenPin(ctx, c.ID)
			if errors.Is(err, sentinel.ErrNotFound) {
				outcome = "no_pin"
				return step{refusal: dErrors.New(dErrors.CodePinExpired, "no live signing pin, request a new one")}, nil
			}
			if err != nil {
				return step{}, err
			}
			if !req.PinID.IsNil() && req.PinID != pin.ID {
				outcome = "superseded"
				refusal := dErrors.New(dErrors.CodePinExpired, "signing pin was replaced by a newer one")
				return step{
					events:  []audit.Event{pinEvent(c, pin, audit.EventPinExpired, now, dErrors.CodePinExpired, "answered superseded pin "+req.PinID.String())},
					refusal: refusal,
				}, nil
			}
			if !pin.IsLive(now) {
				outcome = "expired"
				pin.Invalidate(models.InvalidatedExpired, now)
				if err := s.store.UpdatePin(ctx, pin); err != nil {
					return step{}, err
				}
				return step{
					events:  []audit.Event{pinEvent(c, pin, audit.EventPinExpired, now, dErrors.CodePinExpired, "pin expired at "+pin.ExpiresAt.UTC().Format(time.RFC3339))},
					refusal: dErrors.New(dErrors.CodePinExpired, "signing pin has expired, request a new one"),
				}, nil
			}

			if len(submitted) != models.PinLength || bcrypt.CompareHashAndPassword(pin.CodeHash, []byte(submitted)) != nil {
				return s.recordMismatch(ctx, c, pin, now, &outcome)
			}

			_, drift = s.device.CompareFingerprints(pin.DeviceFingerprint, fingerprint)
			pin.Consumed = true
			from := c.State
			c.ApplySigned(now)
			record = &models.SignatureRecord{
				ID:                id.NewSignatureID(),
				ContractID:        c.ID,
				PinID:             pin.ID,
				Method:            models.MethodOTPSMS,
				SignedAt:          now,
				Valid:             true,
				Phone:             pin.Phone,
				ContentHash:       c.ContentHash,
				Device:            device.ParseUserAgent(userAgent),
				DeviceFingerprint: fingerprint,
				ClientIP:          requestcontext.ClientIP(ctx),
			}
			if err := s.store.RecordSignature(ctx, c, pin, record); err != nil {
				return step{}, err
			}
			outcome = "signed"
			reason := "signed with pin " + pin.ID.String() + " on " + record.Device
			if drift {
				reason += " (device differs from pin request)"
			}
			return step{events: []audit.Event{contractEvent(c, audit.EventContractSigned, from, now, reason)}}, nil
		},
	)
	if err != nil && outcome == "error" && dErrors.HasCode(err, dErrors.CodePinExpired) {
		outcome = "expired"
	}
	s.metrics.IncVerification(outcome)
	if err != nil {
		return nil, err
	}

	if drift {
		s.metrics.IncDeviceDrift()
	}
	s.metrics.IncContract(string(models.ContractSigned))
	if !c.SentAt.IsZero() {
		s.metrics.ObserveTimeToSign(c.SignedAt.Sub(c.SentAt).Seconds())
	}
	s.logger.InfoContext(ctx, "contract signed",
		"application_id", c.ApplicationID,
		"contract_id", c.ID,
		"signature_id", record.ID,
		"device_drift", drift,
	)
	return record, nil
}

func (s *Service) recordMismatch(ctx context.Context, c *models.Contract, pin *models.SigningPin, now time.Time, outcome *string) (step, error) {
	locked := pin.RecordFailure(s.cfg.MaxAttempts, now)
	if err := s.store.UpdatePin(ctx, pin); err != nil {
		return step{}, err
	}
	if locked {
		*outcome = "attempts_exceeded"
		return step{
			events:  []audit.Event{pinEvent(c, pin, audit.EventPinAttemptsBlocked, now, dErrors.CodePinAttemptsExceeded, fmt.Sprintf("%d failed attempts", pin.Attempts))},
			refusal: dErrors.New(dErrors.CodePinAttemptsExceeded, "too many incorrect attempts, request a new pin"),
		}, nil
	}
	*outcome = "mismatch"
	remaining := s.cfg.MaxAttempts - pin.Attempts
	return step{
		events:  []audit.Event{pinEvent(c, pin, audit.EventPinMismatch, now, dErrors.CodePinMismatch, fmt.Sprintf("attempt %d of %d", pin.Attempts, s.cfg.MaxAttempts))},
		refusal: dErrors.Newf(dErrors.CodePinMismatch, "incorrect pin, %d attempt(s) left", remaining),
	}, nil
}
