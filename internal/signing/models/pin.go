package models

import (
	"time"

	id "lendflow/pkg/domain"
)

// PinLength is the number of digits in a signing PIN.
const PinLength = 6

// InvalidationReason records why a PIN stopped being usable before it was consumed.
type InvalidationReason string

const (
	InvalidatedSuperseded       InvalidationReason = "superseded"
	InvalidatedAttemptsExceeded InvalidationReason = "attempts_exceeded"
	InvalidatedExpired          InvalidationReason = "expired"
	InvalidatedContractClosed   InvalidationReason = "contract_closed"
)

// DispatchStatus tracks delivery of the PIN through the messaging collaborator.
type DispatchStatus string

const (
	DispatchPending DispatchStatus = "pending"
	DispatchSent    DispatchStatus = "sent"
	DispatchFailed  DispatchStatus = "failed"
)

// SigningPin is a one-time code bound to a contract. Only the bcrypt hash of
// the code is kept.
type SigningPin struct {
	ID                id.PinID           `json:"id"`
	ContractID        id.ContractID      `json:"contract_id"`
	CodeHash          []byte             `json:"-"`
	Phone             string             `json:"phone"`
	IssuedAt          time.Time          `json:"issued_at"`
	ExpiresAt         time.Time          `json:"expires_at"`
	Consumed          bool               `json:"consumed"`
	InvalidatedAt     time.Time          `json:"invalidated_at,omitzero"`
	InvalidatedReason InvalidationReason `json:"invalidated_reason,omitempty"`
	Attempts          int                `json:"attempts"`
	DispatchStatus    DispatchStatus     `json:"dispatch_status"`
	DispatchError     string             `json:"dispatch_error,omitempty"`
	DeviceFingerprint string             `json:"-"`
}

// IsOpen reports whether the PIN is neither consumed nor invalidated. An open
// PIN may still be past its expiry.
func (p *SigningPin) IsOpen() bool {
	return !p.Consumed && p.InvalidatedAt.IsZero()
}

// IsLive reports whether the PIN can still be used at now.
func (p *SigningPin) IsLive(now time.Time) bool {
	return p.IsOpen() && now.Before(p.ExpiresAt)
}

func (p *SigningPin) Invalidate(reason InvalidationReason, now time.Time) {
	p.InvalidatedAt = now
	p.InvalidatedReason = reason
}

// RecordFailure counts a wrong attempt and reports whether the PIN is now
// locked out.
func (p *SigningPin) RecordFailure(maxAttempts int, now time.Time) bool {
	p.Attempts++
	if p.Attempts >= maxAttempts {
		p.Invalidate(InvalidatedAttemptsExceeded, now)
		return true
	}
	return false
}

func (p *SigningPin) Clone() *SigningPin {
	if p == nil {
		return nil
	}
	copied := *p
	copied.CodeHash = append([]byte(nil), p.CodeHash...)
	return &copied
}
