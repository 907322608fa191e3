package models

import (
	"time"

	"github.com/shopspring/decimal"

	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
)

// ContractState is the lifecycle position of a loan agreement.
type ContractState string

const (
	ContractDraft     ContractState = "draft"
	ContractSent      ContractState = "sent"
	ContractSigned    ContractState = "signed"
	ContractExpired   ContractState = "expired"
	ContractCancelled ContractState = "cancelled"
)

func (s ContractState) IsValid() bool {
	switch s {
	case ContractDraft, ContractSent, ContractSigned, ContractExpired, ContractCancelled:
		return true
	}
	return false
}

// IsActive reports whether the contract still counts against the
// one-active-contract-per-application rule.
func (s ContractState) IsActive() bool {
	switch s {
	case ContractDraft, ContractSent, ContractSigned:
		return true
	case ContractExpired, ContractCancelled:
		return false
	}
	return false
}

// IsOpen reports whether the contract can still be signed, expired or cancelled.
func (s ContractState) IsOpen() bool {
	switch s {
	case ContractDraft, ContractSent:
		return true
	case ContractSigned, ContractExpired, ContractCancelled:
		return false
	}
	return false
}

// Terms are the figures rendered into the agreement.
type Terms struct {
	ApplicantName     string          `json:"applicant_name"`
	NationalID        string          `json:"national_id"`
	Phone             string          `json:"phone"`
	Principal         decimal.Decimal `json:"principal"`
	TermMonths        int             `json:"term_months"`
	AnnualRatePercent decimal.Decimal `json:"annual_rate_percent"`
	MonthlyPayment    decimal.Decimal `json:"monthly_payment"`
	TotalRepayable    decimal.Decimal `json:"total_repayable"`
	TotalInterest     decimal.Decimal `json:"total_interest"`
	InitiationFee     decimal.Decimal `json:"initiation_fee"`
	ServiceFees       decimal.Decimal `json:"service_fees"`
	TotalFees         decimal.Decimal `json:"total_fees"`
	BankAccount       string          `json:"bank_account"`
}

func (t Terms) Validate() error {
	switch {
	case t.ApplicantName == "":
		return dErrors.New(dErrors.CodeInvalidInput, "contract terms need the applicant name")
	case !t.Principal.IsPositive():
		return dErrors.New(dErrors.CodeInvalidInput, "contract principal must be positive")
	case t.TermMonths <= 0:
		return dErrors.New(dErrors.CodeInvalidInput, "contract term must be positive")
	case !t.MonthlyPayment.IsPositive():
		return dErrors.New(dErrors.CodeInvalidInput, "contract monthly payment must be positive")
	}
	return nil
}

// Contract is the agreement an applicant signs.
//
// Invariants:
//   - State is Signed iff a signature record exists for the contract
//   - ContentHash is the SHA-256 hex of Content
//   - Version increases by one on every persisted change
type Contract struct {
	ID            id.ContractID    `json:"id"`
	ApplicationID id.ApplicationID `json:"application_id"`
	Terms         Terms            `json:"terms"`
	Content       string           `json:"content"`
	ContentHash   string           `json:"content_hash"`
	Phone         string           `json:"phone,omitempty"`
	State         ContractState    `json:"state"`
	Version       int              `json:"version"`
	CreatedAt     time.Time        `json:"created_at"`
	SentAt        time.Time        `json:"sent_at,omitzero"`
	SignedAt      time.Time        `json:"signed_at,omitzero"`
	ExpiresAt     time.Time        `json:"expires_at,omitzero"`
	ExpiredAt     time.Time        `json:"expired_at,omitzero"`
	CancelledAt   time.Time        `json:"cancelled_at,omitzero"`
}

// NewDraft builds a Draft contract. A draft that is never sent lapses after
// the same business-day window as a sent one.
func NewDraft(contractID id.ContractID, appID id.ApplicationID, terms Terms, content, hash string, now, expiresAt time.Time) (*Contract, error) {
	if appID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "application id is required")
	}
	if err := terms.Validate(); err != nil {
		return nil, err
	}
	return &Contract{
		ID:            contractID,
		ApplicationID: appID,
		Terms:         terms,
		Content:       content,
		ContentHash:   hash,
		Phone:         terms.Phone,
		State:         ContractDraft,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
	}, nil
}

// IsDue reports whether an open contract has passed its signing window.
func (c *Contract) IsDue(now time.Time) bool {
	return c.State.IsOpen() && !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

func (c *Contract) CanSend() error {
	if c.State != ContractDraft {
		return dErrors.Newf(dErrors.CodeContractNotSendable, "contract is %s, only drafts can be sent", c.State)
	}
	return nil
}

func (c *Contract) ApplySend(content, hash, phone string, now, expiresAt time.Time) {
	c.Content = content
	c.ContentHash = hash
	if phone != "" {
		c.Phone = phone
	}
	c.State = ContractSent
	c.SentAt = now
	c.ExpiresAt = expiresAt
}

// CanIssuePin requires a sent contract.
func (c *Contract) CanIssuePin() error {
	if c.State != ContractSent {
		return dErrors.Newf(dErrors.CodeContractNotSendable, "contract is %s, a signing pin needs a sent contract", c.State)
	}
	return nil
}

// CanSign reports whether a PIN may be verified against the contract.
func (c *Contract) CanSign() error {
	switch c.State {
	case ContractSent:
		return nil
	case ContractSigned:
		return dErrors.New(dErrors.CodeConflict, "contract is already signed")
	case ContractExpired:
		return dErrors.New(dErrors.CodePinExpired, "contract signing window has closed")
	default:
		return dErrors.Newf(dErrors.CodeContractNotSendable, "contract is %s and cannot be signed", c.State)
	}
}

func (c *Contract) ApplySigned(now time.Time) {
	c.State = ContractSigned
	c.SignedAt = now
}

func (c *Contract) CanClose() error {
	if !c.State.IsOpen() {
		return dErrors.Newf(dErrors.CodeInvalidTransition, "contract is %s and can no longer change", c.State)
	}
	return nil
}

func (c *Contract) ApplyExpired(now time.Time) {
	c.State = ContractExpired
	c.ExpiredAt = now
}

func (c *Contract) ApplyCancelled(now time.Time) {
	c.State = ContractCancelled
	c.CancelledAt = now
}

func (c *Contract) Clone() *Contract {
	if c == nil {
		return nil
	}
	copied := *c
	return &copied
}
