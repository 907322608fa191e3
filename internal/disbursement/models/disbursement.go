package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	id "lendflow/pkg/domain"
)

// Status is the outcome of one payment attempt.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

func (s Status) IsFinal() bool {
	switch s {
	case StatusConfirmed, StatusFailed:
		return true
	case StatusPending:
		return false
	}
	return false
}

// Disbursement is one attempt to pay out a signed contract. Attempts are
// numbered per contract; at most one per contract is ever confirmed.
type Disbursement struct {
	ID            id.DisbursementID `json:"id"`
	ApplicationID id.ApplicationID  `json:"application_id"`
	ContractID    id.ContractID     `json:"contract_id"`
	Attempt       int               `json:"attempt"`
	Amount        decimal.Decimal   `json:"amount"`
	Reference     string            `json:"reference"`
	BankAccount   id.BankAccount    `json:"bank_account"`
	Status        Status            `json:"status"`
	FailureReason string            `json:"failure_reason,omitempty"`
	ProviderRef   string            `json:"provider_ref,omitempty"`
	RequestedBy   string            `json:"requested_by"`
	RequestedAt   time.Time         `json:"requested_at"`
	CompletedAt   time.Time         `json:"completed_at,omitzero"`
}

// Reference is the payment idempotency key for an attempt.
func Reference(contractID id.ContractID, attempt int) string {
	return fmt.Sprintf("%s-%d", contractID, attempt)
}

func NewPending(appID id.ApplicationID, contractID id.ContractID, attempt int, amount decimal.Decimal, account id.BankAccount, requestedBy string, now time.Time) *Disbursement {
	return &Disbursement{
		ID:            id.NewDisbursementID(),
		ApplicationID: appID,
		ContractID:    contractID,
		Attempt:       attempt,
		Amount:        amount,
		Reference:     Reference(contractID, attempt),
		BankAccount:   account,
		Status:        StatusPending,
		RequestedBy:   requestedBy,
		RequestedAt:   now,
	}
}

func (d *Disbursement) Confirm(providerRef string, now time.Time) {
	d.Status = StatusConfirmed
	d.ProviderRef = providerRef
	d.FailureReason = ""
	d.CompletedAt = now
}

func (d *Disbursement) Fail(reason string, now time.Time) {
	if reason == "" {
		reason = "payment not confirmed"
	}
	d.Status = StatusFailed
	d.FailureReason = reason
	d.CompletedAt = now
}

func (d *Disbursement) Clone() *Disbursement {
	if d == nil {
		return nil
	}
	copied := *d
	return &copied
}
