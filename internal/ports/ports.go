// Package ports defines the collaborator contracts the lending workflow
// depends on. Implementations live in internal/collaborators; the workflow
// never depends on transport details.
package ports

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks Verifier,MessageSender,PaymentGateway

import (
	"context"

	"github.com/shopspring/decimal"

	id "lendflow/pkg/domain"
)

// Verifier confirms one aspect of an applicant's identity. Identity and
// employment checks are two Verifier instances.
type Verifier interface {
	Verify(ctx context.Context, applicant id.Applicant) (VerificationResult, error)
}

// VerificationResult is a verifier's answer. Passed=false is a business
// failure; an error (including a timeout) is a failure of the call.
type VerificationResult struct {
	Passed  bool
	Details string
}

// MessageSender delivers the signing PIN to the applicant's phone.
type MessageSender interface {
	SendPin(ctx context.Context, phone, pin string) (DispatchResult, error)
}

// DispatchResult reports whether the messaging provider accepted the message.
type DispatchResult struct {
	Accepted   bool
	ProviderID string
}

// PaymentGateway issues the loan principal to the recipient account.
// Reference is the idempotency key: repeating a call with the same reference
// must not pay twice.
type PaymentGateway interface {
	Disburse(ctx context.Context, account id.BankAccount, amount decimal.Decimal, reference string) (PaymentResult, error)
}

// PaymentResult is the gateway's answer.
type PaymentResult struct {
	Confirmed     bool
	FailureReason string
	ProviderRef   string
}
