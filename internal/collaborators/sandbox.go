package collaborators

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"lendflow/internal/ports"
	id "lendflow/pkg/domain"
)

// Sandbox adapters stand in for real providers in local runs. Their answers
// are deterministic so a developer can drive every branch by input.

// SandboxVerifier passes every applicant except national ids ending in
// FailSuffix.
type SandboxVerifier struct {
	Name       string
	FailSuffix string
}

func (v SandboxVerifier) Verify(_ context.Context, applicant id.Applicant) (ports.VerificationResult, error) {
	if v.FailSuffix != "" && strings.HasSuffix(applicant.NationalID, v.FailSuffix) {
		return ports.VerificationResult{Passed: false, Details: v.Name + " check failed in sandbox"}, nil
	}
	return ports.VerificationResult{Passed: true, Details: v.Name + " verified in sandbox"}, nil
}

// SandboxSender logs the PIN instead of sending it.
type SandboxSender struct {
	Logger *slog.Logger

	mu   sync.Mutex
	last map[string]string
}

func NewSandboxSender(logger *slog.Logger) *SandboxSender {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SandboxSender{Logger: logger, last: map[string]string{}}
}

func (s *SandboxSender) SendPin(ctx context.Context, phone, pin string) (ports.DispatchResult, error) {
	s.mu.Lock()
	s.last[phone] = pin
	s.mu.Unlock()
	s.Logger.InfoContext(ctx, "sandbox pin dispatch", "phone", phone, "pin", pin)
	return ports.DispatchResult{Accepted: true, ProviderID: "sandbox-" + uuid.NewString()}, nil
}

// LastPin returns the most recent PIN sent to phone.
func (s *SandboxSender) LastPin(phone string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pin, ok := s.last[phone]
	return pin, ok
}

// SandboxGateway confirms every payout except to accounts starting with
// DeclinePrefix. Repeated references return the first answer.
type SandboxGateway struct {
	DeclinePrefix string

	mu   sync.Mutex
	seen map[string]ports.PaymentResult
}

func NewSandboxGateway(declinePrefix string) *SandboxGateway {
	return &SandboxGateway{DeclinePrefix: declinePrefix, seen: map[string]ports.PaymentResult{}}
}

func (g *SandboxGateway) Disburse(_ context.Context, account id.BankAccount, _ decimal.Decimal, reference string) (ports.PaymentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if res, ok := g.seen[reference]; ok {
		return res, nil
	}
	res := ports.PaymentResult{Confirmed: true, ProviderRef: "sandbox-" + uuid.NewString()}
	if g.DeclinePrefix != "" && strings.HasPrefix(account.AccountNumber, g.DeclinePrefix) {
		res = ports.PaymentResult{Confirmed: false, FailureReason: "account rejected in sandbox"}
	}
	g.seen[reference] = res
	return res, nil
}
