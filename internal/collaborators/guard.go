// Package collaborators adapts the outbound verification, messaging and
// payment providers to the ports the workflow depends on.
//
// Every adapter is wrapped in a Guard: calls are bounded by a timeout and
// pass through a circuit breaker. A timeout surfaces as CodeTimeout and an
// open breaker fails fast with CodeUnavailable, so callers record the named
// failure without waiting on a dead provider.
package collaborators

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"lendflow/internal/ports"
	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
	"lendflow/pkg/platform/circuit"
)

const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeTimeout  = "timeout"
	outcomeRejected = "rejected"
)

// Guard bounds and meters calls to one collaborator.
type Guard struct {
	name    string
	timeout time.Duration
	breaker *circuit.Breaker
	metrics *Metrics
	logger  *slog.Logger
}

type GuardOption func(*Guard)

func WithLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

func WithMetrics(m *Metrics) GuardOption {
	return func(g *Guard) {
		g.metrics = m
	}
}

// WithBreaker replaces the default breaker, for tests and shared breakers.
func WithBreaker(b *circuit.Breaker) GuardOption {
	return func(g *Guard) {
		if b != nil {
			g.breaker = b
		}
	}
}

// BreakerSettings are the thresholds applied to the default breaker.
type BreakerSettings struct {
	Failures  int
	Successes int
	Cooldown  time.Duration
}

func NewGuard(name string, timeout time.Duration, settings BreakerSettings, opts ...GuardOption) *Guard {
	g := &Guard{
		name:    name,
		timeout: timeout,
		breaker: circuit.New(name,
			circuit.WithFailureThreshold(settings.Failures),
			circuit.WithSuccessThreshold(settings.Successes),
			circuit.WithCooldown(settings.Cooldown),
		),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.New(slog.DiscardHandler)
	}
	return g
}

func (g *Guard) Name() string { return g.name }

// Do runs fn under the timeout and the breaker. Only call failures count
// against the breaker; a business answer such as "not verified" is a success.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !g.breaker.Allow() {
		g.metrics.incRejected(g.name)
		g.metrics.observe(g.name, outcomeRejected, 0)
		return dErrors.Newf(dErrors.CodeUnavailable, "%s is unavailable", g.name)
	}

	cctx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(cctx)
	elapsed := time.Since(start)

	if err == nil {
		_, change := g.breaker.RecordSuccess()
		if change.Closed {
			g.metrics.setOpen(g.name, false)
			g.logger.InfoContext(ctx, "collaborator recovered", "collaborator", g.name)
		}
		g.metrics.observe(g.name, outcomeOK, elapsed)
		return nil
	}

	_, change := g.breaker.RecordFailure()
	if change.Opened {
		g.metrics.setOpen(g.name, true)
		g.logger.WarnContext(ctx, "collaborator circuit opened", "collaborator", g.name, "error", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
		g.metrics.observe(g.name, outcomeTimeout, elapsed)
		return dErrors.Wrap(err, dErrors.CodeTimeout, g.name+" timed out")
	}
	g.metrics.observe(g.name, outcomeError, elapsed)
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeUnavailable, g.name+" call failed")
}

// GuardedVerifier applies a Guard to a Verifier.
type GuardedVerifier struct {
	guard *Guard
	next  ports.Verifier
}

func NewGuardedVerifier(guard *Guard, next ports.Verifier) *GuardedVerifier {
	return &GuardedVerifier{guard: guard, next: next}
}

func (v *GuardedVerifier) Verify(ctx context.Context, applicant id.Applicant) (ports.VerificationResult, error) {
	var res ports.VerificationResult
	err := v.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = v.next.Verify(ctx, applicant)
		return err
	})
	if err != nil {
		return ports.VerificationResult{}, err
	}
	return res, nil
}

// GuardedSender applies a Guard to a MessageSender. A rejected message is a
// failed call.
type GuardedSender struct {
	guard *Guard
	next  ports.MessageSender
}

func NewGuardedSender(guard *Guard, next ports.MessageSender) *GuardedSender {
	return &GuardedSender{guard: guard, next: next}
}

func (s *GuardedSender) SendPin(ctx context.Context, phone, pin string) (ports.DispatchResult, error) {
	var res ports.DispatchResult
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.next.SendPin(ctx, phone, pin)
		if err == nil && !res.Accepted {
			return dErrors.New(dErrors.CodeUnavailable, "message was not accepted")
		}
		return err
	})
	if err != nil {
		return ports.DispatchResult{}, err
	}
	return res, nil
}

// GuardedGateway applies a Guard to a PaymentGateway.
type GuardedGateway struct {
	guard *Guard
	next  ports.PaymentGateway
}

func NewGuardedGateway(guard *Guard, next ports.PaymentGateway) *GuardedGateway {
	return &GuardedGateway{guard: guard, next: next}
}

func (g *GuardedGateway) Disburse(ctx context.Context, account id.BankAccount, amount decimal.Decimal, reference string) (ports.PaymentResult, error) {
	var res ports.PaymentResult
	err := g.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = g.next.Disburse(ctx, account, amount, reference)
		return err
	})
	if err != nil {
		return ports.PaymentResult{}, err
	}
	return res, nil
}
