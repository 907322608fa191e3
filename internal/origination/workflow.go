// Package origination composes the application, signing and disbursement
// services into the end-to-end loan flow.
//
// Each service owns its own lock and transaction; the Workflow never holds
// one while calling another, so chained steps cannot deadlock. A step that
// fails halfway leaves every entity in a valid state, and the Sweeper
// resumes the chain from whatever state it finds.
package origination

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	appmodels "lendflow/internal/application/models"
	appservice "lendflow/internal/application/service"
	dismodels "lendflow/internal/disbursement/models"
	signmodels "lendflow/internal/signing/models"
	signservice "lendflow/internal/signing/service"
	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
	"lendflow/pkg/requestcontext"
)

const tracerName = "lendflow/internal/origination"

// Applications is the application lifecycle surface the workflow drives.
type Applications interface {
	Get(ctx context.Context, appID id.ApplicationID) (*appmodels.Application, error)
	Submit(ctx context.Context, req appservice.SubmitRequest) (*appmodels.Application, error)
	RunValidation(ctx context.Context, appID id.ApplicationID) (*appmodels.Application, error)
	Assess(ctx context.Context, appID id.ApplicationID, req appservice.AssessRequest) (*appmodels.Application, error)
	BeginContractSigning(ctx context.Context, appID id.ApplicationID, contractID id.ContractID) (*appmodels.Application, error)
	MarkContractSigned(ctx context.Context, appID id.ApplicationID, contractID id.ContractID) (*appmodels.Application, error)
	MarkDisbursed(ctx context.Context, appID id.ApplicationID, reference string) (*appmodels.Application, error)
	MarkDisbursementFailed(ctx context.Context, appID id.ApplicationID, reason string) (*appmodels.Application, error)
	Expire(ctx context.Context, appID id.ApplicationID, reason string) (*appmodels.Application, error)
	Cancel(ctx context.Context, appID id.ApplicationID, note string) (*appmodels.Application, error)
}

// Contracts is the signing surface the workflow drives.
type Contracts interface {
	CreateDraft(ctx context.Context, appID id.ApplicationID, terms signmodels.Terms) (*signmodels.Contract, error)
	Send(ctx context.Context, contractID id.ContractID, phone string) (*signmodels.Contract, error)
	Cancel(ctx context.Context, contractID id.ContractID, note string) (*signmodels.Contract, error)
	Get(ctx context.Context, contractID id.ContractID) (*signmodels.Contract, error)
	ActiveContract(ctx context.Context, appID id.ApplicationID) (*signmodels.Contract, error)
	IssuePin(ctx context.Context, contractID id.ContractID, phone string) (*signmodels.SigningPin, error)
	VerifyPin(ctx context.Context, contractID id.ContractID, req signservice.VerifyRequest) (*signmodels.SignatureRecord, error)
}

// Payouts issues the principal for a signed contract.
type Payouts interface {
	Disburse(ctx context.Context, appID id.ApplicationID) (*dismodels.Disbursement, error)
	Retry(ctx context.Context, contractID id.ContractID) (*dismodels.Disbursement, error)
}

// Outcome is the state of the entities a workflow step touched.
type Outcome struct {
	Application  *appmodels.Application      `json:"application"`
	Contract     *signmodels.Contract        `json:"contract,omitempty"`
	Signature    *signmodels.SignatureRecord `json:"signature,omitempty"`
	Disbursement *dismodels.Disbursement     `json:"disbursement,omitempty"`
}

type Workflow struct {
	applications Applications
	contracts    Contracts
	payouts      Payouts
	logger       *slog.Logger
	tracer       trace.Tracer
}

type Option func(*Workflow)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Workflow) {
		w.logger = logger
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(w *Workflow) {
		w.tracer = tracer
	}
}

func New(applications Applications, contracts Contracts, payouts Payouts, opts ...Option) (*Workflow, error) {
	if applications == nil {
		return nil, errors.New("application service is required")
	}
	if contracts == nil {
		return nil, errors.New("signing service is required")
	}
	if payouts == nil {
		return nil, errors.New("disbursement service is required")
	}
	w := &Workflow{
		applications: applications,
		contracts:    contracts,
		payouts:      payouts,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.New(slog.DiscardHandler)
	}
	if w.tracer == nil {
		w.tracer = otel.Tracer(tracerName)
	}
	return w, nil
}

func (w *Workflow) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return w.tracer.Start(ctx, "origination."+name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errorKind(err))
	}
	span.End()
}

func errorKind(err error) string {
	return string(dErrors.CodeOf(err))
}

func appAttr(appID id.ApplicationID) attribute.KeyValue {
	return attribute.String("application_id", appID.String())
}

func contractAttr(contractID id.ContractID) attribute.KeyValue {
	return attribute.String("contract_id", contractID.String())
}

func (w *Workflow) Get(ctx context.Context, appID id.ApplicationID) (*appmodels.Application, error) {
	return w.applications.Get(ctx, appID)
}

func (w *Workflow) Submit(ctx context.Context, req appservice.SubmitRequest) (_ *appmodels.Application, err error) {
	ctx, span := w.start(ctx, "submit")
	defer func() { finish(span, err) }()

	app, err := w.applications.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(appAttr(app.ID))
	return app, nil
}

func (w *Workflow) Validate(ctx context.Context, appID id.ApplicationID) (_ *appmodels.Application, err error) {
	ctx, span := w.start(ctx, "validate", appAttr(appID))
	defer func() { finish(span, err) }()
	return w.applications.RunValidation(ctx, appID)
}

// Assess runs the affordability decision. An approval continues straight
// into drafting and sending the contract.
func (w *Workflow) Assess(ctx context.Context, appID id.ApplicationID, req appservice.AssessRequest) (_ *Outcome, err error) {
	ctx, span := w.start(ctx, "assess", appAttr(appID))
	defer func() { finish(span, err) }()

	app, err := w.applications.Assess(ctx, appID, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("state", string(app.State)))
	if app.State != appmodels.StateApproved {
		return &Outcome{Application: app}, nil
	}
	return w.startSigning(ctx, app)
}

// StartSigning resumes an approved application whose contract was not yet
// drafted or sent.
func (w *Workflow) StartSigning(ctx context.Context, appID id.ApplicationID) (_ *Outcome, err error) {
	ctx, span := w.start(ctx, "start_signing", appAttr(appID))
	defer func() { finish(span, err) }()

	app, err := w.applications.Get(ctx, appID)
	if err != nil {
		return nil, err
	}
	return w.startSigning(ctx, app)
}

func (w *Workflow) startSigning(ctx context.Context, app *appmodels.Application) (*Outcome, error) {
	if app.State != appmodels.StateApproved && app.State != appmodels.StateContractSigning {
		return nil, dErrors.Newf(dErrors.CodeInvalidTransition, "application is %s, expected %s", app.State, appmodels.StateApproved)
	}

	c, err := w.contracts.ActiveContract(ctx, app.ID)
	switch {
	case dErrors.HasCode(err, dErrors.CodeNotFound):
		if app.State != appmodels.StateApproved {
			return nil, dErrors.New(dErrors.CodeInvariantViolation, "application is in contract signing without a contract")
		}
		terms, terr := contractTerms(app)
		if terr != nil {
			return nil, terr
		}
		if c, err = w.contracts.CreateDraft(ctx, app.ID, terms); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	if app.State == appmodels.StateApproved {
		if app, err = w.applications.BeginContractSigning(ctx, app.ID, c.ID); err != nil {
			return nil, err
		}
	}
	if c.State == signmodels.ContractDraft {
		if c, err = w.contracts.Send(ctx, c.ID, app.Applicant.Phone); err != nil {
			return nil, err
		}
	}
	w.logger.InfoContext(ctx, "contract out for signature",
		"application_id", app.ID,
		"contract_id", c.ID,
		"expires_at", c.ExpiresAt,
	)
	return &Outcome{Application: app, Contract: c}, nil
}

// contractTerms copies the assessed terms onto the contract. The bank
// account is masked; the full number never appears in the document.
func contractTerms(app *appmodels.Application) (signmodels.Terms, error) {
	if app.Terms == nil {
		return signmodels.Terms{}, dErrors.New(dErrors.CodeInvariantViolation, "approved application has no assessed terms")
	}
	t := app.Terms
	return signmodels.Terms{
		ApplicantName:     app.Applicant.FullName(),
		NationalID:        app.Applicant.NationalID,
		Phone:             app.Applicant.Phone,
		Principal:         app.RequestedAmount,
		TermMonths:        app.TermMonths,
		AnnualRatePercent: app.AnnualRatePercent,
		MonthlyPayment:    t.MonthlyPayment,
		TotalRepayable:    t.TotalRepayable,
		TotalInterest:     t.TotalInterest,
		InitiationFee:     t.Fees.Initiation,
		ServiceFees:       t.Fees.ServiceTotal,
		TotalFees:         t.Fees.Total,
		BankAccount:       strings.TrimSpace(app.BankAccount.BankName + " " + app.BankAccount.Masked()),
	}, nil
}

func (w *Workflow) Contract(ctx context.Context, contractID id.ContractID) (*signmodels.Contract, error) {
	return w.contracts.Get(ctx, contractID)
}

// IssuePin sends a fresh signing PIN for the contract. phone may be empty to
// reuse the contract's destination.
func (w *Workflow) IssuePin(ctx context.Context, contractID id.ContractID, phone string) (_ *signmodels.SigningPin, err error) {
	ctx, span := w.start(ctx, "issue_pin", contractAttr(contractID))
	defer func() { finish(span, err) }()
	return w.contracts.IssuePin(ctx, contractID, phone)
}

// VerifyPin checks the submitted code. A valid signature moves the
// application to PaymentProcessing and pays out at once. A failed payout
// declines the application; that outcome is returned without an error
// because the signature itself succeeded.
func (w *Workflow) VerifyPin(ctx context.Context, contractID id.ContractID, req signservice.VerifyRequest) (_ *Outcome, err error) {
	ctx, span := w.start(ctx, "verify_pin", contractAttr(contractID))
	defer func() { finish(span, err) }()

	sig, err := w.contracts.VerifyPin(ctx, contractID, req)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeConflict) {
			// Already signed: finish the chain if an earlier attempt stopped
			// short of advancing the application.
			if out, ok := w.resumeSigned(ctx, contractID); ok {
				return out, nil
			}
		}
		return nil, err
	}
	c, err := w.contracts.Get(ctx, contractID)
	if err != nil {
		return &Outcome{Signature: sig}, err
	}
	span.SetAttributes(appAttr(c.ApplicationID))

	out, err := w.completeSigning(ctx, c)
	if out != nil {
		out.Signature = sig
	}
	return out, err
}

func (w *Workflow) resumeSigned(ctx context.Context, contractID id.ContractID) (*Outcome, bool) {
	c, err := w.contracts.Get(ctx, contractID)
	if err != nil || c.State != signmodels.ContractSigned {
		return nil, false
	}
	app, err := w.applications.Get(ctx, c.ApplicationID)
	if err != nil || app.State != appmodels.StateContractSigning {
		return nil, false
	}
	w.logger.InfoContext(ctx, "resuming signed contract", "application_id", app.ID, "contract_id", c.ID)
	out, err := w.completeSigning(ctx, c)
	if err != nil {
		return nil, false
	}
	return out, true
}

// completeSigning advances the application after its contract was signed.
func (w *Workflow) completeSigning(ctx context.Context, c *signmodels.Contract) (*Outcome, error) {
	app, err := w.applications.MarkContractSigned(ctx, c.ApplicationID, c.ID)
	if err != nil {
		w.logger.ErrorContext(ctx, "signed contract could not advance the application",
			"application_id", c.ApplicationID,
			"contract_id", c.ID,
			"error", err,
		)
		return &Outcome{Contract: c}, err
	}
	out, err := w.payout(ctx, app)
	if out != nil {
		out.Contract = c
	}
	return out, err
}

// payout runs the disbursement and records its final outcome on the
// application. Infrastructure errors leave the application in
// PaymentProcessing for the sweeper to resume.
func (w *Workflow) payout(ctx context.Context, app *appmodels.Application) (*Outcome, error) {
	d, err := w.payouts.Disburse(ctx, app.ID)
	switch {
	case err == nil:
		app, err = w.applications.MarkDisbursed(ctx, app.ID, d.Reference)
	case dErrors.HasCode(err, dErrors.CodeDisbursementFailed) && d != nil:
		app, err = w.applications.MarkDisbursementFailed(ctx, app.ID, d.FailureReason)
	default:
		w.logger.WarnContext(ctx, "disbursement interrupted",
			"application_id", app.ID,
			"error", err,
		)
		return &Outcome{Application: app, Disbursement: d}, err
	}
	if err != nil {
		return &Outcome{Disbursement: d}, err
	}
	return &Outcome{Application: app, Disbursement: d}, nil
}

// Cancel closes the open contract, if any, then ends the application. The
// contract goes first: once it is closed no signature can land, and a
// signature that landed before it makes the application refuse with a
// conflict.
func (w *Workflow) Cancel(ctx context.Context, appID id.ApplicationID, note string) (_ *Outcome, err error) {
	ctx, span := w.start(ctx, "cancel", appAttr(appID))
	defer func() { finish(span, err) }()

	app, err := w.applications.Get(ctx, appID)
	if err != nil {
		return nil, err
	}
	actor := requestcontext.Actor(ctx)
	if actor.Kind == id.ActorApplicant && actor.ID != app.Applicant.NationalID {
		return nil, dErrors.New(dErrors.CodeForbidden, "applicants may only cancel their own application")
	}
	if err := app.CanTransitionTo(appmodels.StateCancelled); err != nil {
		return nil, err
	}

	c, err := w.contracts.ActiveContract(ctx, appID)
	switch {
	case dErrors.HasCode(err, dErrors.CodeNotFound):
		c = nil
	case err != nil:
		return nil, err
	case c.State.IsOpen():
		closed, cerr := w.contracts.Cancel(ctx, c.ID, "application cancelled")
		switch {
		case cerr == nil:
			c = closed
		case dErrors.HasCode(cerr, dErrors.CodeInvalidTransition):
			// signed or expired since it was read
			if c, cerr = w.contracts.Get(ctx, c.ID); cerr != nil {
				return nil, cerr
			}
		default:
			return nil, cerr
		}
	}

	app, err = w.applications.Cancel(ctx, appID, note)
	if err != nil {
		return &Outcome{Contract: c}, err
	}
	return &Outcome{Application: app, Contract: c}, nil
}

// RetryDisbursement makes an operator-requested payment attempt after a
// failed payout. The application's outcome stays as recorded.
func (w *Workflow) RetryDisbursement(ctx context.Context, contractID id.ContractID) (_ *dismodels.Disbursement, err error) {
	ctx, span := w.start(ctx, "retry_disbursement", contractAttr(contractID))
	defer func() { finish(span, err) }()
	return w.payouts.Retry(ctx, contractID)
}

// settleSigning reconciles an application left in ContractSigning with its
// contract: a draft is sent, a signed contract continues to payment, and a
// contract that lapsed or was cancelled expires the application. An open
// contract needs nothing and reports an empty stage.
func (w *Workflow) settleSigning(ctx context.Context, app *appmodels.Application) (string, error) {
	if app.ContractID.IsNil() {
		return "signing", dErrors.New(dErrors.CodeInvariantViolation, "application is in contract signing without a contract")
	}
	c, err := w.contracts.Get(ctx, app.ContractID)
	if err != nil {
		return "signing", err
	}
	switch c.State {
	case signmodels.ContractDraft:
		_, err = w.startSigning(ctx, app)
		return "signing", err
	case signmodels.ContractSent:
		return "", nil
	case signmodels.ContractSigned:
		_, err = w.completeSigning(ctx, c)
		return "payment", err
	case signmodels.ContractExpired, signmodels.ContractCancelled:
		_, err = w.applications.Expire(ctx, app.ID, "contract "+c.ID.String()+" "+string(c.State)+" unsigned")
		if dErrors.HasCode(err, dErrors.CodeInvalidTransition) {
			// expired on access above, or ended by another path
			err = nil
		}
		return "expiry", err
	}
	return "", nil
}

// OnContractExpired is registered as the signing service's expiry listener:
// a contract that lapsed unsigned expires its application.
func (w *Workflow) OnContractExpired(ctx context.Context, c *signmodels.Contract) {
	_, err := w.applications.Expire(ctx, c.ApplicationID, "contract "+c.ID.String()+" expired unsigned")
	switch {
	case err == nil:
		w.logger.InfoContext(ctx, "application expired with its contract",
			"application_id", c.ApplicationID,
			"contract_id", c.ID,
		)
	case dErrors.HasCode(err, dErrors.CodeInvalidTransition):
	default:
		w.logger.ErrorContext(ctx, "failed to expire application after contract expiry",
			"application_id", c.ApplicationID,
			"contract_id", c.ID,
			"error", err,
		)
	}
}
