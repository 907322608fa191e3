// Package httptransport exposes the origination workflow over JSON HTTP.
//
// Handlers stay thin: they decode the request, check that the caller may act
// on the addressed application, and delegate to the workflow. State rules
// live in the services.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"lendflow/internal/affordability"
	"lendflow/internal/amortization"
	appmodels "lendflow/internal/application/models"
	appservice "lendflow/internal/application/service"
	dismodels "lendflow/internal/disbursement/models"
	"lendflow/internal/origination"
	"lendflow/internal/platform/middleware"
	signmodels "lendflow/internal/signing/models"
	signservice "lendflow/internal/signing/service"
	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
	"lendflow/pkg/platform/httputil"
	"lendflow/pkg/requestcontext"
)

// Workflow is the origination surface the handlers drive.
type Workflow interface {
	Get(ctx context.Context, appID id.ApplicationID) (*appmodels.Application, error)
	Submit(ctx context.Context, req appservice.SubmitRequest) (*appmodels.Application, error)
	Validate(ctx context.Context, appID id.ApplicationID) (*appmodels.Application, error)
	Assess(ctx context.Context, appID id.ApplicationID, req appservice.AssessRequest) (*origination.Outcome, error)
	Cancel(ctx context.Context, appID id.ApplicationID, note string) (*origination.Outcome, error)
	Contract(ctx context.Context, contractID id.ContractID) (*signmodels.Contract, error)
	IssuePin(ctx context.Context, contractID id.ContractID, phone string) (*signmodels.SigningPin, error)
	VerifyPin(ctx context.Context, contractID id.ContractID, req signservice.VerifyRequest) (*origination.Outcome, error)
	RetryDisbursement(ctx context.Context, contractID id.ContractID) (*dismodels.Disbursement, error)
}

// Applications answers read-only application queries.
type Applications interface {
	List(ctx context.Context, states []appmodels.State, limit int) ([]*appmodels.Application, error)
	Schedule(ctx context.Context, appID id.ApplicationID) (amortization.Schedule, []amortization.Installment, error)
	Snapshots(ctx context.Context, appID id.ApplicationID) ([]*affordability.Snapshot, error)
}

// Disbursements answers payout ledger queries.
type Disbursements interface {
	List(ctx context.Context, appID id.ApplicationID) ([]*dismodels.Disbursement, error)
}

// Handler serves the application and contract endpoints.
type Handler struct {
	workflow      Workflow
	applications  Applications
	disbursements Disbursements
	tokens        middleware.TokenValidator
	logger        *slog.Logger
	listLimit     int
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithListLimit caps how many applications a list request returns.
func WithListLimit(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.listLimit = n
		}
	}
}

func New(workflow Workflow, applications Applications, disbursements Disbursements, tokens middleware.TokenValidator, opts ...Option) (*Handler, error) {
	if workflow == nil || applications == nil || disbursements == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "workflow, applications and disbursements are required")
	}
	if tokens == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "token validator is required")
	}
	h := &Handler{
		workflow:      workflow,
		applications:  applications,
		disbursements: disbursements,
		tokens:        tokens,
		logger:        slog.New(slog.DiscardHandler),
		listLimit:     100,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Register mounts the authenticated API routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireActor(h.tokens, h.logger))

		r.Post("/applications", h.handleSubmit)
		r.With(middleware.RequireOperator(h.logger)).Get("/applications", h.handleList)
		r.Route("/applications/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetApplication)
			r.Post("/validate", h.handleValidate)
			r.Post("/assess", h.handleAssess)
			r.Post("/cancel", h.handleCancel)
			r.Get("/schedule", h.handleSchedule)
			r.Get("/snapshots", h.handleSnapshots)
			r.Get("/disbursements", h.handleListDisbursements)
		})
		r.Route("/contracts/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetContract)
			r.Post("/pin", h.handleIssuePin)
			r.Post("/verify", h.handleVerifyPin)
			r.With(middleware.RequireOperator(h.logger)).Post("/disbursements", h.handleRetryDisbursement)
		})
	})
}

// authorizeApplication loads the application and checks the caller may see
// it: operators see everything, applicants only their own.
func (h *Handler) authorizeApplication(ctx context.Context, appID id.ApplicationID) (*appmodels.Application, error) {
	app, err := h.workflow.Get(ctx, appID)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(requestcontext.Actor(ctx), app); err != nil {
		return nil, err
	}
	return app, nil
}

// authorizeContract is authorizeApplication for the contract's application.
func (h *Handler) authorizeContract(ctx context.Context, contractID id.ContractID) (*signmodels.Contract, *appmodels.Application, error) {
	c, err := h.workflow.Contract(ctx, contractID)
	if err != nil {
		return nil, nil, err
	}
	app, err := h.authorizeApplication(ctx, c.ApplicationID)
	if err != nil {
		return nil, nil, err
	}
	return c, app, nil
}

func requireOwner(actor id.Actor, app *appmodels.Application) error {
	if actor.IsOperator() {
		return nil
	}
	if actor.Kind == id.ActorApplicant && actor.ID != "" && actor.ID == app.Applicant.NationalID {
		return nil
	}
	// Not found rather than forbidden so ids of other applicants cannot be probed.
	return dErrors.New(dErrors.CodeNotFound, "application not found")
}

func applicationIDParam(r *http.Request) (id.ApplicationID, error) {
	return id.ParseApplicationID(chi.URLParam(r, "id"))
}

func contractIDParam(r *http.Request) (id.ContractID, error) {
	return id.ParseContractID(chi.URLParam(r, "id"))
}

// fail logs err at a level matching its code and writes it.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, operation string, err error) {
	ctx := r.Context()
	code := dErrors.CodeOf(err)
	attrs := []any{
		"operation", operation,
		"code", string(code),
		"error", err,
		"request_id", requestcontext.RequestID(ctx),
	}
	if httputil.StatusFor(code) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "request failed", attrs...)
	} else {
		h.logger.WarnContext(ctx, "request rejected", attrs...)
	}
	httputil.WriteError(w, err)
}
