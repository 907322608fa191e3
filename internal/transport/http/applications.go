package httptransport

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"lendflow/internal/affordability"
	"lendflow/internal/amortization"
	appmodels "lendflow/internal/application/models"
	appservice "lendflow/internal/application/service"
	dismodels "lendflow/internal/disbursement/models"
	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
	"lendflow/pkg/platform/httputil"
	"lendflow/pkg/requestcontext"
)

type submitRequest struct {
	Applicant   id.Applicant          `json:"applicant"`
	Amount      decimal.Decimal       `json:"amount"`
	TermMonths  int                   `json:"term_months"`
	Channel     appmodels.Channel     `json:"channel"`
	BankAccount id.BankAccount        `json:"bank_account"`
	Income      []affordability.Entry `json:"income"`
	Expenses    []affordability.Entry `json:"expenses"`
}

type assessRequest struct {
	OverrideReason string                `json:"override_reason"`
	Income         []affordability.Entry `json:"income,omitempty"`
	Expenses       []affordability.Entry `json:"expenses,omitempty"`
}

type cancelRequest struct {
	Note string `json:"note"`
}

type listResponse struct {
	Applications []*appmodels.Application `json:"applications"`
}

type scheduleResponse struct {
	Schedule     amortization.Schedule      `json:"schedule"`
	Installments []amortization.Installment `json:"installments"`
}

type snapshotsResponse struct {
	Snapshots []*affordability.Snapshot `json:"snapshots"`
}

type disbursementsResponse struct {
	Disbursements []*dismodels.Disbursement `json:"disbursements"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req submitRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, "submit application", err)
		return
	}
	actor := requestcontext.Actor(ctx)
	if !actor.IsOperator() && strings.TrimSpace(req.Applicant.NationalID) != actor.ID {
		h.fail(w, r, "submit application", dErrors.New(dErrors.CodeForbidden, "applicants may only apply for themselves"))
		return
	}

	app, err := h.workflow.Submit(ctx, appservice.SubmitRequest{
		Applicant:   req.Applicant,
		Amount:      req.Amount,
		TermMonths:  req.TermMonths,
		Channel:     req.Channel,
		BankAccount: req.BankAccount,
		Income:      req.Income,
		Expenses:    req.Expenses,
	})
	if err != nil {
		h.fail(w, r, "submit application", err)
		return
	}
	w.Header().Set("Location", "/applications/"+app.ID.String())
	httputil.WriteJSON(w, http.StatusCreated, app)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	states, err := parseStates(r.URL.Query()["state"])
	if err != nil {
		h.fail(w, r, "list applications", err)
		return
	}
	limit := h.listLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.fail(w, r, "list applications", dErrors.New(dErrors.CodeInvalidInput, "limit must be a positive integer"))
			return
		}
		limit = min(n, h.listLimit)
	}
	apps, err := h.applications.List(r.Context(), states, limit)
	if err != nil {
		h.fail(w, r, "list applications", err)
		return
	}
	if apps == nil {
		apps = []*appmodels.Application{}
	}
	httputil.WriteJSON(w, http.StatusOK, listResponse{Applications: apps})
}

// parseStates accepts repeated and comma separated state parameters.
func parseStates(values []string) ([]appmodels.State, error) {
	var states []appmodels.State
	for _, v := range values {
		for raw := range strings.SplitSeq(v, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			s, err := appmodels.ParseState(raw)
			if err != nil {
				return nil, err
			}
			states = append(states, s)
		}
	}
	return states, nil
}

func (h *Handler) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	appID, err := applicationIDParam(r)
	if err != nil {
		h.fail(w, r, "get application", err)
		return
	}
	app, err := h.authorizeApplication(r.Context(), appID)
	if err != nil {
		h.fail(w, r, "get application", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, app)
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	appID, err := applicationIDParam(r)
	if err != nil {
		h.fail(w, r, "validate application", err)
		return
	}
	if _, err := h.authorizeApplication(ctx, appID); err != nil {
		h.fail(w, r, "validate application", err)
		return
	}
	app, err := h.workflow.Validate(ctx, appID)
	if err != nil {
		h.fail(w, r, "validate application", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, app)
}

func (h *Handler) handleAssess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	appID, err := applicationIDParam(r)
	if err != nil {
		h.fail(w, r, "assess application", err)
		return
	}
	var req assessRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			h.fail(w, r, "assess application", err)
			return
		}
	}
	if _, err := h.authorizeApplication(ctx, appID); err != nil {
		h.fail(w, r, "assess application", err)
		return
	}
	out, err := h.workflow.Assess(ctx, appID, appservice.AssessRequest{
		OverrideReason: req.OverrideReason,
		Income:         req.Income,
		Expenses:       req.Expenses,
	})
	if err != nil {
		h.fail(w, r, "assess application", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	appID, err := applicationIDParam(r)
	if err != nil {
		h.fail(w, r, "cancel application", err)
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			h.fail(w, r, "cancel application", err)
			return
		}
	}
	if _, err := h.authorizeApplication(ctx, appID); err != nil {
		h.fail(w, r, "cancel application", err)
		return
	}
	out, err := h.workflow.Cancel(ctx, appID, req.Note)
	if err != nil {
		h.fail(w, r, "cancel application", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	appID, err := applicationIDParam(r)
	if err != nil {
		h.fail(w, r, "get schedule", err)
		return
	}
	if _, err := h.authorizeApplication(ctx, appID); err != nil {
		h.fail(w, r, "get schedule", err)
		return
	}
	schedule, rows, err := h.applications.Schedule(ctx, appID)
	if err != nil {
		h.fail(w, r, "get schedule", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, scheduleResponse{Schedule: schedule, Installments: rows})
}

func (h *Handler) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	appID, err := applicationIDParam(r)
	if err != nil {
		h.fail(w, r, "list snapshots", err)
		return
	}
	if _, err := h.authorizeApplication(ctx, appID); err != nil {
		h.fail(w, r, "list snapshots", err)
		return
	}
	snaps, err := h.applications.Snapshots(ctx, appID)
	if err != nil {
		h.fail(w, r, "list snapshots", err)
		return
	}
	if snaps == nil {
		snaps = []*affordability.Snapshot{}
	}
	httputil.WriteJSON(w, http.StatusOK, snapshotsResponse{Snapshots: snaps})
}

func (h *Handler) handleListDisbursements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	appID, err := applicationIDParam(r)
	if err != nil {
		h.fail(w, r, "list disbursements", err)
		return
	}
	if _, err := h.authorizeApplication(ctx, appID); err != nil {
		h.fail(w, r, "list disbursements", err)
		return
	}
	list, err := h.disbursements.List(ctx, appID)
	if err != nil {
		h.fail(w, r, "list disbursements", err)
		return
	}
	if list == nil {
		list = []*dismodels.Disbursement{}
	}
	httputil.WriteJSON(w, http.StatusOK, disbursementsResponse{Disbursements: list})
}
