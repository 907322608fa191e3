package httptransport

import (
	"net/http"

	"lendflow/internal/origination"
	signmodels "lendflow/internal/signing/models"
	signservice "lendflow/internal/signing/service"
	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
	"lendflow/pkg/platform/httputil"
	"lendflow/pkg/requestcontext"
)

type issuePinRequest struct {
	Phone string `json:"phone"`
}

type verifyPinRequest struct {
	Code  string `json:"code"`
	PinID string `json:"pin_id"`
}

type contractResponse struct {
	*signmodels.Contract
	ApplicationState string `json:"application_state"`
}

func (h *Handler) handleGetContract(w http.ResponseWriter, r *http.Request) {
	contractID, err := contractIDParam(r)
	if err != nil {
		h.fail(w, r, "get contract", err)
		return
	}
	c, app, err := h.authorizeContract(r.Context(), contractID)
	if err != nil {
		h.fail(w, r, "get contract", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, contractResponse{Contract: c, ApplicationState: string(app.State)})
}

func (h *Handler) handleIssuePin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contractID, err := contractIDParam(r)
	if err != nil {
		h.fail(w, r, "issue pin", err)
		return
	}
	var req issuePinRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			h.fail(w, r, "issue pin", err)
			return
		}
	}
	if req.Phone != "" && !requestcontext.Actor(ctx).IsOperator() {
		h.fail(w, r, "issue pin", dErrors.New(dErrors.CodeForbidden, "only operators may redirect a signing pin"))
		return
	}
	if _, _, err := h.authorizeContract(ctx, contractID); err != nil {
		h.fail(w, r, "issue pin", err)
		return
	}
	pin, err := h.workflow.IssuePin(ctx, contractID, req.Phone)
	if err != nil {
		h.fail(w, r, "issue pin", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, pin)
}

// handleVerifyPin signs the contract. Only the applicant can sign; operators
// are refused even though they may read the contract.
func (h *Handler) handleVerifyPin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contractID, err := contractIDParam(r)
	if err != nil {
		h.fail(w, r, "verify pin", err)
		return
	}
	var req verifyPinRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, "verify pin", err)
		return
	}
	verify := signservice.VerifyRequest{Code: req.Code}
	if req.PinID != "" {
		pinID, err := id.ParsePinID(req.PinID)
		if err != nil {
			h.fail(w, r, "verify pin", err)
			return
		}
		verify.PinID = pinID
	}
	if actor := requestcontext.Actor(ctx); actor.Kind != id.ActorApplicant {
		h.fail(w, r, "verify pin", dErrors.New(dErrors.CodeForbidden, "only the applicant may sign a contract"))
		return
	}
	if _, _, err := h.authorizeContract(ctx, contractID); err != nil {
		h.fail(w, r, "verify pin", err)
		return
	}

	out, err := h.workflow.VerifyPin(ctx, contractID, verify)
	if err != nil {
		// The signature stands even when a later step was interrupted; the
		// sweeper finishes the chain.
		if out != nil && out.Signature != nil {
			writeOutcome(w, http.StatusAccepted, out, err)
			return
		}
		h.fail(w, r, "verify pin", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) handleRetryDisbursement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contractID, err := contractIDParam(r)
	if err != nil {
		h.fail(w, r, "retry disbursement", err)
		return
	}
	d, err := h.workflow.RetryDisbursement(ctx, contractID)
	if err != nil {
		// The failed attempt is in the ledger; report it rather than an error.
		if d != nil && dErrors.HasCode(err, dErrors.CodeDisbursementFailed) {
			httputil.WriteJSON(w, http.StatusOK, d)
			return
		}
		h.fail(w, r, "retry disbursement", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, d)
}

type outcomeWithError struct {
	*origination.Outcome
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func writeOutcome(w http.ResponseWriter, status int, out *origination.Outcome, err error) {
	httputil.WriteJSON(w, status, outcomeWithError{
		Outcome:          out,
		Error:            string(dErrors.CodeOf(err)),
		ErrorDescription: dErrors.MessageOf(err),
	})
}
