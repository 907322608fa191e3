package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"lendflow/internal/ports"
	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
)

// maxResponseBody caps how much of a provider response is read.
const maxResponseBody = 1 << 20

// jsonClient posts JSON documents to one provider endpoint.
type jsonClient struct {
	name     string
	endpoint string
	http     *http.Client
}

func newJSONClient(name, endpoint string, client *http.Client) jsonClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return jsonClient{name: name, endpoint: endpoint, http: client}
}

func (c jsonClient) post(ctx context.Context, in any, out any, header http.Header) error {
	body, err := json.Marshal(in)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "encode "+c.name+" request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "build "+c.name+" request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Context errors pass through unwrapped so the guard reports a timeout.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return dErrors.Wrap(err, dErrors.CodeUnavailable, c.name+" unreachable")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "read "+c.name+" response")
	}
	if err := statusError(c.name, resp.StatusCode, payload); err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "malformed "+c.name+" response")
	}
	return nil
}

func statusError(name string, status int, payload []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return dErrors.Newf(dErrors.CodeUnavailable, "%s returned %d", name, status)
	default:
		return dErrors.Newf(dErrors.CodeBadRequest, "%s rejected the request with %d: %s", name, status, snippet(payload))
	}
}

func snippet(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

type verifyRequest struct {
	NationalID string `json:"national_id"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Phone      string `json:"phone,omitempty"`
	Employer   string `json:"employer,omitempty"`
}

type verifyResponse struct {
	Passed  bool   `json:"passed"`
	Details string `json:"details"`
}

// HTTPVerifier checks an applicant against a verification endpoint.
type HTTPVerifier struct {
	client jsonClient
}

func NewHTTPVerifier(name, endpoint string, client *http.Client) *HTTPVerifier {
	return &HTTPVerifier{client: newJSONClient(name, endpoint, client)}
}

func (v *HTTPVerifier) Verify(ctx context.Context, applicant id.Applicant) (ports.VerificationResult, error) {
	var out verifyResponse
	err := v.client.post(ctx, verifyRequest{
		NationalID: applicant.NationalID,
		FirstName:  applicant.FirstName,
		LastName:   applicant.LastName,
		Phone:      applicant.Phone,
		Employer:   applicant.Employer,
	}, &out, nil)
	if err != nil {
		return ports.VerificationResult{}, err
	}
	return ports.VerificationResult{Passed: out.Passed, Details: out.Details}, nil
}

type messageRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type messageResponse struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id"`
}

// HTTPMessageSender delivers signing PINs through an SMS endpoint.
type HTTPMessageSender struct {
	client jsonClient
}

func NewHTTPMessageSender(endpoint string, client *http.Client) *HTTPMessageSender {
	return &HTTPMessageSender{client: newJSONClient("messaging", endpoint, client)}
}

func (s *HTTPMessageSender) SendPin(ctx context.Context, phone, pin string) (ports.DispatchResult, error) {
	var out messageResponse
	err := s.client.post(ctx, messageRequest{To: phone, Body: PinMessage(pin)}, &out, nil)
	if err != nil {
		return ports.DispatchResult{}, err
	}
	return ports.DispatchResult{Accepted: out.Accepted, ProviderID: out.ID}, nil
}

// PinMessage is the SMS text carrying a signing PIN.
func PinMessage(pin string) string {
	return fmt.Sprintf("Your loan contract signing code is %s. It expires in 10 minutes. Never share this code.", pin)
}

type paymentRequest struct {
	Reference string         `json:"reference"`
	Amount    string         `json:"amount"`
	Account   id.BankAccount `json:"account"`
}

type paymentResponse struct {
	Confirmed     bool   `json:"confirmed"`
	FailureReason string `json:"failure_reason"`
	ProviderRef   string `json:"provider_ref"`
}

// HTTPPaymentGateway issues payouts. The reference is sent as the
// Idempotency-Key header so a repeated attempt cannot pay twice.
type HTTPPaymentGateway struct {
	client jsonClient
}

func NewHTTPPaymentGateway(endpoint string, client *http.Client) *HTTPPaymentGateway {
	return &HTTPPaymentGateway{client: newJSONClient("payment", endpoint, client)}
}

func (g *HTTPPaymentGateway) Disburse(ctx context.Context, account id.BankAccount, amount decimal.Decimal, reference string) (ports.PaymentResult, error) {
	var out paymentResponse
	header := http.Header{}
	header.Set("Idempotency-Key", reference)
	err := g.client.post(ctx, paymentRequest{
		Reference: reference,
		Amount:    amount.StringFixed(2),
		Account:   account,
	}, &out, header)
	if err != nil {
		return ports.PaymentResult{}, err
	}
	return ports.PaymentResult{
		Confirmed:     out.Confirmed,
		FailureReason: out.FailureReason,
		ProviderRef:   out.ProviderRef,
	}, nil
}
