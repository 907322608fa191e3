package collaborators

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
)

func TestHTTPVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewEncoder(w).Encode(verifyResponse{Passed: req.NationalID == "8001015009087", Details: "checked"})
	}))
	defer srv.Close()

	v := NewHTTPVerifier("identity", srv.URL, srv.Client())

	res, err := v.Verify(context.Background(), id.Applicant{NationalID: "8001015009087"})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, "checked", res.Details)

	res, err = v.Verify(context.Background(), id.Applicant{NationalID: "9001015009081"})
	require.NoError(t, err)
	assert.False(t, res.Passed)
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		code   dErrors.Code
	}{
		{name: "server error", status: http.StatusBadGateway, body: `{}`, code: dErrors.CodeUnavailable},
		{name: "throttled", status: http.StatusTooManyRequests, body: `{}`, code: dErrors.CodeUnavailable},
		{name: "rejected", status: http.StatusUnprocessableEntity, body: `{"error":"bad account"}`, code: dErrors.CodeBadRequest},
		{name: "malformed body", status: http.StatusOK, body: `{not json`, code: dErrors.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			g := NewHTTPPaymentGateway(srv.URL, srv.Client())
			_, err := g.Disburse(context.Background(), id.BankAccount{}, decimal.NewFromInt(1), "c-1")
			assert.True(t, dErrors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestHTTPPaymentGatewaySendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req paymentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "c-2", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "5000.00", req.Amount)
		assert.Equal(t, "62001234567", req.Account.AccountNumber)
		_ = json.NewEncoder(w).Encode(paymentResponse{Confirmed: true, ProviderRef: "px-9"})
	}))
	defer srv.Close()

	g := NewHTTPPaymentGateway(srv.URL, srv.Client())
	res, err := g.Disburse(context.Background(), id.BankAccount{AccountNumber: "62001234567"}, decimal.NewFromInt(5000), "c-2")
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.Equal(t, "px-9", res.ProviderRef)
}

func TestHTTPTimeoutThroughGuard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	guard := NewGuard("messaging", 20*time.Millisecond, BreakerSettings{Failures: 5})
	sender := NewGuardedSender(guard, NewHTTPMessageSender(srv.URL, srv.Client()))

	_, err := sender.SendPin(context.Background(), "+27821234567", "123456")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout), "got %v", err)
}

func TestSandboxAdapters(t *testing.T) {
	ctx := context.Background()

	t.Run("verifier fails by suffix", func(t *testing.T) {
		v := SandboxVerifier{Name: "identity", FailSuffix: "0000"}
		res, err := v.Verify(ctx, id.Applicant{NationalID: "8001010000"})
		require.NoError(t, err)
		assert.False(t, res.Passed)
	})

	t.Run("sender remembers the last pin", func(t *testing.T) {
		s := NewSandboxSender(nil)
		_, err := s.SendPin(ctx, "+27820000001", "000042")
		require.NoError(t, err)
		pin, ok := s.LastPin("+27820000001")
		assert.True(t, ok)
		assert.Equal(t, "000042", pin)
	})

	t.Run("gateway is idempotent per reference", func(t *testing.T) {
		g := NewSandboxGateway("999")
		first, err := g.Disburse(ctx, id.BankAccount{AccountNumber: "62001234567"}, decimal.NewFromInt(1), "c-1")
		require.NoError(t, err)
		again, err := g.Disburse(ctx, id.BankAccount{AccountNumber: "62001234567"}, decimal.NewFromInt(1), "c-1")
		require.NoError(t, err)
		assert.Equal(t, first.ProviderRef, again.ProviderRef)

		declined, err := g.Disburse(ctx, id.BankAccount{AccountNumber: "99912"}, decimal.NewFromInt(1), "c-2")
		require.NoError(t, err)
		assert.False(t, declined.Confirmed)
	})
}
