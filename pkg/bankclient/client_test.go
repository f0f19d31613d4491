package bankclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/bridge-service/pkg/gateway"
)

var testAccount = AccountRef{BankName: "First Bank", AccountNumber: "0011223344", RoutingNumber: "021000021"}

func TestWithdrawCommitted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/withdrawals" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get(apiKeyHeader) != "bank-key" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get(gateway.IdempotencyKeyHeader) != "idem-1" {
			t.Errorf("missing idempotency key header")
		}
		var payload MoneyMovementRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if !payload.Amount.Equal(decimal.RequireFromString("25.50")) {
			t.Errorf("unexpected amount %s", payload.Amount)
		}
		_, _ = w.Write([]byte(`{"data":{"id":"bank-tx-1","status":"successful"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "bank-key", time.Second, nil)
	result := client.Withdraw(t.Context(), testAccount, decimal.RequireFromString("25.50"), "user-1", "idem-1")
	if result.Outcome != gateway.Committed {
		t.Fatalf("expected committed, got %s (%s)", result.Outcome, result.Reason)
	}
	if result.RemoteRef != "bank-tx-1" {
		t.Fatalf("expected remote ref bank-tx-1, got %q", result.RemoteRef)
	}
}

func TestWithdrawFailedStatusIsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"id":"bank-tx-2","status":"failed","reason":"insufficient funds"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "bank-key", time.Second, nil)
	result := client.Withdraw(t.Context(), testAccount, decimal.NewFromInt(10), "user-1", "idem-2")
	if result.Outcome != gateway.Rejected {
		t.Fatalf("expected rejected, got %s", result.Outcome)
	}
	if result.Reason != "insufficient funds" {
		t.Fatalf("unexpected reason %q", result.Reason)
	}
}

func TestRefundCarriesOriginalOperation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload MoneyMovementRequest
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if r.URL.Path != "/api/v1/refunds" || payload.OriginalOperation != OpWithdraw {
			t.Errorf("unexpected refund call path=%s op=%s", r.URL.Path, payload.OriginalOperation)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"refund-1","status":"successful"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "bank-key", time.Second, nil)
	result := client.Refund(t.Context(), testAccount, decimal.NewFromInt(10), "user-1", "idem-3")
	if result.Outcome != gateway.Committed {
		t.Fatalf("expected committed, got %s", result.Outcome)
	}
}

func TestQueryTransfer(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   gateway.Outcome
	}{
		{name: "settled", status: http.StatusOK, body: `{"data":{"id":"b-1","status":"successful"}}`, want: gateway.Committed},
		{name: "failed", status: http.StatusOK, body: `{"data":{"id":"b-1","status":"failed"}}`, want: gateway.Rejected},
		{name: "pending", status: http.StatusOK, body: `{"data":{"id":"b-1","status":"pending"}}`, want: gateway.AmbiguousTimeout},
		{name: "unknown key", status: http.StatusNotFound, body: `{"errors":[{"title":"Not found"}]}`, want: gateway.NotFound},
		{name: "bank down", status: http.StatusServiceUnavailable, body: ``, want: gateway.AmbiguousTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !strings.HasPrefix(r.URL.Path, "/api/v1/transfers/idem-4") || r.URL.Query().Get("operation") != string(OpWithdraw) {
					t.Errorf("unexpected query %s", r.URL.String())
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(server.URL, "bank-key", time.Second, nil)
			got := client.QueryTransfer(t.Context(), "idem-4", OpWithdraw)
			if got.Outcome != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got.Outcome)
			}
		})
	}
}

func TestVerifyAccountNotVerifiedIsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"verified":false}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "bank-key", time.Second, nil)
	result, _ := client.VerifyAccount(t.Context(), testAccount, "Ada Obi")
	if result.Outcome != gateway.Rejected {
		t.Fatalf("expected rejected, got %s", result.Outcome)
	}
}

func TestNotifyDisconnectServerErrorIsAmbiguous(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, "bank-key", time.Second, nil)
	result := client.NotifyDisconnect(t.Context(), testAccount, "user-1")
	if result.Outcome != gateway.AmbiguousTimeout {
		t.Fatalf("expected ambiguous, got %s", result.Outcome)
	}
}
