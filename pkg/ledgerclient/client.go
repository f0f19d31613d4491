/**
 * @description
 * This package provides a client for the chain-ledger gateway. The gateway
 * submits payments on the ledger network and keeps custody of account signing
 * keys; this service only ever sees public addresses.
 *
 * @dependencies
 * - pkg/gateway: outcome classification shared with the bank client.
 * - github.com/shopspring/decimal: fixed-point amounts on the wire.
 */
package ledgerclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/bridge-service/pkg/gateway"
)

const apiKeyHeader = "x-ledger-key"

// Operation names a mutating ledger call.
type Operation string

const (
	OpDebit  Operation = "withdrawal"
	OpCredit Operation = "deposit"
	OpRefund Operation = "refund"
)

// Client is a client for the chain-ledger gateway.
type Client struct {
	BaseURL    string
	APIKey     string
	Network    string
	HTTPClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new ledger gateway client.
func NewClient(baseURL, apiKey, network string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if strings.TrimSpace(network) == "" {
		network = "testnet"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:     apiKey,
		Network:    network,
		HTTPClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// PaymentRequest is the payload for debits, credits and refunds.
type PaymentRequest struct {
	Address   string          `json:"address"`
	Amount    decimal.Decimal `json:"amount"`
	Operation Operation       `json:"operation"`
	Network   string          `json:"network"`
	Reference string          `json:"reference"`
}

// PaymentResponse is returned by the payment and lookup endpoints.
type PaymentResponse struct {
	ID         string `json:"id"`
	Successful *bool  `json:"successful,omitempty"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
}

// CreateAccountResponse carries the public address of a newly provisioned account.
// The gateway keeps the signing secret in its keystore.
type CreateAccountResponse struct {
	AccountID string `json:"account_id"`
}

// Debit removes funds from the ledger account.
func (c *Client) Debit(ctx context.Context, address string, amount decimal.Decimal, reference, idempotencyKey string) gateway.Result {
	return c.pay(ctx, OpDebit, address, amount, reference, idempotencyKey)
}

// Credit adds funds to the ledger account.
func (c *Client) Credit(ctx context.Context, address string, amount decimal.Decimal, reference, idempotencyKey string) gateway.Result {
	return c.pay(ctx, OpCredit, address, amount, reference, idempotencyKey)
}

// Refund reverses an earlier debit made with the same idempotency key.
func (c *Client) Refund(ctx context.Context, address string, amount decimal.Decimal, reference, idempotencyKey string) gateway.Result {
	return c.pay(ctx, OpRefund, address, amount, reference, idempotencyKey)
}

func (c *Client) pay(ctx context.Context, op Operation, address string, amount decimal.Decimal, reference, idempotencyKey string) gateway.Result {
	var resp PaymentResponse
	result := gateway.Do(ctx, c.HTTPClient, c.logger, "ledger_client", gateway.Request{
		Method:         http.MethodPost,
		URL:            c.BaseURL + "/transactions",
		APIKeyHeader:   apiKeyHeader,
		APIKey:         c.APIKey,
		IdempotencyKey: idempotencyKey,
		Body: PaymentRequest{
			Address:   address,
			Amount:    amount,
			Operation: op,
			Network:   c.Network,
			Reference: reference,
		},
	}, &resp, func() string { return resp.ID })
	if result.Outcome == gateway.Committed {
		return paymentToResult(resp, result)
	}
	return result
}

// QueryTransfer looks up a payment by the idempotency key it was submitted with.
func (c *Client) QueryTransfer(ctx context.Context, idempotencyKey string, op Operation) gateway.Result {
	var resp PaymentResponse
	endpoint := fmt.Sprintf("%s/transactions/by-key/%s?operation=%s", c.BaseURL, url.PathEscape(idempotencyKey), url.QueryEscape(string(op)))
	result := gateway.Do(ctx, c.HTTPClient, c.logger, "ledger_client", gateway.Request{
		Method:       http.MethodGet,
		URL:          endpoint,
		APIKeyHeader: apiKeyHeader,
		APIKey:       c.APIKey,
		Query:        true,
	}, &resp, func() string { return resp.ID })
	if result.Outcome == gateway.Committed {
		return paymentToResult(resp, result)
	}
	return result
}

// CreateAccount provisions a new ledger account and returns its public address.
func (c *Client) CreateAccount(ctx context.Context, ownerReference string) (string, gateway.Result) {
	var resp CreateAccountResponse
	result := gateway.Do(ctx, c.HTTPClient, c.logger, "ledger_client", gateway.Request{
		Method:         http.MethodPost,
		URL:            c.BaseURL + "/accounts",
		APIKeyHeader:   apiKeyHeader,
		APIKey:         c.APIKey,
		IdempotencyKey: "acct-" + ownerReference,
		Body: map[string]string{
			"owner_reference": ownerReference,
			"network":         c.Network,
		},
	}, &resp, func() string { return resp.AccountID })
	if result.Outcome == gateway.Committed && strings.TrimSpace(resp.AccountID) == "" {
		result.Outcome = gateway.Rejected
		result.Reason = "ledger gateway returned no account id"
	}
	return strings.TrimSpace(resp.AccountID), result
}

func paymentToResult(resp PaymentResponse, result gateway.Result) gateway.Result {
	if resp.Successful != nil && !*resp.Successful {
		result.Outcome = gateway.Rejected
		result.Reason = resp.Reason
		return result
	}
	switch strings.ToLower(strings.TrimSpace(resp.Status)) {
	case "", "success", "successful", "completed":
		return result
	case "failed", "rejected":
		result.Outcome = gateway.Rejected
		result.Reason = resp.Reason
		return result
	default:
		result.Outcome = gateway.AmbiguousTimeout
		result.Reason = "remote status " + resp.Status
		return result
	}
}
