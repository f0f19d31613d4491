/**
 * @description
 * This package provides a client for the banking partner API. It covers the
 * fiat leg of every transfer (withdraw from / deposit to the user's linked bank
 * account, refund of an earlier withdrawal), idempotency-key lookups used for
 * reconciliation, and the bank-link lifecycle calls (verify and disconnect).
 *
 * @dependencies
 * - pkg/gateway: outcome classification shared with the ledger client.
 * - github.com/shopspring/decimal: fixed-point amounts on the wire.
 */
package bankclient

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

const apiKeyHeader = "x-bank-key"

// Operation names a mutating bank call; it scopes idempotency-key lookups.
type Operation string

const (
	OpWithdraw Operation = "withdrawal"
	OpDeposit  Operation = "deposit"
	OpRefund   Operation = "refund"
)

// Client is a client for the banking partner API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new bank partner client. Every call is bounded by timeout.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// AccountRef identifies an external bank account.
type AccountRef struct {
	BankName      string
	AccountNumber string
	RoutingNumber string
}

// MoneyMovementRequest is the payload for withdrawals, deposits and refunds.
type MoneyMovementRequest struct {
	AccountNumber     string          `json:"account_number"`
	RoutingNumber     string          `json:"routing_number"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	CustomerReference string          `json:"customer_reference"`
	OriginalOperation Operation       `json:"original_operation,omitempty"`
}

// TransferResponse is returned by the money-movement and lookup endpoints.
type TransferResponse struct {
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"data"`
}

// VerifyRequest is the payload for account verification.
type VerifyRequest struct {
	BankName      string `json:"bank_name"`
	AccountNumber string `json:"account_number"`
	RoutingNumber string `json:"routing_number"`
	AccountHolder string `json:"account_holder"`
}

// VerifyResponse is the bank's verdict on a connect request.
type VerifyResponse struct {
	Data struct {
		Verified      bool   `json:"verified"`
		RoutingNumber string `json:"routing_number"`
		AccountName   string `json:"account_name"`
	} `json:"data"`
}

// DisconnectRequest notifies the bank that a link is being removed.
type DisconnectRequest struct {
	BankName          string `json:"bank_name"`
	AccountNumber     string `json:"account_number"`
	RoutingNumber     string `json:"routing_number"`
	CustomerReference string `json:"customer_reference"`
}

// Withdraw debits the user's bank account.
func (c *Client) Withdraw(ctx context.Context, account AccountRef, amount decimal.Decimal, customerRef, idempotencyKey string) gateway.Result {
	return c.move(ctx, "/api/v1/withdrawals", account, amount, customerRef, idempotencyKey, "")
}

// Deposit credits the user's bank account.
func (c *Client) Deposit(ctx context.Context, account AccountRef, amount decimal.Decimal, customerRef, idempotencyKey string) gateway.Result {
	return c.move(ctx, "/api/v1/deposits", account, amount, customerRef, idempotencyKey, "")
}

// Refund reverses an earlier withdrawal made with the same idempotency key.
func (c *Client) Refund(ctx context.Context, account AccountRef, amount decimal.Decimal, customerRef, idempotencyKey string) gateway.Result {
	return c.move(ctx, "/api/v1/refunds", account, amount, customerRef, idempotencyKey, OpWithdraw)
}

func (c *Client) move(ctx context.Context, path string, account AccountRef, amount decimal.Decimal, customerRef, idempotencyKey string, original Operation) gateway.Result {
	payload := MoneyMovementRequest{
		AccountNumber:     account.AccountNumber,
		RoutingNumber:     account.RoutingNumber,
		Amount:            amount,
		Currency:          "USD",
		CustomerReference: customerRef,
		OriginalOperation: original,
	}
	var resp TransferResponse
	result := gateway.Do(ctx, c.HTTPClient, c.logger, "bank_client", gateway.Request{
		Method:         http.MethodPost,
		URL:            c.BaseURL + path,
		APIKeyHeader:   apiKeyHeader,
		APIKey:         c.APIKey,
		IdempotencyKey: idempotencyKey,
		Body:           payload,
	}, &resp, func() string { return resp.Data.ID })
	if result.Outcome == gateway.Committed {
		return statusToResult(resp, result)
	}
	return result
}

// QueryTransfer looks up the outcome of an earlier call by its idempotency key.
func (c *Client) QueryTransfer(ctx context.Context, idempotencyKey string, op Operation) gateway.Result {
	var resp TransferResponse
	endpoint := fmt.Sprintf("%s/api/v1/transfers/%s?operation=%s", c.BaseURL, url.PathEscape(idempotencyKey), url.QueryEscape(string(op)))
	result := gateway.Do(ctx, c.HTTPClient, c.logger, "bank_client", gateway.Request{
		Method:       http.MethodGet,
		URL:          endpoint,
		APIKeyHeader: apiKeyHeader,
		APIKey:       c.APIKey,
		Query:        true,
	}, &resp, func() string { return resp.Data.ID })
	if result.Outcome == gateway.Committed {
		return statusToResult(resp, result)
	}
	return result
}

// VerifyAccount asks the bank to confirm the account exists and belongs to holder.
// A false verdict is reported as Rejected.
func (c *Client) VerifyAccount(ctx context.Context, account AccountRef, holder string) (gateway.Result, *VerifyResponse) {
	var resp VerifyResponse
	result := gateway.Do(ctx, c.HTTPClient, c.logger, "bank_client", gateway.Request{
		Method:       http.MethodPost,
		URL:          c.BaseURL + "/api/v1/accounts/verify",
		APIKeyHeader: apiKeyHeader,
		APIKey:       c.APIKey,
		Body: VerifyRequest{
			BankName:      account.BankName,
			AccountNumber: account.AccountNumber,
			RoutingNumber: account.RoutingNumber,
			AccountHolder: holder,
		},
	}, &resp, nil)
	if result.Outcome == gateway.Committed && !resp.Data.Verified {
		result.Outcome = gateway.Rejected
		result.Reason = "account not verified"
	}
	return result, &resp
}

// NotifyDisconnect tells the bank a link is being removed.
func (c *Client) NotifyDisconnect(ctx context.Context, account AccountRef, customerRef string) gateway.Result {
	return gateway.Do(ctx, c.HTTPClient, c.logger, "bank_client", gateway.Request{
		Method:       http.MethodPost,
		URL:          c.BaseURL + "/api/v1/accounts/disconnect",
		APIKeyHeader: apiKeyHeader,
		APIKey:       c.APIKey,
		Body: DisconnectRequest{
			BankName:          account.BankName,
			AccountNumber:     account.AccountNumber,
			RoutingNumber:     account.RoutingNumber,
			CustomerReference: customerRef,
		},
	}, nil, nil)
}

// statusToResult folds the body status of a 2xx answer into the outcome.
func statusToResult(resp TransferResponse, result gateway.Result) gateway.Result {
	switch strings.ToLower(strings.TrimSpace(resp.Data.Status)) {
	case "", "successful", "success", "completed":
		return result
	case "failed", "rejected", "declined":
		result.Outcome = gateway.Rejected
		result.Reason = resp.Data.Reason
		return result
	default:
		// pending/processing: the remote accepted the key but has not settled it.
		result.Outcome = gateway.AmbiguousTimeout
		result.Reason = "remote status " + resp.Data.Status
		return result
	}
}
