/**
 * @description
 * Package gateway holds the request/response plumbing shared by the remote
 * adapters (bank partner and chain ledger). Every mutating call returns a
 * Result whose Outcome the caller must switch on; transport failures are
 * never surfaced as plain errors.
 *
 * @dependencies
 * - net/http, encoding/json: HTTP exchange and JSON bodies.
 */
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Outcome is the classified result of one remote call.
type Outcome int

const (
	// Committed means the remote system applied the operation.
	Committed Outcome = iota + 1
	// Rejected means the remote system declined the operation; nothing happened.
	Rejected
	// Unreachable means the request never reached the remote system, or was
	// throttled before it was processed.
	Unreachable
	// AmbiguousTimeout means the request may or may not have taken effect.
	AmbiguousTimeout
	// NotFound is only returned by idempotency-key queries: the remote has no record of the key.
	NotFound
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case Rejected:
		return "rejected"
	case Unreachable:
		return "unreachable"
	case AmbiguousTimeout:
		return "ambiguous_timeout"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Transient reports whether the outcome may be retried with the same idempotency key.
func (o Outcome) Transient() bool {
	return o == Unreachable || o == AmbiguousTimeout
}

// Result is what an adapter call returns.
type Result struct {
	Outcome    Outcome
	RemoteRef  string
	Reason     string
	StatusCode int
}

// IdempotencyKeyHeader carries the caller's idempotency key on every mutating request.
const IdempotencyKeyHeader = "Idempotency-Key"

// Request describes a single remote exchange.
type Request struct {
	Method         string
	URL            string
	APIKeyHeader   string
	APIKey         string
	IdempotencyKey string
	Body           interface{}
	// Query marks an idempotency-key lookup, where 404 means NotFound rather than Rejected.
	Query bool
}

// ErrorBody is the error envelope both partner APIs return on non-2xx responses.
type ErrorBody struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e ErrorBody) reason() string {
	if len(e.Errors) == 0 {
		return ""
	}
	if e.Errors[0].Detail == "" {
		return e.Errors[0].Title
	}
	return fmt.Sprintf("%s - %s", e.Errors[0].Title, e.Errors[0].Detail)
}

// Do executes req, decodes a 2xx body into target (when non-nil) and classifies the exchange.
// refOf extracts the remote reference from the decoded target; it may be nil.
func Do(ctx context.Context, client *http.Client, logger *slog.Logger, component string, req Request, target interface{}, refOf func() string) Result {
	if logger == nil {
		logger = slog.Default()
	}

	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			// Nothing was sent, so the remote cannot have acted on it.
			return Result{Outcome: Rejected, Reason: fmt.Sprintf("marshal request: %v", err)}
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return Result{Outcome: Rejected, Reason: fmt.Sprintf("build request: %v", err)}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.APIKeyHeader != "" && req.APIKey != "" {
		httpReq.Header.Set(req.APIKeyHeader, req.APIKey)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(IdempotencyKeyHeader, req.IdempotencyKey)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		outcome := classifyTransportError(err)
		logger.Warn("remote call failed", "component", component, "method", req.Method, "url", req.URL, "outcome", outcome.String(), "err", err)
		return Result{Outcome: outcome, Reason: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		// The remote already answered with a status line; the body was lost in flight.
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return Result{Outcome: AmbiguousTimeout, StatusCode: resp.StatusCode, Reason: fmt.Sprintf("read response: %v", err)}
		}
		return Result{Outcome: ClassifyStatus(resp.StatusCode, req.Query), StatusCode: resp.StatusCode, Reason: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if target != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, target); err != nil {
				logger.Warn("undecodable success body", "component", component, "url", req.URL, "status", resp.StatusCode, "err", err)
				return Result{Outcome: AmbiguousTimeout, StatusCode: resp.StatusCode, Reason: fmt.Sprintf("decode response: %v", err)}
			}
		}
		result := Result{Outcome: Committed, StatusCode: resp.StatusCode}
		if refOf != nil {
			result.RemoteRef = strings.TrimSpace(refOf())
		}
		return result
	}

	var errBody ErrorBody
	reason := fmt.Sprintf("status %d", resp.StatusCode)
	if jsonErr := json.Unmarshal(raw, &errBody); jsonErr == nil && errBody.reason() != "" {
		reason = errBody.reason()
	}
	outcome := ClassifyStatus(resp.StatusCode, req.Query)
	logger.Warn("remote call non-2xx", "component", component, "method", req.Method, "url", req.URL, "status", resp.StatusCode, "outcome", outcome.String(), "reason", reason)
	return Result{Outcome: outcome, StatusCode: resp.StatusCode, Reason: reason}
}

// ClassifyStatus maps a non-2xx status code to an Outcome.
func ClassifyStatus(status int, query bool) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Committed
	case status == http.StatusNotFound && query:
		return NotFound
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return AmbiguousTimeout
	case status == http.StatusConflict:
		// The remote is still processing an earlier request with the same key.
		return AmbiguousTimeout
	case status == http.StatusTooManyRequests:
		// Throttled before the operation was processed.
		return Unreachable
	case status >= 500:
		// The request reached the remote, which may have applied it before failing.
		return AmbiguousTimeout
	case status >= 400:
		return Rejected
	default:
		return AmbiguousTimeout
	}
}

func classifyTransportError(err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return AmbiguousTimeout
	}
	if errors.Is(err, context.Canceled) {
		return AmbiguousTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return AmbiguousTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return Unreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Unreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return Unreachable
	}
	// Connection reset after the request was written: effect unknown.
	return AmbiguousTimeout
}
