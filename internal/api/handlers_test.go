package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/bridge-service/internal/app"
	"github.com/transfa/bridge-service/internal/domain"
	"github.com/transfa/bridge-service/pkg/middleware"
)

type directoryStub struct {
	DirectoryService
	registerErr error
	loginErr    error
	connected   *domain.ConnectBankRequest
}

func (s *directoryStub) Register(ctx context.Context, req domain.RegisterRequest) (*domain.RegisterResponse, error) {
	if s.registerErr != nil {
		return nil, s.registerErr
	}
	return &domain.RegisterResponse{UserID: uuid.New(), LedgerAddress: "GNEW"}, nil
}

func (s *directoryStub) Login(ctx context.Context, req domain.LoginRequest) (*domain.Session, error) {
	if s.loginErr != nil {
		return nil, s.loginErr
	}
	return &domain.Session{Token: "session-token"}, nil
}

func (s *directoryStub) ConnectBank(ctx context.Context, req domain.ConnectBankRequest) (*domain.BankLink, error) {
	s.connected = &req
	return &domain.BankLink{ID: uuid.New(), UserID: req.UserID, Status: domain.BankLinkConnected}, nil
}

type transferStub struct {
	TransferService
	lastRequest domain.TransferRequest
	depositErr  error
	limbo       []domain.Transfer
}

func (s *transferStub) Deposit(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error) {
	s.lastRequest = req
	t := &domain.Transfer{ID: uuid.New(), UserID: req.UserID, Amount: req.Amount, Status: domain.StatusCompleted, IdempotencyKey: req.IdempotencyKey}
	if s.depositErr != nil {
		return &domain.TransferResult{Transfer: t}, s.depositErr
	}
	return &domain.TransferResult{Transfer: t, Balance: req.Amount, RemoteRef: "ledger-tx-1"}, nil
}

func (s *transferStub) ListFundsInLimbo(ctx context.Context, limit int) ([]domain.Transfer, error) {
	return s.limbo, nil
}

type healthStub struct{ err error }

func (h healthStub) Ping(ctx context.Context) error { return h.err }

type testServer struct {
	router    http.Handler
	tokens    *middleware.TokenManager
	directory *directoryStub
	transfers *transferStub
}

func newTestServer(t *testing.T, limiter middleware.Limiter, health HealthChecker) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := &testServer{
		tokens:    middleware.NewTokenManager("test-secret", time.Hour),
		directory: &directoryStub{},
		transfers: &transferStub{},
	}
	s.router = NewRouter(NewHandler(s.directory, s.transfers, logger), RouterConfig{
		Tokens:         s.tokens,
		TransferLimit:  limiter,
		AllowedOrigins: []string{"*"},
		Metrics:        app.NewMetrics(),
		Health:         health,
		Logger:         logger,
	})
	return s
}

func (s *testServer) do(t *testing.T, method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(blob)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) userToken(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	token, _, err := s.tokens.Issue(userID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func depositBody(userID uuid.UUID) map[string]any {
	return map[string]any{
		"user_id":            userID.String(),
		"ledger_address":     "GADA",
		"amount":             "12.5",
		"bank_connection_id": uuid.New().String(),
	}
}

func TestRegisterReturnsCreated(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := s.do(t, http.MethodPost, "/auth/register", "", map[string]string{"email": "a@b.co"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}

	s.directory.registerErr = &app.Error{Kind: app.KindValidation, Message: "an account already exists for this email and device"}
	rec = s.do(t, http.MethodPost, "/auth/register", "", map[string]string{"email": "a@b.co"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	s := newTestServer(t, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestLoginFailureCarriesReasonCode(t *testing.T) {
	s := newTestServer(t, nil, nil)
	login := map[string]string{"email": "a@b.co", "password": "pw", "device": "tablet", "location": "Lagos"}

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&app.Error{Kind: app.KindAuth, Code: app.CodeInvalidCredentials, Message: "invalid credentials"}, http.StatusUnauthorized, "invalid_credentials"},
		{&app.Error{Kind: app.KindAuth, Code: app.CodeDeviceNotAuthorized, Message: "device is not authorized for this account"}, http.StatusUnauthorized, "device_not_authorized"},
		{&app.Error{Kind: app.KindForbidden, Code: app.CodeLocationMismatch, Message: "location mismatch"}, http.StatusForbidden, "location_mismatch"},
	}
	for _, tc := range cases {
		s.directory.loginErr = tc.err
		rec := s.do(t, http.MethodPost, "/auth/login", "", login, nil)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.code, tc.status, rec.Code)
		}
		var body errorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if body.Code != tc.code {
			t.Fatalf("expected code %q, got %q", tc.code, body.Code)
		}
	}
}

func TestDepositBindsCallerAndIdempotencyKey(t *testing.T) {
	s := newTestServer(t, nil, nil)
	userID := uuid.New()

	rec := s.do(t, http.MethodPost, "/transfers/deposit", s.userToken(t, userID), depositBody(userID), map[string]string{"Idempotency-Key": "dep-abc"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if s.transfers.lastRequest.IdempotencyKey != "dep-abc" || s.transfers.lastRequest.UserID != userID {
		t.Fatalf("unexpected request passed to orchestrator: %+v", s.transfers.lastRequest)
	}
	if !s.transfers.lastRequest.Amount.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("expected amount 12.5, got %s", s.transfers.lastRequest.Amount)
	}

	var resp transferResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Balance != "12.5" || resp.RemoteRef != "ledger-tx-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if rec.Header().Get("Idempotency-Key") != "dep-abc" {
		t.Fatalf("expected idempotency key echoed")
	}
}

func TestDepositRequiresMatchingSession(t *testing.T) {
	s := newTestServer(t, nil, nil)
	userID := uuid.New()

	rec := s.do(t, http.MethodPost, "/transfers/deposit", "", depositBody(userID), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/transfers/deposit", s.userToken(t, uuid.New()), depositBody(userID), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another user's id, got %d", rec.Code)
	}
}

func TestDepositFailureCarriesTransfer(t *testing.T) {
	s := newTestServer(t, nil, nil)
	userID := uuid.New()
	compensated := &domain.Transfer{ID: uuid.New(), Status: domain.StatusCompensated}
	s.transfers.depositErr = &app.Error{Kind: app.KindRemoteUnavailable, Message: "destination leg failed; source leg was refunded", Transfer: compensated}

	rec := s.do(t, http.MethodPost, "/transfers/deposit", s.userToken(t, userID), depositBody(userID), nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Kind != "remote_unavailable" || resp.Transfer == nil || resp.Transfer.Status != domain.StatusCompensated {
		t.Fatalf("unexpected error body %+v", resp)
	}
}

func TestConnectBankFillsCallerFromSession(t *testing.T) {
	s := newTestServer(t, nil, nil)
	userID := uuid.New()

	rec := s.do(t, http.MethodPost, "/bank/connect", s.userToken(t, userID), map[string]string{
		"bank_name": "Zenith", "account_number": "1234567890", "routing_number": "057000000",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	if s.directory.connected == nil || s.directory.connected.UserID != userID {
		t.Fatalf("expected the session user to be bound")
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[app.Kind]int{
		app.KindValidation:         http.StatusBadRequest,
		app.KindNotFound:           http.StatusNotFound,
		app.KindAuth:               http.StatusUnauthorized,
		app.KindForbidden:          http.StatusForbidden,
		app.KindRemoteRejected:     http.StatusUnprocessableEntity,
		app.KindRemoteUnavailable:  http.StatusInternalServerError,
		app.KindRemoteAmbiguous:    http.StatusInternalServerError,
		app.KindCompensationFailed: http.StatusInternalServerError,
		app.KindConflict:           http.StatusConflict,
	}
	for kind, want := range cases {
		if got := statusFor(&app.Error{Kind: kind, Message: kind.String()}); got != want {
			t.Errorf("%s: expected %d, got %d", kind, want, got)
		}
	}
	if got := statusFor(fmt.Errorf("wrapped: %w", errors.New("db down"))); got != http.StatusInternalServerError {
		t.Errorf("plain errors should be 500, got %d", got)
	}
}

func TestOperatorLimboRequiresOperatorRole(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.transfers.limbo = []domain.Transfer{{ID: uuid.New(), Status: domain.StatusCompensationFailed, FundsInLimbo: true}}

	rec := s.do(t, http.MethodGet, "/operator/limbo", s.userToken(t, uuid.New()), nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a user token, got %d", rec.Code)
	}

	operatorToken, _, err := s.tokens.IssueOperator("ops")
	if err != nil {
		t.Fatalf("issue operator token: %v", err)
	}
	rec = s.do(t, http.MethodGet, "/operator/limbo", operatorToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var transfers []domain.Transfer
	if err := json.Unmarshal(rec.Body.Bytes(), &transfers); err != nil || len(transfers) != 1 {
		t.Fatalf("expected one limbo transfer, got %d (%v)", len(transfers), err)
	}
}

func TestTransferRateLimit(t *testing.T) {
	s := newTestServer(t, middleware.NewLocalRateLimiter(1), nil)
	userID := uuid.New()
	token := s.userToken(t, userID)

	if rec := s.do(t, http.MethodPost, "/transfers/deposit", token, depositBody(userID), nil); rec.Code != http.StatusOK {
		t.Fatalf("expected first deposit through, got %d", rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/transfers/deposit", token, depositBody(userID), nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil, healthStub{})
	if rec := s.do(t, http.MethodGet, "/health", "", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", rec.Code)
	}
	rec := s.do(t, http.MethodGet, "/metrics", "", nil, nil)
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("bridge_http_requests_total")) {
		t.Fatalf("expected metrics exposition, got %d", rec.Code)
	}

	down := newTestServer(t, nil, healthStub{err: errors.New("connection refused")})
	if rec := down.do(t, http.MethodGet, "/health", "", nil, nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
