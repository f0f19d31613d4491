/**
 * @description
 * HTTP handlers for the bridge service. Handlers decode JSON, bind the caller
 * from the session token, delegate to the directory or the orchestrator and
 * map typed service errors to status codes.
 *
 * @dependencies
 * - internal/app: services and the error taxonomy.
 * - github.com/go-chi/chi/v5: URL parameters.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/bridge-service/internal/app"
	"github.com/transfa/bridge-service/internal/domain"
	"github.com/transfa/bridge-service/pkg/middleware"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	defaultPageSize      = 20
	maxPageSize          = 100
)

// DirectoryService is the account directory as seen by the HTTP layer.
type DirectoryService interface {
	Register(ctx context.Context, req domain.RegisterRequest) (*domain.RegisterResponse, error)
	Login(ctx context.Context, req domain.LoginRequest) (*domain.Session, error)
	BiometricLogin(ctx context.Context, req domain.BiometricLoginRequest) (*domain.Session, error)
	UpdateProfile(ctx context.Context, req domain.UpdateProfileRequest) (*domain.User, error)
	SetBiometrics(ctx context.Context, req domain.SetBiometricsRequest) error
	ConnectBank(ctx context.Context, req domain.ConnectBankRequest) (*domain.BankLink, error)
	DisconnectBank(ctx context.Context, req domain.DisconnectBankRequest) error
	ListBankLinks(ctx context.Context, userID uuid.UUID) ([]domain.BankLink, error)
}

// TransferService is the orchestrator as seen by the HTTP layer.
type TransferService interface {
	Deposit(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error)
	Withdraw(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error)
	Resume(ctx context.Context, transferID uuid.UUID) (*domain.TransferResult, error)
	Cancel(ctx context.Context, userID, transferID uuid.UUID) (*domain.Transfer, error)
	GetTransfer(ctx context.Context, userID, transferID uuid.UUID) (*domain.Transfer, error)
	ListTransfers(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transfer, error)
	ListFundsInLimbo(ctx context.Context, limit int) ([]domain.Transfer, error)
	Balance(ctx context.Context, userID uuid.UUID) (*domain.LedgerAccount, error)
}

// Handler holds the services that handlers interact with.
type Handler struct {
	directory DirectoryService
	transfers TransferService
	logger    *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(directory DirectoryService, transfers TransferService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{directory: directory, transfers: transfers, logger: logger.With("component", "api")}
}

type errorResponse struct {
	Error    string           `json:"error"`
	Kind     string           `json:"kind"`
	Code     string           `json:"code,omitempty"`
	Transfer *domain.Transfer `json:"transfer,omitempty"`
}

type balanceResponse struct {
	UserID        uuid.UUID `json:"user_id"`
	LedgerAddress string    `json:"ledger_address"`
	Balance       string    `json:"balance"`
}

type transferResponse struct {
	Transfer  *domain.Transfer `json:"transfer"`
	Balance   string           `json:"balance"`
	RemoteRef string           `json:"remote_ref,omitempty"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.directory.Register(r.Context(), req)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := h.directory.Login(r.Context(), req)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, session)
}

func (h *Handler) handleBiometricLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.BiometricLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := h.directory.BiometricLogin(r.Context(), req)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, session)
}

func (h *Handler) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID, ok := bindCaller(w, r, &req.UserID)
	if !ok {
		return
	}
	req.UserID = userID
	user, err := h.directory.UpdateProfile(r.Context(), req)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, user)
}

func (h *Handler) handleSetBiometrics(w http.ResponseWriter, r *http.Request) {
	var req domain.SetBiometricsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pathID, ok := pathUUID(w, r, "userID")
	if !ok {
		return
	}
	if _, ok := bindCaller(w, r, &pathID); !ok {
		return
	}
	req.UserID = pathID
	if err := h.directory.SetBiometrics(r.Context(), req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"biometrics_enabled": req.Enabled})
}

func (h *Handler) handleConnectBank(w http.ResponseWriter, r *http.Request) {
	var req domain.ConnectBankRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID, ok := bindCaller(w, r, &req.UserID)
	if !ok {
		return
	}
	req.UserID = userID
	link, err := h.directory.ConnectBank(r.Context(), req)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, link)
}

func (h *Handler) handleDisconnectBank(w http.ResponseWriter, r *http.Request) {
	var req domain.DisconnectBankRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID, ok := bindCaller(w, r, &req.UserID)
	if !ok {
		return
	}
	req.UserID = userID
	if err := h.directory.DisconnectBank(r.Context(), req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (h *Handler) handleListBankLinks(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondWithMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	links, err := h.directory.ListBankLinks(r.Context(), userID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, links)
}

func (h *Handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	h.handleTransfer(w, r, h.transfers.Deposit)
}

func (h *Handler) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	h.handleTransfer(w, r, h.transfers.Withdraw)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request, run func(context.Context, domain.TransferRequest) (*domain.TransferResult, error)) {
	var req domain.TransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID, ok := bindCaller(w, r, &req.UserID)
	if !ok {
		return
	}
	req.UserID = userID
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))

	result, err := run(r.Context(), req)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	if result.Transfer != nil {
		w.Header().Set(idempotencyKeyHeader, result.Transfer.IdempotencyKey)
	}
	respondWithJSON(w, http.StatusOK, transferResponse{
		Transfer:  result.Transfer,
		Balance:   result.Balance.String(),
		RemoteRef: result.RemoteRef,
	})
}

func (h *Handler) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondWithMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit := queryInt(r, "limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	transfers, err := h.transfers.ListTransfers(r.Context(), userID, limit, offset)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, transfers)
}

func (h *Handler) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondWithMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	transferID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	t, err := h.transfers.GetTransfer(r.Context(), userID, transferID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, t)
}

func (h *Handler) handleCancelTransfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondWithMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	transferID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	t, err := h.transfers.Cancel(r.Context(), userID, transferID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, t)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	pathID, ok := pathUUID(w, r, "userID")
	if !ok {
		return
	}
	userID, ok := bindCaller(w, r, &pathID)
	if !ok {
		return
	}
	account, err := h.transfers.Balance(r.Context(), userID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, balanceResponse{
		UserID:        account.UserID,
		LedgerAddress: account.Address,
		Balance:       account.Balance.String(),
	})
}

func (h *Handler) handleListLimbo(w http.ResponseWriter, r *http.Request) {
	transfers, err := h.transfers.ListFundsInLimbo(r.Context(), queryInt(r, "limit", maxPageSize))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, transfers)
}

func (h *Handler) handleResumeTransfer(w http.ResponseWriter, r *http.Request) {
	transferID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	result, err := h.transfers.Resume(r.Context(), transferID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, transferResponse{
		Transfer:  result.Transfer,
		Balance:   result.Balance.String(),
		RemoteRef: result.RemoteRef,
	})
}

// bindCaller reconciles a user id supplied in the request with the session. An
// empty id takes the session's; a different one is forbidden.
func bindCaller(w http.ResponseWriter, r *http.Request, supplied *uuid.UUID) (uuid.UUID, bool) {
	caller, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondWithMessage(w, http.StatusUnauthorized, "unauthorized")
		return uuid.Nil, false
	}
	if supplied != nil && *supplied != uuid.Nil && *supplied != caller {
		respondWithMessage(w, http.StatusForbidden, "user_id does not match the session")
		return uuid.Nil, false
	}
	return caller, true
}

// statusFor maps a service error to an HTTP status code.
func statusFor(err error) int {
	switch app.KindOf(err) {
	case app.KindValidation:
		return http.StatusBadRequest
	case app.KindNotFound:
		return http.StatusNotFound
	case app.KindAuth:
		return http.StatusUnauthorized
	case app.KindForbidden:
		return http.StatusForbidden
	case app.KindRemoteRejected:
		return http.StatusUnprocessableEntity
	case app.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: "internal server error", Kind: app.KindOf(err).String()}

	var appErr *app.Error
	if errors.As(err, &appErr) {
		resp.Error = appErr.Message
		resp.Code = appErr.Code
		resp.Transfer = appErr.Transfer
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", resp.Kind, "err", err)
	} else {
		h.logger.Info("request rejected", "method", r.Method, "path", r.URL.Path, "kind", resp.Kind, "reason", resp.Error)
	}
	respondWithJSON(w, status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		respondWithJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body", Kind: app.KindValidation.String()})
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respondWithJSON(w, http.StatusBadRequest, errorResponse{Error: name + " must be a valid uuid", Kind: app.KindValidation.String()})
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func respondWithMessage(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}
