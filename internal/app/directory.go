/**
 * @description
 * This file contains the account directory: registration, login, profile
 * updates and the bank-link lifecycle, plus the linkage check run before a
 * transfer is orchestrated.
 *
 * @notes
 * - Connect verifies with the bank before anything is stored; disconnect
 *   notifies the bank before the local link is removed. A failed remote call
 *   leaves local state untouched.
 * - Ledger accounts are provisioned through the ledger gateway, which keeps the
 *   signing keys. Only the public address is stored here.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/bridge-service/internal/domain"
	"github.com/transfa/bridge-service/internal/store"
	"github.com/transfa/bridge-service/pkg/bankclient"
	"github.com/transfa/bridge-service/pkg/gateway"
	"golang.org/x/crypto/bcrypt"
)

// TokenIssuer mints session tokens for authenticated users.
type TokenIssuer interface {
	Issue(userID uuid.UUID) (string, time.Time, error)
}

// Directory is the account directory service.
type Directory struct {
	repo   store.DirectoryRepository
	bank   BankGateway
	ledger LedgerGateway
	tokens TokenIssuer
	retry  RetryPolicy
	logger *slog.Logger
}

// NewDirectory creates a new account directory.
func NewDirectory(repo store.DirectoryRepository, bank BankGateway, ledger LedgerGateway, tokens TokenIssuer, retry RetryPolicy, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		repo:   repo,
		bank:   bank,
		ledger: ledger,
		tokens: tokens,
		retry:  retry,
		logger: logger.With("component", "directory"),
	}
}

// Register creates a user bound to one device, together with a fresh ledger account.
func (d *Directory) Register(ctx context.Context, req domain.RegisterRequest) (*domain.RegisterResponse, error) {
	req.Email = strings.TrimSpace(req.Email)
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	req.Device = strings.TrimSpace(req.Device)
	req.Location = strings.TrimSpace(req.Location)
	if req.Email == "" || req.Password == "" || req.Name == "" || req.Phone == "" || req.Device == "" || req.Location == "" {
		return nil, newError(KindValidation, "email, password, name, phone, device and location are required", nil)
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return nil, newError(KindValidation, "email is not valid", err)
	}
	if len(req.Password) < 8 {
		return nil, newError(KindValidation, "password must be at least 8 characters", nil)
	}

	if _, err := d.repo.FindUserByEmailAndDevice(ctx, req.Email, req.Device); err == nil {
		return nil, newError(KindValidation, "an account already exists for this email and device", store.ErrDuplicateAccount)
	} else if !errors.Is(err, store.ErrUserNotFound) {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	userID := uuid.New()
	var address string
	attempts := d.retry.Run(ctx, func(ctx context.Context) gateway.Result {
		var res gateway.Result
		address, res = d.ledger.CreateAccount(ctx, userID.String())
		return res
	})
	if err := remoteError("ledger account provisioning", attempts.last); err != nil {
		d.logger.Warn("ledger account provisioning failed", "flow", "register", "user_id", userID, "outcome", attempts.last.Outcome.String(), "reason", attempts.last.Reason)
		return nil, err
	}

	location := req.Location
	user := &domain.User{
		ID:               userID,
		Email:            req.Email,
		PasswordHash:     string(hash),
		Name:             req.Name,
		Phone:            req.Phone,
		AuthorizedDevice: req.Device,
		Location:         &location,
	}
	account := &domain.LedgerAccount{ID: uuid.New(), Address: address, Balance: decimal.Zero}
	if err := d.repo.CreateUser(ctx, user, account); err != nil {
		if errors.Is(err, store.ErrDuplicateAccount) {
			return nil, newError(KindValidation, "an account already exists for this email and device", err)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	d.logger.Info("user registered", "flow", "register", "user_id", user.ID, "ledger_address", address)
	return &domain.RegisterResponse{UserID: user.ID, LedgerAddress: address}, nil
}

// Login authenticates with password on the user's authorized device. A correct
// password from an unregistered device and a location mismatch each carry their
// own reason code, distinct from bad credentials.
func (d *Directory) Login(ctx context.Context, req domain.LoginRequest) (*domain.Session, error) {
	if strings.TrimSpace(req.Email) == "" || req.Password == "" || strings.TrimSpace(req.Device) == "" || strings.TrimSpace(req.Location) == "" {
		return nil, newError(KindValidation, "email, password, device and location are required", nil)
	}

	user, err := d.repo.FindUserByEmailAndDevice(ctx, req.Email, req.Device)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, d.unknownDevice(ctx, req)
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		return nil, codedError(KindAuth, CodeInvalidCredentials, "invalid credentials")
	}
	if user.Location != nil && !strings.EqualFold(strings.TrimSpace(*user.Location), strings.TrimSpace(req.Location)) {
		d.logger.Warn("login location mismatch", "flow", "login", "user_id", user.ID)
		return nil, codedError(KindForbidden, CodeLocationMismatch, "location mismatch")
	}

	return d.openSession(ctx, user)
}

// unknownDevice explains a failed (email, device) lookup. The device code is only
// returned when the password matches one of the email's registrations.
func (d *Directory) unknownDevice(ctx context.Context, req domain.LoginRequest) error {
	registered, err := d.repo.FindUsersByEmail(ctx, req.Email)
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}
	for _, user := range registered {
		if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) == nil {
			d.logger.Warn("login from unauthorized device", "flow", "login", "user_id", user.ID)
			return codedError(KindAuth, CodeDeviceNotAuthorized, "device is not authorized for this account")
		}
	}
	return codedError(KindAuth, CodeInvalidCredentials, "invalid credentials")
}

// BiometricLogin authenticates a user on their authorized device when biometrics are enabled.
func (d *Directory) BiometricLogin(ctx context.Context, req domain.BiometricLoginRequest) (*domain.Session, error) {
	if req.UserID == uuid.Nil || strings.TrimSpace(req.Device) == "" {
		return nil, newError(KindValidation, "user_id and device are required", nil)
	}
	user, err := d.repo.FindUserByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, newError(KindNotFound, "user not found", err)
		}
		return nil, err
	}
	if user.AuthorizedDevice != strings.TrimSpace(req.Device) {
		return nil, newError(KindNotFound, "user not found", store.ErrUserNotFound)
	}
	if !user.BiometricsEnabled {
		return nil, newError(KindForbidden, "biometrics not enabled for this user", nil)
	}
	return d.openSession(ctx, user)
}

func (d *Directory) openSession(ctx context.Context, user *domain.User) (*domain.Session, error) {
	token, expiresAt, err := d.tokens.Issue(user.ID)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	if err := d.repo.RecordLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		d.logger.Warn("failed to record login", "flow", "login", "user_id", user.ID, "err", err)
	}

	session := &domain.Session{UserID: user.ID, Token: token, ExpiresAt: expiresAt}
	if account, err := d.repo.FindLedgerAccountByUserID(ctx, user.ID); err == nil {
		session.LedgerAddress = account.Address
	}
	return session, nil
}

// UpdateProfile changes the user's name, phone and location.
func (d *Directory) UpdateProfile(ctx context.Context, req domain.UpdateProfileRequest) (*domain.User, error) {
	name := strings.TrimSpace(req.Name)
	phone := strings.TrimSpace(req.Phone)
	if req.UserID == uuid.Nil || name == "" || phone == "" {
		return nil, newError(KindValidation, "user_id, name and phone are required", nil)
	}
	var location *string
	if loc := strings.TrimSpace(req.Location); loc != "" {
		location = &loc
	}
	user, err := d.repo.UpdateUserProfile(ctx, req.UserID, name, phone, location)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, newError(KindNotFound, "user not found", err)
		}
		return nil, err
	}
	return user, nil
}

// SetBiometrics enables or disables biometric login.
func (d *Directory) SetBiometrics(ctx context.Context, req domain.SetBiometricsRequest) error {
	if err := d.repo.SetBiometrics(ctx, req.UserID, req.Enabled); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return newError(KindNotFound, "user not found", err)
		}
		return err
	}
	return nil
}

// ConnectBank verifies the account with the bank, then stores the link.
func (d *Directory) ConnectBank(ctx context.Context, req domain.ConnectBankRequest) (*domain.BankLink, error) {
	account := bankclient.AccountRef{
		BankName:      strings.TrimSpace(req.BankName),
		AccountNumber: strings.TrimSpace(req.AccountNumber),
		RoutingNumber: strings.TrimSpace(req.RoutingNumber),
	}
	if req.UserID == uuid.Nil || account.BankName == "" || account.AccountNumber == "" || account.RoutingNumber == "" {
		return nil, newError(KindValidation, "user_id, bank_name, account_number and routing_number are required", nil)
	}

	user, err := d.repo.FindUserByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, newError(KindNotFound, "user not found", err)
		}
		return nil, err
	}

	attempts := d.retry.Run(ctx, func(ctx context.Context) gateway.Result {
		res, _ := d.bank.VerifyAccount(ctx, account, user.Name)
		return res
	})
	if attempts.last.Outcome == gateway.Rejected {
		return nil, newError(KindValidation, "bank account verification failed", errors.New(attempts.last.Reason))
	}
	if err := remoteError("bank account verification", attempts.last); err != nil {
		return nil, err
	}

	link := &domain.BankLink{
		ID:            uuid.New(),
		UserID:        user.ID,
		BankName:      account.BankName,
		AccountNumber: account.AccountNumber,
		RoutingNumber: account.RoutingNumber,
		Status:        domain.BankLinkConnected,
	}
	if err := d.repo.CreateBankLink(ctx, link); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateBankLink):
			return nil, newError(KindValidation, "bank account is already connected", err)
		case errors.Is(err, store.ErrUserNotFound):
			return nil, newError(KindNotFound, "user not found", err)
		}
		return nil, fmt.Errorf("create bank link: %w", err)
	}
	d.logger.Info("bank connected", "flow", "connect_bank", "user_id", user.ID, "bank_link_id", link.ID)
	return link, nil
}

// DisconnectBank notifies the bank, then removes the link. The link stays in place
// when the bank cannot be notified or when transfers on it are still in flight.
func (d *Directory) DisconnectBank(ctx context.Context, req domain.DisconnectBankRequest) error {
	if req.UserID == uuid.Nil || req.BankConnectionID == uuid.Nil {
		return newError(KindValidation, "user_id and bank_connection_id are required", nil)
	}
	if _, err := d.repo.FindUserByID(ctx, req.UserID); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return newError(KindNotFound, "user not found", err)
		}
		return err
	}
	link, err := d.repo.FindBankLink(ctx, req.BankConnectionID, req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrBankLinkNotFound) {
			return newError(KindNotFound, "bank connection not found", err)
		}
		return err
	}

	active, err := d.repo.CountActiveTransfersByBankLink(ctx, link.ID)
	if err != nil {
		return fmt.Errorf("count active transfers: %w", err)
	}
	if active > 0 {
		return newError(KindConflict, "bank connection has transfers in flight", store.ErrBankLinkInUse)
	}

	account := bankclient.AccountRef{BankName: link.BankName, AccountNumber: link.AccountNumber, RoutingNumber: link.RoutingNumber}
	attempts := d.retry.Run(ctx, func(ctx context.Context) gateway.Result {
		return d.bank.NotifyDisconnect(ctx, account, req.UserID.String())
	})
	if attempts.last.Outcome != gateway.Committed {
		d.logger.Warn("bank disconnect notification failed", "flow", "disconnect_bank", "bank_link_id", link.ID, "outcome", attempts.last.Outcome.String(), "reason", attempts.last.Reason)
		return newError(KindRemoteUnavailable, "failed to notify bank about disconnection", errors.New(reasonOr(attempts.last.Reason, attempts.last.Outcome.String())))
	}

	if err := d.repo.DeleteBankLink(ctx, link.ID, req.UserID); err != nil {
		switch {
		case errors.Is(err, store.ErrBankLinkInUse):
			return newError(KindConflict, "bank connection has transfers in flight", err)
		case errors.Is(err, store.ErrBankLinkNotFound):
			return newError(KindNotFound, "bank connection not found", err)
		}
		return fmt.Errorf("delete bank link: %w", err)
	}
	d.logger.Info("bank disconnected", "flow", "disconnect_bank", "user_id", req.UserID, "bank_link_id", link.ID)
	return nil
}

// ListBankLinks returns the user's connected bank accounts.
func (d *Directory) ListBankLinks(ctx context.Context, userID uuid.UUID) ([]domain.BankLink, error) {
	return d.repo.ListBankLinks(ctx, userID)
}

// ValidateLinkage checks that the user exists, owns the ledger address and the bank link.
func (d *Directory) ValidateLinkage(ctx context.Context, userID uuid.UUID, ledgerAddress string, bankLinkID uuid.UUID) (*domain.Linkage, error) {
	ledgerAddress = strings.TrimSpace(ledgerAddress)
	if userID == uuid.Nil || ledgerAddress == "" || bankLinkID == uuid.Nil {
		return nil, newError(KindValidation, "user_id, ledger_address and bank_connection_id are required", nil)
	}

	user, err := d.repo.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, newError(KindNotFound, "user not found", err)
		}
		return nil, err
	}
	account, err := d.repo.FindLedgerAccountByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrLedgerAccountNotFound) {
			return nil, newError(KindNotFound, "ledger account not found", err)
		}
		return nil, err
	}
	if account.Address != ledgerAddress {
		return nil, newError(KindNotFound, "ledger account not found", store.ErrLedgerAccountNotFound)
	}
	link, err := d.repo.FindBankLink(ctx, bankLinkID, userID)
	if err != nil {
		if errors.Is(err, store.ErrBankLinkNotFound) {
			return nil, newError(KindNotFound, "bank connection not found", err)
		}
		return nil, err
	}
	if link.Status != domain.BankLinkConnected {
		return nil, newError(KindValidation, "bank connection is not active", nil)
	}
	return &domain.Linkage{User: user, LedgerAccount: account, BankLink: link}, nil
}

// remoteError maps a non-committed gateway result to the error taxonomy.
func remoteError(operation string, res gateway.Result) error {
	switch res.Outcome {
	case gateway.Committed:
		return nil
	case gateway.Rejected, gateway.NotFound:
		return newError(KindRemoteRejected, operation+" was rejected", errors.New(reasonOr(res.Reason, "no reason given")))
	case gateway.Unreachable:
		return newError(KindRemoteUnavailable, operation+" is unavailable", errors.New(reasonOr(res.Reason, "remote unreachable")))
	default:
		return newError(KindRemoteAmbiguous, operation+" did not confirm", errors.New(reasonOr(res.Reason, "ambiguous outcome")))
	}
}
