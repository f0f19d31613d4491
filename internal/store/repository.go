/**
 * @description
 * This file defines the repository contracts used by the bridge service. The
 * ledger store is split into directory, transfer and outbox concerns so that
 * each service only depends on what it uses; PostgresRepository and
 * MemoryRepository implement all of them.
 *
 * @dependencies
 * - github.com/google/uuid, github.com/shopspring/decimal
 * - internal/domain: the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/bridge-service/internal/domain"
)

var (
	ErrUserNotFound            = errors.New("user not found")
	ErrLedgerAccountNotFound   = errors.New("ledger account not found")
	ErrBankLinkNotFound        = errors.New("bank link not found")
	ErrBankLinkInUse           = errors.New("bank link has transfers in flight")
	ErrTransferNotFound        = errors.New("transfer not found")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrDuplicateAccount        = errors.New("account already exists for email and device")
	ErrDuplicateBankLink       = errors.New("bank account already linked")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used by this user")
	ErrStaleTransition         = errors.New("transfer is no longer in the expected status")
)

// DirectoryRepository stores users, ledger accounts and bank links.
type DirectoryRepository interface {
	// CreateUser persists the user and its ledger account in one transaction.
	CreateUser(ctx context.Context, user *domain.User, account *domain.LedgerAccount) error
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	FindUserByEmailAndDevice(ctx context.Context, email, device string) (*domain.User, error)
	// FindUsersByEmail returns every device registration of the email.
	FindUsersByEmail(ctx context.Context, email string) ([]domain.User, error)
	UpdateUserProfile(ctx context.Context, userID uuid.UUID, name, phone string, location *string) (*domain.User, error)
	SetBiometrics(ctx context.Context, userID uuid.UUID, enabled bool) error
	RecordLogin(ctx context.Context, userID uuid.UUID, at time.Time) error

	FindLedgerAccountByUserID(ctx context.Context, userID uuid.UUID) (*domain.LedgerAccount, error)

	CreateBankLink(ctx context.Context, link *domain.BankLink) error
	FindBankLink(ctx context.Context, linkID, userID uuid.UUID) (*domain.BankLink, error)
	ListBankLinks(ctx context.Context, userID uuid.UUID) ([]domain.BankLink, error)
	// DeleteBankLink fails with ErrBankLinkInUse while non-terminal transfers reference the link.
	DeleteBankLink(ctx context.Context, linkID, userID uuid.UUID) error
	CountActiveTransfersByBankLink(ctx context.Context, linkID uuid.UUID) (int, error)
}

// TransferRepository is the ledger store contract the orchestrator drives.
type TransferRepository interface {
	// BeginTransfer persists t in status initiated. Withdrawals are checked against the
	// available balance (balance minus open withdrawal holds) under the account row lock.
	BeginTransfer(ctx context.Context, t *domain.Transfer) (*domain.Transfer, error)
	// Advance moves a transfer from params.From to params.To; ErrStaleTransition when it is no longer in From.
	Advance(ctx context.Context, params domain.TransitionParams) (*domain.Transfer, error)
	// CommitBalanceChange applies delta and moves the transfer dest_credited -> completed in one transaction.
	CommitBalanceChange(ctx context.Context, transferID, accountID uuid.UUID, delta decimal.Decimal) (*domain.Transfer, decimal.Decimal, error)
	// GetByIdempotencyKey looks a client key up within the user's own transfers.
	GetByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*domain.Transfer, error)
	FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	ListTransfersByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transfer, error)
	ListStaleTransfers(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Transfer, error)
	ListFundsInLimbo(ctx context.Context, limit int) ([]domain.Transfer, error)
}

// OutboxMessage is one pending event publication.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// OutboxRepository is consumed by the outbox dispatcher.
type OutboxRepository interface {
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// Repository is the full ledger store.
type Repository interface {
	DirectoryRepository
	TransferRepository
	OutboxRepository
	Ping(ctx context.Context) error
}

// withdrawalHoldStatuses are the statuses whose withdrawals still reserve ledger balance.
var withdrawalHoldStatuses = []string{
	string(domain.StatusInitiated),
	string(domain.StatusSourceDebited),
	string(domain.StatusDestCredited),
	string(domain.StatusCompensationPending),
}

func nonTerminalStatusStrings() []string {
	statuses := domain.NonTerminalStatuses()
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}
