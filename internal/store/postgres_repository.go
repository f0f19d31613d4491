/**
 * @description
 * This file contains the PostgreSQL implementation of the ledger store. Balance
 * changes and withdrawal holds are serialized on the ledger account row with
 * SELECT ... FOR UPDATE, and every transfer status change enqueues its event in
 * the same transaction.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver; *pgxpool.Pool satisfies DB.
 * - github.com/shopspring/decimal: NUMERIC columns are read as text and parsed.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/transfa/bridge-service/internal/domain"
)

const uniqueViolation = "23505"

const transferColumns = `
	id, user_id, ledger_account_id, ledger_address, bank_link_id, bank_name,
	bank_account_number, bank_routing_number, direction, amount::text, status,
	idempotency_key, source_ref, dest_ref, compensation_ref, failure_reason,
	funds_in_limbo, created_at, updated_at, completed_at
`

// DB is the subset of *pgxpool.Pool the repository uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresRepository is the pgx-backed Repository.
type PostgresRepository struct {
	db             DB
	eventsExchange string
}

// NewPostgresRepository creates a repository that enqueues transfer events for eventsExchange.
func NewPostgresRepository(db DB, eventsExchange string) *PostgresRepository {
	return &PostgresRepository{db: db, eventsExchange: strings.TrimSpace(eventsExchange)}
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// CreateUser inserts the user and its ledger account in one transaction.
func (r *PostgresRepository) CreateUser(ctx context.Context, user *domain.User, account *domain.LedgerAccount) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO users (id, email, password_hash, name, phone, authorized_device, biometrics_enabled, location)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, user.ID, user.Email, user.PasswordHash, user.Name, user.Phone, user.AuthorizedDevice, user.BiometricsEnabled, user.Location,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAccount
		}
		return fmt.Errorf("insert user: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO ledger_accounts (id, user_id, address, balance)
		VALUES ($1, $2, $3, $4::numeric)
		RETURNING created_at, updated_at
	`, account.ID, user.ID, account.Address, account.Balance.String(),
	).Scan(&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAccount
		}
		return fmt.Errorf("insert ledger account: %w", err)
	}
	account.UserID = user.ID

	return tx.Commit(ctx)
}

const userColumns = `id, email, password_hash, name, phone, authorized_device, biometrics_enabled, location, last_login, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var user domain.User
	err := row.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.Name, &user.Phone, &user.AuthorizedDevice,
		&user.BiometricsEnabled, &user.Location, &user.LastLogin, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	return scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

func (r *PostgresRepository) FindUserByEmailAndDevice(ctx context.Context, email, device string) (*domain.User, error) {
	return scanUser(r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1) AND authorized_device = $2`,
		strings.TrimSpace(email), strings.TrimSpace(device)))
}

func (r *PostgresRepository) FindUsersByEmail(ctx context.Context, email string) ([]domain.User, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1) ORDER BY created_at`,
		strings.TrimSpace(email))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

func (r *PostgresRepository) UpdateUserProfile(ctx context.Context, userID uuid.UUID, name, phone string, location *string) (*domain.User, error) {
	return scanUser(r.db.QueryRow(ctx, `
		UPDATE users
		SET name = COALESCE(NULLIF($2, ''), name),
			phone = COALESCE(NULLIF($3, ''), phone),
			location = COALESCE($4, location),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+userColumns, userID, name, phone, location))
}

func (r *PostgresRepository) SetBiometrics(ctx context.Context, userID uuid.UUID, enabled bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET biometrics_enabled = $2, updated_at = NOW() WHERE id = $1`, userID, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *PostgresRepository) RecordLogin(ctx context.Context, userID uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET last_login = $2 WHERE id = $1`, userID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *PostgresRepository) FindLedgerAccountByUserID(ctx context.Context, userID uuid.UUID) (*domain.LedgerAccount, error) {
	var (
		account domain.LedgerAccount
		balance string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, address, balance::text, created_at, updated_at
		FROM ledger_accounts WHERE user_id = $1
	`, userID).Scan(&account.ID, &account.UserID, &account.Address, &balance, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLedgerAccountNotFound
		}
		return nil, err
	}
	if account.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &account, nil
}

func (r *PostgresRepository) CreateBankLink(ctx context.Context, link *domain.BankLink) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO bank_links (id, user_id, bank_name, account_number, routing_number, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, link.ID, link.UserID, link.BankName, link.AccountNumber, link.RoutingNumber, link.Status).Scan(&link.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == uniqueViolation:
				return ErrDuplicateBankLink
			case pgErr.Code == "23503":
				return ErrUserNotFound
			}
		}
		return err
	}
	return nil
}

func (r *PostgresRepository) FindBankLink(ctx context.Context, linkID, userID uuid.UUID) (*domain.BankLink, error) {
	var link domain.BankLink
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, bank_name, account_number, routing_number, status, created_at
		FROM bank_links WHERE id = $1 AND user_id = $2
	`, linkID, userID).Scan(&link.ID, &link.UserID, &link.BankName, &link.AccountNumber, &link.RoutingNumber, &link.Status, &link.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBankLinkNotFound
		}
		return nil, err
	}
	return &link, nil
}

func (r *PostgresRepository) ListBankLinks(ctx context.Context, userID uuid.UUID) ([]domain.BankLink, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, bank_name, account_number, routing_number, status, created_at
		FROM bank_links WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	links := make([]domain.BankLink, 0)
	for rows.Next() {
		var link domain.BankLink
		if err := rows.Scan(&link.ID, &link.UserID, &link.BankName, &link.AccountNumber, &link.RoutingNumber, &link.Status, &link.CreatedAt); err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func (r *PostgresRepository) DeleteBankLink(ctx context.Context, linkID, userID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var lockedID uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM bank_links WHERE id = $1 AND user_id = $2 FOR UPDATE`, linkID, userID).Scan(&lockedID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrBankLinkNotFound
		}
		return err
	}

	var active int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM transfers WHERE bank_link_id = $1 AND status = ANY($2)
	`, linkID, nonTerminalStatusStrings()).Scan(&active); err != nil {
		return err
	}
	if active > 0 {
		return ErrBankLinkInUse
	}

	if _, err := tx.Exec(ctx, `DELETE FROM bank_links WHERE id = $1`, linkID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) CountActiveTransfersByBankLink(ctx context.Context, linkID uuid.UUID) (int, error) {
	var active int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM transfers WHERE bank_link_id = $1 AND status = ANY($2)
	`, linkID, nonTerminalStatusStrings()).Scan(&active)
	return active, err
}

// BeginTransfer persists the transfer in status initiated.
func (r *PostgresRepository) BeginTransfer(ctx context.Context, t *domain.Transfer) (*domain.Transfer, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var balanceText string
	// Use FOR UPDATE to serialize concurrent transfers on the same ledger account.
	err = tx.QueryRow(ctx, `SELECT balance::text FROM ledger_accounts WHERE id = $1 FOR UPDATE`, t.LedgerAccountID).Scan(&balanceText)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLedgerAccountNotFound
		}
		return nil, err
	}

	if t.Direction == domain.DirectionWithdrawal {
		balance, err := decimal.NewFromString(balanceText)
		if err != nil {
			return nil, fmt.Errorf("parse balance: %w", err)
		}
		var heldText string
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(amount), 0)::text
			FROM transfers
			WHERE ledger_account_id = $1
			  AND direction = 'withdrawal'
			  AND (status = ANY($2) OR funds_in_limbo)
		`, t.LedgerAccountID, withdrawalHoldStatuses).Scan(&heldText); err != nil {
			return nil, err
		}
		held, err := decimal.NewFromString(heldText)
		if err != nil {
			return nil, fmt.Errorf("parse held amount: %w", err)
		}
		if balance.Sub(held).LessThan(t.Amount) {
			return nil, ErrInsufficientFunds
		}
	}

	t.Status = domain.StatusInitiated
	row := tx.QueryRow(ctx, `
		INSERT INTO transfers (
			id, user_id, ledger_account_id, ledger_address, bank_link_id, bank_name,
			bank_account_number, bank_routing_number, direction, amount, status, idempotency_key
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12)
		RETURNING `+transferColumns,
		t.ID, t.UserID, t.LedgerAccountID, t.LedgerAddress, t.BankLinkID, t.BankName,
		t.BankAccountNumber, t.BankRoutingNumber, t.Direction, t.Amount.String(), t.Status, t.IdempotencyKey,
	)
	created, err := scanTransfer(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateIdempotencyKey
		}
		return nil, fmt.Errorf("insert transfer: %w", err)
	}

	if err := r.enqueueTransferEventTx(ctx, tx, created, ""); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateIdempotencyKey
		}
		return nil, err
	}
	return created, nil
}

// Advance performs a compare-and-set status change and enqueues the matching event.
func (r *PostgresRepository) Advance(ctx context.Context, params domain.TransitionParams) (*domain.Transfer, error) {
	if !domain.CanTransition(params.From, params.To) {
		return nil, fmt.Errorf("%w: %s -> %s is not allowed", ErrStaleTransition, params.From, params.To)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE transfers
		SET status = $3,
			source_ref = COALESCE($4, source_ref),
			dest_ref = COALESCE($5, dest_ref),
			compensation_ref = COALESCE($6, compensation_ref),
			failure_reason = COALESCE($7, failure_reason),
			funds_in_limbo = (funds_in_limbo AND NOT $9) OR $8,
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+transferColumns,
		params.TransferID, params.From, params.To, params.SourceRef, params.DestRef,
		params.CompensationRef, params.FailureReason, params.FundsInLimbo, params.ClearLimbo,
	)
	updated, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, ErrTransferNotFound) {
			return nil, r.staleOrMissing(ctx, tx, params.TransferID)
		}
		return nil, err
	}

	if err := r.enqueueTransferEventTx(ctx, tx, updated, params.From); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

// CommitBalanceChange applies delta to the ledger balance and completes the transfer atomically.
func (r *PostgresRepository) CommitBalanceChange(ctx context.Context, transferID, accountID uuid.UUID, delta decimal.Decimal) (*domain.Transfer, decimal.Decimal, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, decimal.Zero, err
	}
	defer tx.Rollback(ctx)

	var status domain.TransferStatus
	err = tx.QueryRow(ctx, `SELECT status FROM transfers WHERE id = $1 FOR UPDATE`, transferID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, decimal.Zero, ErrTransferNotFound
		}
		return nil, decimal.Zero, err
	}
	if status != domain.StatusDestCredited {
		return nil, decimal.Zero, fmt.Errorf("%w: transfer is %s", ErrStaleTransition, status)
	}

	var balanceText string
	err = tx.QueryRow(ctx, `SELECT balance::text FROM ledger_accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&balanceText)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, decimal.Zero, ErrLedgerAccountNotFound
		}
		return nil, decimal.Zero, err
	}
	balance, err := decimal.NewFromString(balanceText)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}
	newBalance := balance.Add(delta)
	if newBalance.IsNegative() {
		return nil, decimal.Zero, ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `
		UPDATE ledger_accounts SET balance = $2::numeric, updated_at = NOW() WHERE id = $1
	`, accountID, newBalance.String()); err != nil {
		return nil, decimal.Zero, fmt.Errorf("update balance: %w", err)
	}

	row := tx.QueryRow(ctx, `
		UPDATE transfers
		SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING `+transferColumns, transferID, domain.StatusCompleted)
	completed, err := scanTransfer(row)
	if err != nil {
		return nil, decimal.Zero, err
	}

	if err := r.enqueueTransferEventTx(ctx, tx, completed, domain.StatusDestCredited); err != nil {
		return nil, decimal.Zero, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, decimal.Zero, err
	}
	return completed, newBalance, nil
}

func (r *PostgresRepository) GetByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*domain.Transfer, error) {
	return scanTransfer(r.db.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE user_id = $1 AND idempotency_key = $2`, userID, key))
}

func (r *PostgresRepository) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	return scanTransfer(r.db.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, transferID))
}

func (r *PostgresRepository) ListTransfersByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transfer, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return r.queryTransfers(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
}

func (r *PostgresRepository) ListStaleTransfers(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Transfer, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.queryTransfers(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, nonTerminalStatusStrings(), updatedBefore, limit)
}

func (r *PostgresRepository) ListFundsInLimbo(ctx context.Context, limit int) ([]domain.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryTransfers(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE funds_in_limbo
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
}

// ClaimOutboxMessages leases a batch of due messages; stale leases are reclaimed.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	rows, err := r.db.Query(ctx, `
		WITH candidates AS (
			SELECT id
			FROM transfer_events_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE transfer_events_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE transfer_events_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE transfer_events_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}

func (r *PostgresRepository) enqueueTransferEventTx(ctx context.Context, tx pgx.Tx, t *domain.Transfer, previous domain.TransferStatus) error {
	event := domain.NewTransferEvent(t, previous)
	blob, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO transfer_events_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, r.eventsExchange, event.RoutingKey(), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) staleOrMissing(ctx context.Context, tx pgx.Tx, transferID uuid.UUID) error {
	var status domain.TransferStatus
	err := tx.QueryRow(ctx, `SELECT status FROM transfers WHERE id = $1`, transferID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTransferNotFound
		}
		return err
	}
	return fmt.Errorf("%w: transfer is %s", ErrStaleTransition, status)
}

func (r *PostgresRepository) queryTransfers(ctx context.Context, query string, args ...interface{}) ([]domain.Transfer, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transfers := make([]domain.Transfer, 0)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var (
		t                        domain.Transfer
		userID, ledgerID, linkID *uuid.UUID
		amountText               string
	)
	err := row.Scan(
		&t.ID, &userID, &ledgerID, &t.LedgerAddress, &linkID, &t.BankName,
		&t.BankAccountNumber, &t.BankRoutingNumber, &t.Direction, &amountText, &t.Status,
		&t.IdempotencyKey, &t.SourceRef, &t.DestRef, &t.CompensationRef, &t.FailureReason,
		&t.FundsInLimbo, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	if userID != nil {
		t.UserID = *userID
	}
	if ledgerID != nil {
		t.LedgerAccountID = *ledgerID
	}
	if linkID != nil {
		t.BankLinkID = *linkID
	}
	if t.Amount, err = decimal.NewFromString(amountText); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
