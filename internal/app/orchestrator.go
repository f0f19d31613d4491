/**
 * @description
 * This file contains the transfer orchestrator: the two-phase deposit and
 * withdrawal protocol between the bank partner and the chain ledger.
 *
 * Key features:
 * - The transfer row is persisted before any remote call, and every step is a
 *   compare-and-set on the persisted status, so any transfer can be resumed
 *   from the ledger store after a crash.
 * - Transient outcomes are retried with the same idempotency key; anything
 *   still unresolved is reconciled by querying the remote by that key, and
 *   parked for manual review when the query cannot settle it.
 * - Parked transfers (manual review, failed compensation) only move again on an
 *   operator resume, which reconciles the open leg before driving further.
 * - A destination failure after the source committed always attempts a refund
 *   of the source leg before the caller gets an answer.
 * - The ledger balance moves exactly once, inside the transaction that marks
 *   the transfer completed.
 *
 * @dependencies
 * - internal/store: ledger store.
 * - pkg/bankclient, pkg/ledgerclient, pkg/gateway: remote legs and outcomes.
 * - github.com/shopspring/decimal, github.com/google/uuid
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/bridge-service/internal/domain"
	"github.com/transfa/bridge-service/internal/store"
	"github.com/transfa/bridge-service/pkg/bankclient"
	"github.com/transfa/bridge-service/pkg/gateway"
	"github.com/transfa/bridge-service/pkg/ledgerclient"
)

const (
	// AmountPrecision is the number of fractional digits the ledger asset carries.
	AmountPrecision = 7

	maxIdempotencyKeyLength = 128
	defaultStaleAfter       = 2 * time.Minute

	reasonUnavailablePrefix      = "unavailable: "
	reasonSourceUnresolvedPrefix = "source leg unresolved: "
	reasonDestUnresolvedPrefix   = "destination leg unresolved: "
)

// BankGateway is the bank partner contract the service depends on.
type BankGateway interface {
	Withdraw(ctx context.Context, account bankclient.AccountRef, amount decimal.Decimal, customerRef, idempotencyKey string) gateway.Result
	Deposit(ctx context.Context, account bankclient.AccountRef, amount decimal.Decimal, customerRef, idempotencyKey string) gateway.Result
	Refund(ctx context.Context, account bankclient.AccountRef, amount decimal.Decimal, customerRef, idempotencyKey string) gateway.Result
	QueryTransfer(ctx context.Context, idempotencyKey string, op bankclient.Operation) gateway.Result
	VerifyAccount(ctx context.Context, account bankclient.AccountRef, holder string) (gateway.Result, *bankclient.VerifyResponse)
	NotifyDisconnect(ctx context.Context, account bankclient.AccountRef, customerRef string) gateway.Result
}

// LedgerGateway is the chain-ledger contract the service depends on.
type LedgerGateway interface {
	Debit(ctx context.Context, address string, amount decimal.Decimal, reference, idempotencyKey string) gateway.Result
	Credit(ctx context.Context, address string, amount decimal.Decimal, reference, idempotencyKey string) gateway.Result
	Refund(ctx context.Context, address string, amount decimal.Decimal, reference, idempotencyKey string) gateway.Result
	QueryTransfer(ctx context.Context, idempotencyKey string, op ledgerclient.Operation) gateway.Result
	CreateAccount(ctx context.Context, ownerReference string) (string, gateway.Result)
}

// LinkageValidator resolves and checks the records a transfer operates on.
type LinkageValidator interface {
	ValidateLinkage(ctx context.Context, userID uuid.UUID, ledgerAddress string, bankLinkID uuid.UUID) (*domain.Linkage, error)
}

// OrchestratorConfig carries the tunables of the orchestrator.
type OrchestratorConfig struct {
	MinAmount  decimal.Decimal
	MaxAmount  decimal.Decimal
	Retry      RetryPolicy
	StaleAfter time.Duration
}

// Orchestrator drives transfers through the two-phase protocol.
type Orchestrator struct {
	repo      store.TransferRepository
	accounts  store.DirectoryRepository
	directory LinkageValidator
	bank      BankGateway
	ledger    LedgerGateway
	cfg       OrchestratorConfig
	metrics   *Metrics
	logger    *slog.Logger

	inflight sync.Map
}

// NewOrchestrator creates a new orchestrator.
func NewOrchestrator(
	repo store.Repository,
	directory LinkageValidator,
	bank BankGateway,
	ledger LedgerGateway,
	cfg OrchestratorConfig,
	metrics *Metrics,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		repo:      repo,
		accounts:  repo,
		directory: directory,
		bank:      bank,
		ledger:    ledger,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.With("component", "orchestrator"),
	}
}

// Deposit moves fiat from the user's bank account into their ledger account.
func (o *Orchestrator) Deposit(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error) {
	return o.start(ctx, domain.DirectionDeposit, req)
}

// Withdraw moves ledger balance out to the user's bank account.
func (o *Orchestrator) Withdraw(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error) {
	return o.start(ctx, domain.DirectionWithdrawal, req)
}

func (o *Orchestrator) start(ctx context.Context, direction domain.Direction, req domain.TransferRequest) (*domain.TransferResult, error) {
	if err := o.validateAmount(req.Amount); err != nil {
		return nil, err
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if len(key) > maxIdempotencyKeyLength {
		return nil, newError(KindValidation, fmt.Sprintf("idempotency key must be at most %d characters", maxIdempotencyKeyLength), nil)
	}

	linkage, err := o.directory.ValidateLinkage(ctx, req.UserID, req.LedgerAddress, req.BankConnectionID)
	if err != nil {
		return nil, err
	}

	clientKey := key != ""
	if !clientKey {
		key = uuid.NewString()
	}

	candidate := &domain.Transfer{
		ID:                uuid.New(),
		UserID:            linkage.User.ID,
		LedgerAccountID:   linkage.LedgerAccount.ID,
		LedgerAddress:     linkage.LedgerAccount.Address,
		BankLinkID:        linkage.BankLink.ID,
		BankName:          linkage.BankLink.BankName,
		BankAccountNumber: linkage.BankLink.AccountNumber,
		BankRoutingNumber: linkage.BankLink.RoutingNumber,
		Direction:         direction,
		Amount:            req.Amount,
		IdempotencyKey:    key,
	}

	if clientKey {
		existing, err := o.repo.GetByIdempotencyKey(ctx, linkage.User.ID, key)
		switch {
		case err == nil:
			return o.replay(ctx, existing, candidate)
		case !errors.Is(err, store.ErrTransferNotFound):
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	created, err := o.repo.BeginTransfer(ctx, candidate)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientFunds):
			o.logger.Info("withdrawal rejected", "flow", "begin", "user_id", req.UserID, "amount", req.Amount.String(), "reason", "insufficient funds")
			return nil, newError(KindValidation, "insufficient funds", err)
		case errors.Is(err, store.ErrDuplicateIdempotencyKey):
			existing, lookupErr := o.repo.GetByIdempotencyKey(ctx, linkage.User.ID, key)
			if lookupErr != nil {
				return nil, fmt.Errorf("lookup idempotency key: %w", lookupErr)
			}
			return o.replay(ctx, existing, candidate)
		case errors.Is(err, store.ErrLedgerAccountNotFound):
			return nil, newError(KindNotFound, "ledger account not found", err)
		default:
			return nil, fmt.Errorf("begin transfer: %w", err)
		}
	}
	o.metrics.observeTransfer(created.Direction, created.Status)
	o.logger.Info("transfer initiated", "flow", "begin", "transfer_id", created.ID, "direction", created.Direction, "amount", created.Amount.String(), "idempotency_key", created.IdempotencyKey)

	return o.run(ctx, created)
}

func (o *Orchestrator) validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return newError(KindValidation, "amount must be positive", nil)
	}
	if !amount.Equal(amount.Truncate(AmountPrecision)) {
		return newError(KindValidation, fmt.Sprintf("amount supports at most %d decimal places", AmountPrecision), nil)
	}
	if o.cfg.MinAmount.IsPositive() && amount.LessThan(o.cfg.MinAmount) {
		return newError(KindValidation, fmt.Sprintf("amount must be at least %s", o.cfg.MinAmount), nil)
	}
	if o.cfg.MaxAmount.IsPositive() && amount.GreaterThan(o.cfg.MaxAmount) {
		return newError(KindValidation, fmt.Sprintf("amount must be at most %s", o.cfg.MaxAmount), nil)
	}
	return nil
}

// replay answers a request whose idempotency key was already used.
func (o *Orchestrator) replay(ctx context.Context, existing, candidate *domain.Transfer) (*domain.TransferResult, error) {
	if !existing.SameRequest(candidate) {
		return nil, newError(KindConflict, "idempotency key was used for a different transfer", nil)
	}
	if existing.Status.Terminal() {
		return o.finish(ctx, existing)
	}
	if o.isInflight(existing.ID) || time.Since(existing.UpdatedAt) < o.cfg.StaleAfter {
		return o.resultFor(ctx, existing), transferError(KindConflict, "transfer is still in progress", existing)
	}
	o.logger.Info("resuming transfer on replay", "flow", "replay", "transfer_id", existing.ID, "status", existing.Status)
	return o.run(ctx, existing)
}

// Resume drives a non-terminal transfer from its persisted status. A parked transfer
// is reconciled first: manual_review looks the unresolved leg up by key again and
// compensation_failed retries the refund. Either way the limbo flag is cleared only
// by the transition that resolves it.
func (o *Orchestrator) Resume(ctx context.Context, transferID uuid.UUID) (*domain.TransferResult, error) {
	t, err := o.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return nil, newError(KindNotFound, "transfer not found", err)
		}
		return nil, err
	}
	if t.Status.Parked() {
		return o.reopen(ctx, t)
	}
	if t.Status.Terminal() {
		return o.finish(ctx, t)
	}
	return o.run(ctx, t)
}

func (o *Orchestrator) reopen(ctx context.Context, t *domain.Transfer) (*domain.TransferResult, error) {
	if !o.claim(t.ID) {
		return o.resultFor(ctx, t), transferError(KindConflict, "transfer is being processed", t)
	}
	defer o.release(t.ID)
	ctx = context.WithoutCancel(ctx)

	params := domain.TransitionParams{TransferID: t.ID, From: t.Status, ClearLimbo: true}
	if t.Status == domain.StatusCompensationFailed {
		params.To = domain.StatusCompensationPending
	} else {
		source, dest, _ := o.legs(t)
		destOpen := t.SourceRef != nil || strings.HasPrefix(deref(t.FailureReason), reasonDestUnresolvedPrefix)
		l := source
		if destOpen {
			l = dest
		}
		lookup := o.cfg.Retry.Run(ctx, l.query)
		o.metrics.observeRemote(l.system, l.name+"_query", lookup.last.Outcome)
		o.logger.Info("operator reconciliation", "flow", "reopen", "transfer_id", t.ID, "system", l.system, "leg", l.name, "outcome", lookup.last.Outcome.String())

		switch lookup.last.Outcome {
		case gateway.Committed:
			if destOpen {
				params.To = domain.StatusDestCredited
				params.DestRef = optional(lookup.last.RemoteRef)
			} else {
				params.To = domain.StatusSourceDebited
				params.SourceRef = optional(lookup.last.RemoteRef)
			}
		case gateway.NotFound, gateway.Rejected:
			if destOpen {
				params.To = domain.StatusCompensationPending
				params.FailureReason = optional("destination leg not found on reconciliation")
			} else {
				params.To = domain.StatusSourceDebitFailed
				params.FailureReason = optional("source leg not found on reconciliation")
			}
		default:
			return o.resultFor(ctx, t), transferError(KindRemoteAmbiguous, "remote still cannot confirm the transfer; it stays in manual review", t)
		}
	}

	reopened, err := o.repo.Advance(ctx, params)
	if err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			return o.resultFor(ctx, t), transferError(KindConflict, "transfer moved while it was being reconciled", t)
		}
		return o.resultFor(ctx, t), err
	}
	o.metrics.observeTransfer(reopened.Direction, reopened.Status)
	o.logger.Warn("parked transfer reopened by operator", "flow", "reopen", "transfer_id", t.ID, "from", t.Status, "to", reopened.Status)

	started := time.Now()
	defer func() { o.metrics.observeDrive(t.Direction, time.Since(started)) }()
	return o.drive(ctx, reopened)
}

// RecoverStale resumes non-terminal transfers that have not moved for StaleAfter.
// It returns the number of transfers it picked up.
func (o *Orchestrator) RecoverStale(ctx context.Context, limit int) (int, error) {
	stale, err := o.repo.ListStaleTransfers(ctx, time.Now().Add(-o.cfg.StaleAfter), limit)
	if err != nil {
		return 0, fmt.Errorf("list stale transfers: %w", err)
	}

	resumed := 0
	for i := range stale {
		if ctx.Err() != nil {
			break
		}
		t := stale[i]
		if o.isInflight(t.ID) {
			continue
		}
		resumed++
		result, err := o.run(ctx, &t)
		status := t.Status
		if result != nil && result.Transfer != nil {
			status = result.Transfer.Status
		}
		if err != nil && KindOf(err) == KindInternal {
			o.logger.Error("recovery failed", "flow", "recover", "transfer_id", t.ID, "status", status, "err", err)
			continue
		}
		o.logger.Info("transfer recovered", "flow", "recover", "transfer_id", t.ID, "from", t.Status, "to", status)
	}
	o.metrics.observeRecovered(resumed)
	return resumed, nil
}

// Cancel moves an initiated transfer to cancelled once the source system confirms
// the debit never landed. Anything past initiated must run to completion or compensation.
func (o *Orchestrator) Cancel(ctx context.Context, userID, transferID uuid.UUID) (*domain.Transfer, error) {
	t, err := o.ownedTransfer(ctx, userID, transferID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.StatusInitiated {
		return nil, transferError(KindConflict, fmt.Sprintf("transfer is %s and can no longer be cancelled", t.Status), t)
	}
	if !o.claim(t.ID) {
		return nil, transferError(KindConflict, "transfer is being processed", t)
	}
	defer o.release(t.ID)

	source, _, _ := o.legs(t)
	lookup := o.cfg.Retry.Run(ctx, source.query)
	o.metrics.observeRemote(source.system, "source_query", lookup.last.Outcome)
	if lookup.last.Outcome != gateway.NotFound && lookup.last.Outcome != gateway.Rejected {
		return nil, transferError(KindConflict, "source leg may have been submitted; transfer will be reconciled", t)
	}

	reason := "cancelled by user"
	cancelled, err := o.repo.Advance(ctx, domain.TransitionParams{
		TransferID:    t.ID,
		From:          domain.StatusInitiated,
		To:            domain.StatusCancelled,
		FailureReason: &reason,
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			return nil, transferError(KindConflict, "transfer is no longer cancellable", t)
		}
		return nil, err
	}
	o.metrics.observeTransfer(cancelled.Direction, cancelled.Status)
	o.logger.Info("transfer cancelled", "flow", "cancel", "transfer_id", t.ID)
	return cancelled, nil
}

// GetTransfer returns one of the user's transfers.
func (o *Orchestrator) GetTransfer(ctx context.Context, userID, transferID uuid.UUID) (*domain.Transfer, error) {
	return o.ownedTransfer(ctx, userID, transferID)
}

// ListTransfers returns the user's transfers, newest first.
func (o *Orchestrator) ListTransfers(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transfer, error) {
	return o.repo.ListTransfersByUser(ctx, userID, limit, offset)
}

// ListFundsInLimbo is the operator view of transfers that need manual intervention.
func (o *Orchestrator) ListFundsInLimbo(ctx context.Context, limit int) ([]domain.Transfer, error) {
	return o.repo.ListFundsInLimbo(ctx, limit)
}

// Balance returns the user's ledger account.
func (o *Orchestrator) Balance(ctx context.Context, userID uuid.UUID) (*domain.LedgerAccount, error) {
	account, err := o.accounts.FindLedgerAccountByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrLedgerAccountNotFound) {
			return nil, newError(KindNotFound, "ledger account not found", err)
		}
		return nil, err
	}
	return account, nil
}

func (o *Orchestrator) ownedTransfer(ctx context.Context, userID, transferID uuid.UUID) (*domain.Transfer, error) {
	t, err := o.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return nil, newError(KindNotFound, "transfer not found", err)
		}
		return nil, err
	}
	if t.UserID != userID {
		return nil, newError(KindNotFound, "transfer not found", store.ErrTransferNotFound)
	}
	return t, nil
}

// run claims the transfer for this process and drives it. The drive is detached from
// the caller's cancellation so a dropped client never abandons a transfer mid-leg.
func (o *Orchestrator) run(ctx context.Context, t *domain.Transfer) (*domain.TransferResult, error) {
	if !o.claim(t.ID) {
		return o.resultFor(ctx, t), transferError(KindConflict, "transfer is still in progress", t)
	}
	defer o.release(t.ID)

	started := time.Now()
	defer func() { o.metrics.observeDrive(t.Direction, time.Since(started)) }()
	return o.drive(context.WithoutCancel(ctx), t)
}

func (o *Orchestrator) drive(ctx context.Context, t *domain.Transfer) (*domain.TransferResult, error) {
	for {
		var err error
		switch t.Status {
		case domain.StatusInitiated:
			t, err = o.runSource(ctx, t)
		case domain.StatusSourceDebited:
			t, err = o.runDestination(ctx, t)
		case domain.StatusCompensationPending:
			t, err = o.runCompensation(ctx, t)
		case domain.StatusDestCredited:
			return o.commit(ctx, t)
		default:
			return o.finish(ctx, t)
		}
		if err != nil {
			return o.resultFor(ctx, t), err
		}
		o.metrics.observeTransfer(t.Direction, t.Status)
	}
}

func (o *Orchestrator) runSource(ctx context.Context, t *domain.Transfer) (*domain.Transfer, error) {
	source, _, _ := o.legs(t)
	res := o.settle(ctx, t, source)

	params := domain.TransitionParams{TransferID: t.ID, From: domain.StatusInitiated}
	switch res.Outcome {
	case gateway.Committed:
		params.To = domain.StatusSourceDebited
		params.SourceRef = optional(res.RemoteRef)
	case gateway.Rejected:
		params.To = domain.StatusSourceDebitFailed
		params.FailureReason = optional(reasonOr(res.Reason, "source leg rejected"))
	case gateway.Unreachable:
		params.To = domain.StatusSourceDebitFailed
		params.FailureReason = optional(reasonUnavailablePrefix + reasonOr(res.Reason, "source system unreachable"))
	default:
		params.To = domain.StatusManualReview
		params.FailureReason = optional(reasonSourceUnresolvedPrefix + reasonOr(res.Reason, "ambiguous outcome"))
		params.FundsInLimbo = true
	}
	return o.advance(ctx, t, params)
}

func (o *Orchestrator) runDestination(ctx context.Context, t *domain.Transfer) (*domain.Transfer, error) {
	_, dest, _ := o.legs(t)
	res := o.settle(ctx, t, dest)

	params := domain.TransitionParams{TransferID: t.ID, From: domain.StatusSourceDebited}
	switch res.Outcome {
	case gateway.Committed:
		params.To = domain.StatusDestCredited
		params.DestRef = optional(res.RemoteRef)
	case gateway.Rejected:
		params.To = domain.StatusCompensationPending
		params.FailureReason = optional("destination rejected: " + reasonOr(res.Reason, "no reason given"))
	case gateway.Unreachable:
		params.To = domain.StatusCompensationPending
		params.FailureReason = optional(reasonUnavailablePrefix + reasonOr(res.Reason, "destination system unreachable"))
	default:
		// The credit may have landed; refunding the source could create money.
		params.To = domain.StatusManualReview
		params.FailureReason = optional(reasonDestUnresolvedPrefix + reasonOr(res.Reason, "ambiguous outcome"))
		params.FundsInLimbo = true
	}
	return o.advance(ctx, t, params)
}

func (o *Orchestrator) runCompensation(ctx context.Context, t *domain.Transfer) (*domain.Transfer, error) {
	_, _, refund := o.legs(t)
	res := o.settle(ctx, t, refund)

	params := domain.TransitionParams{TransferID: t.ID, From: domain.StatusCompensationPending}
	if res.Outcome == gateway.Committed {
		params.To = domain.StatusCompensated
		params.CompensationRef = optional(res.RemoteRef)
	} else {
		params.To = domain.StatusCompensationFailed
		params.FailureReason = optional(fmt.Sprintf("compensation %s: %s", res.Outcome, reasonOr(res.Reason, "refund did not commit")))
		params.FundsInLimbo = true
		o.logger.Error("compensation failed, funds in limbo", "flow", "compensate", "transfer_id", t.ID, "direction", t.Direction, "amount", t.Amount.String(), "outcome", res.Outcome.String())
	}
	return o.advance(ctx, t, params)
}

func (o *Orchestrator) commit(ctx context.Context, t *domain.Transfer) (*domain.TransferResult, error) {
	completed, balance, err := o.repo.CommitBalanceChange(ctx, t.ID, t.LedgerAccountID, t.BalanceDelta())
	if err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			current, reloadErr := o.repo.FindTransferByID(ctx, t.ID)
			if reloadErr != nil {
				return o.resultFor(ctx, t), reloadErr
			}
			return o.finish(ctx, current)
		}
		// The transfer stays dest_credited and the recovery sweep retries the commit.
		o.logger.Error("balance commit failed", "flow", "commit", "transfer_id", t.ID, "err", err)
		return o.resultFor(ctx, t), fmt.Errorf("commit balance change: %w", err)
	}
	o.metrics.observeTransfer(completed.Direction, completed.Status)
	o.logger.Info("transfer completed", "flow", "commit", "transfer_id", completed.ID, "direction", completed.Direction, "amount", completed.Amount.String(), "balance", balance.String())
	return &domain.TransferResult{Transfer: completed, Balance: balance, RemoteRef: completed.RemoteRef()}, nil
}

// finish maps a terminal transfer to the caller-facing result.
func (o *Orchestrator) finish(ctx context.Context, t *domain.Transfer) (*domain.TransferResult, error) {
	result := o.resultFor(ctx, t)
	switch t.Status {
	case domain.StatusCompleted:
		return result, nil
	case domain.StatusSourceDebitFailed:
		if strings.HasPrefix(deref(t.FailureReason), reasonUnavailablePrefix) {
			return result, transferError(KindRemoteUnavailable, "source system unavailable; nothing was moved", t)
		}
		return result, transferError(KindRemoteRejected, "source system rejected the transfer: "+deref(t.FailureReason), t)
	case domain.StatusCompensated:
		return result, transferError(KindRemoteUnavailable, "destination leg failed; source leg was refunded", t)
	case domain.StatusCompensationFailed:
		return result, transferError(KindCompensationFailed, "destination leg failed and the refund did not complete; flagged for operator review", t)
	case domain.StatusManualReview:
		return result, transferError(KindRemoteAmbiguous, "transfer outcome could not be confirmed; flagged for operator review", t)
	case domain.StatusCancelled:
		return result, transferError(KindConflict, "transfer was cancelled", t)
	default:
		return result, transferError(KindConflict, "transfer is still in progress", t)
	}
}

func (o *Orchestrator) resultFor(ctx context.Context, t *domain.Transfer) *domain.TransferResult {
	result := &domain.TransferResult{Transfer: t, RemoteRef: t.RemoteRef()}
	if account, err := o.accounts.FindLedgerAccountByUserID(ctx, t.UserID); err == nil {
		result.Balance = account.Balance
	}
	return result
}

// advance persists a transition; when another worker moved the transfer first, it
// continues from whatever status is now stored.
func (o *Orchestrator) advance(ctx context.Context, t *domain.Transfer, params domain.TransitionParams) (*domain.Transfer, error) {
	updated, err := o.repo.Advance(ctx, params)
	if err == nil {
		o.logger.Info("transfer advanced", "flow", "advance", "transfer_id", t.ID, "from", params.From, "to", params.To)
		return updated, nil
	}
	if errors.Is(err, store.ErrStaleTransition) {
		current, reloadErr := o.repo.FindTransferByID(ctx, t.ID)
		if reloadErr != nil {
			return t, reloadErr
		}
		o.logger.Warn("transfer moved concurrently", "flow", "advance", "transfer_id", t.ID, "expected", params.From, "found", current.Status)
		return current, nil
	}
	o.logger.Error("failed to persist transition", "flow", "advance", "transfer_id", t.ID, "from", params.From, "to", params.To, "err", err)
	return t, fmt.Errorf("advance transfer %s to %s: %w", t.ID, params.To, err)
}

// leg is one remote call of a transfer together with its idempotency-key lookup.
type leg struct {
	system string
	name   string
	call   func(context.Context) gateway.Result
	query  func(context.Context) gateway.Result
}

// legs returns the source, destination and refund legs for t. The source is always
// the "from" system of the declared direction.
func (o *Orchestrator) legs(t *domain.Transfer) (source, dest, refund leg) {
	account := bankclient.AccountRef{BankName: t.BankName, AccountNumber: t.BankAccountNumber, RoutingNumber: t.BankRoutingNumber}
	customerRef := t.UserID.String()
	reference := t.ID.String()
	key := t.RemoteKey()

	bankWithdraw := leg{
		system: "bank", name: "withdraw",
		call:  func(ctx context.Context) gateway.Result { return o.bank.Withdraw(ctx, account, t.Amount, customerRef, key) },
		query: func(ctx context.Context) gateway.Result { return o.bank.QueryTransfer(ctx, key, bankclient.OpWithdraw) },
	}
	bankDeposit := leg{
		system: "bank", name: "deposit",
		call:  func(ctx context.Context) gateway.Result { return o.bank.Deposit(ctx, account, t.Amount, customerRef, key) },
		query: func(ctx context.Context) gateway.Result { return o.bank.QueryTransfer(ctx, key, bankclient.OpDeposit) },
	}
	bankRefund := leg{
		system: "bank", name: "refund",
		call:  func(ctx context.Context) gateway.Result { return o.bank.Refund(ctx, account, t.Amount, customerRef, key) },
		query: func(ctx context.Context) gateway.Result { return o.bank.QueryTransfer(ctx, key, bankclient.OpRefund) },
	}
	ledgerDebit := leg{
		system: "ledger", name: "debit",
		call:  func(ctx context.Context) gateway.Result { return o.ledger.Debit(ctx, t.LedgerAddress, t.Amount, reference, key) },
		query: func(ctx context.Context) gateway.Result { return o.ledger.QueryTransfer(ctx, key, ledgerclient.OpDebit) },
	}
	ledgerCredit := leg{
		system: "ledger", name: "credit",
		call:  func(ctx context.Context) gateway.Result { return o.ledger.Credit(ctx, t.LedgerAddress, t.Amount, reference, key) },
		query: func(ctx context.Context) gateway.Result { return o.ledger.QueryTransfer(ctx, key, ledgerclient.OpCredit) },
	}
	ledgerRefund := leg{
		system: "ledger", name: "refund",
		call:  func(ctx context.Context) gateway.Result { return o.ledger.Refund(ctx, t.LedgerAddress, t.Amount, reference, key) },
		query: func(ctx context.Context) gateway.Result { return o.ledger.QueryTransfer(ctx, key, ledgerclient.OpRefund) },
	}

	if t.Direction == domain.DirectionWithdrawal {
		return ledgerDebit, bankDeposit, ledgerRefund
	}
	return bankWithdraw, ledgerCredit, bankRefund
}

// settle runs a leg until it resolves. The returned outcome is Committed, Rejected,
// Unreachable (every attempt failed before reaching the remote, so nothing happened)
// or AmbiguousTimeout (unknown even after reconciliation).
func (o *Orchestrator) settle(ctx context.Context, t *domain.Transfer, l leg) gateway.Result {
	attempts := o.cfg.Retry.Run(ctx, l.call)
	o.metrics.observeRemote(l.system, l.name, attempts.last.Outcome)
	if !attempts.last.Outcome.Transient() {
		return attempts.last
	}

	o.logger.Warn("remote leg unresolved after retries, reconciling by idempotency key",
		"flow", "reconcile", "transfer_id", t.ID, "system", l.system, "leg", l.name,
		"attempts", attempts.attempts, "outcome", attempts.last.Outcome.String(), "remote_key", t.RemoteKey())

	lookup := o.cfg.Retry.Run(ctx, l.query)
	o.metrics.observeRemote(l.system, l.name+"_query", lookup.last.Outcome)
	switch lookup.last.Outcome {
	case gateway.Committed:
		return gateway.Result{Outcome: gateway.Committed, RemoteRef: lookup.last.RemoteRef}
	case gateway.Rejected:
		return gateway.Result{Outcome: gateway.Rejected, Reason: reasonOr(lookup.last.Reason, "remote rejected the request")}
	case gateway.NotFound:
		if !attempts.ambiguous {
			return gateway.Result{Outcome: gateway.Unreachable, Reason: reasonOr(attempts.last.Reason, "remote unreachable")}
		}
		return gateway.Result{Outcome: gateway.Rejected, Reason: "remote has no record of the request"}
	}

	if !attempts.ambiguous {
		return gateway.Result{Outcome: gateway.Unreachable, Reason: reasonOr(attempts.last.Reason, "remote unreachable")}
	}
	return gateway.Result{Outcome: gateway.AmbiguousTimeout, Reason: reasonOr(lookup.last.Reason, attempts.last.Reason)}
}

func (o *Orchestrator) claim(id uuid.UUID) bool {
	_, busy := o.inflight.LoadOrStore(id, struct{}{})
	return !busy
}

func (o *Orchestrator) release(id uuid.UUID) {
	o.inflight.Delete(id)
}

func (o *Orchestrator) isInflight(id uuid.UUID) bool {
	_, busy := o.inflight.Load(id)
	return busy
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func reasonOr(reason, fallback string) string {
	if strings.TrimSpace(reason) == "" {
		return fallback
	}
	return reason
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
