/**
 * @description
 * This file defines the transfer record and its state machine. A Transfer is
 * the unit of work for moving value between a user's bank account and their
 * ledger account; it is persisted before any remote call and is never deleted.
 *
 * @notes
 * - Amounts are shopspring decimals so balances never pass through binary floats.
 * - Bank identifiers and the ledger address are copied onto the record so the
 *   audit trail survives a later disconnect.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction is the declared direction of a transfer.
type Direction string

const (
	// DirectionDeposit moves fiat from the bank into the ledger account.
	DirectionDeposit Direction = "deposit"
	// DirectionWithdrawal moves ledger balance back out to the bank.
	DirectionWithdrawal Direction = "withdrawal"
)

// TransferStatus is a state of the two-phase transfer protocol.
type TransferStatus string

const (
	StatusInitiated           TransferStatus = "initiated"
	StatusSourceDebited       TransferStatus = "source_debited"
	StatusDestCredited        TransferStatus = "dest_credited"
	StatusCompleted           TransferStatus = "completed"
	StatusSourceDebitFailed   TransferStatus = "source_debit_failed"
	StatusCompensationPending TransferStatus = "compensation_pending"
	StatusCompensated         TransferStatus = "compensated"
	StatusCompensationFailed  TransferStatus = "compensation_failed"
	StatusManualReview        TransferStatus = "manual_review"
	StatusCancelled           TransferStatus = "cancelled"
)

var transitions = map[TransferStatus][]TransferStatus{
	StatusInitiated:           {StatusSourceDebited, StatusSourceDebitFailed, StatusManualReview, StatusCancelled},
	StatusSourceDebited:       {StatusDestCredited, StatusCompensationPending, StatusManualReview},
	StatusDestCredited:        {StatusCompleted},
	StatusCompensationPending: {StatusCompensated, StatusCompensationFailed},
}

// reviewTransitions leave the parked statuses. Only an operator resume takes them,
// after the unresolved leg has been reconciled.
var reviewTransitions = map[TransferStatus][]TransferStatus{
	StatusManualReview:       {StatusSourceDebited, StatusSourceDebitFailed, StatusDestCredited, StatusCompensationPending},
	StatusCompensationFailed: {StatusCompensationPending},
}

// Terminal reports whether the protocol itself never moves a transfer out of s.
func (s TransferStatus) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Parked reports whether s waits for an operator.
func (s TransferStatus) Parked() bool {
	_, ok := reviewTransitions[s]
	return ok
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to TransferStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	for _, next := range reviewTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NonTerminalStatuses lists the states a recovery sweep must pick up.
func NonTerminalStatuses() []TransferStatus {
	return []TransferStatus{StatusInitiated, StatusSourceDebited, StatusDestCredited, StatusCompensationPending}
}

// Transfer maps to the `transfers` table.
type Transfer struct {
	ID                uuid.UUID       `json:"id"`
	UserID            uuid.UUID       `json:"user_id"`
	LedgerAccountID   uuid.UUID       `json:"ledger_account_id"`
	LedgerAddress     string          `json:"ledger_address"`
	BankLinkID        uuid.UUID       `json:"bank_connection_id"`
	BankName          string          `json:"bank_name"`
	BankAccountNumber string          `json:"bank_account_number"`
	BankRoutingNumber string          `json:"bank_routing_number"`
	Direction         Direction       `json:"direction"`
	Amount            decimal.Decimal `json:"amount"`
	Status            TransferStatus  `json:"status"`
	IdempotencyKey    string          `json:"idempotency_key"`
	SourceRef         *string         `json:"source_ref,omitempty"`
	DestRef           *string         `json:"dest_ref,omitempty"`
	CompensationRef   *string         `json:"compensation_ref,omitempty"`
	FailureReason     *string         `json:"failure_reason,omitempty"`
	FundsInLimbo      bool            `json:"funds_in_limbo"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// RemoteRef is the reference of the last remote leg that committed.
func (t *Transfer) RemoteRef() string {
	for _, ref := range []*string{t.CompensationRef, t.DestRef, t.SourceRef} {
		if ref != nil && *ref != "" {
			return *ref
		}
	}
	return ""
}

// RemoteKey is the idempotency key sent to the bank and the ledger. Client keys are
// only unique per user, so the remotes see the transfer id instead.
func (t *Transfer) RemoteKey() string {
	return t.ID.String()
}

// SameRequest reports whether t was created for the same logical request as other.
func (t *Transfer) SameRequest(other *Transfer) bool {
	return t.UserID == other.UserID &&
		t.Direction == other.Direction &&
		t.Amount.Equal(other.Amount) &&
		t.LedgerAddress == other.LedgerAddress &&
		t.BankLinkID == other.BankLinkID
}

// BalanceDelta is the signed change a completed transfer applies to the ledger balance.
func (t *Transfer) BalanceDelta() decimal.Decimal {
	if t.Direction == DirectionWithdrawal {
		return t.Amount.Neg()
	}
	return t.Amount
}

// TransferRequest is the DTO for deposit and withdrawal API requests.
type TransferRequest struct {
	UserID           uuid.UUID       `json:"user_id"`
	LedgerAddress    string          `json:"ledger_address"`
	Amount           decimal.Decimal `json:"amount"`
	BankConnectionID uuid.UUID       `json:"bank_connection_id"`
	// IdempotencyKey comes from the Idempotency-Key header when the client sends one.
	IdempotencyKey string `json:"-"`
}

// TransferResult is returned to the caller of a deposit or withdrawal.
type TransferResult struct {
	Transfer  *Transfer       `json:"transfer"`
	Balance   decimal.Decimal `json:"balance"`
	RemoteRef string          `json:"remote_ref,omitempty"`
}

// TransitionParams describes one compare-and-set status change.
type TransitionParams struct {
	TransferID      uuid.UUID
	From            TransferStatus
	To              TransferStatus
	SourceRef       *string
	DestRef         *string
	CompensationRef *string
	FailureReason   *string
	FundsInLimbo    bool
	// ClearLimbo drops the funds-in-limbo flag; set when an operator resolves a parked transfer.
	ClearLimbo bool
}
