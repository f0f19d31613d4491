package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferEventType is the event name published for transfer status changes.
const TransferEventType = "transfer.status_changed"

// TransferEvent is written to the outbox on every transfer status change.
type TransferEvent struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	TransferID    uuid.UUID       `json:"transfer_id"`
	UserID        uuid.UUID       `json:"user_id"`
	Direction     Direction       `json:"direction"`
	Amount        decimal.Decimal `json:"amount"`
	Status        TransferStatus  `json:"status"`
	PreviousState TransferStatus  `json:"previous_status,omitempty"`
	FundsInLimbo  bool            `json:"funds_in_limbo"`
	Reason        string          `json:"reason,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// RoutingKey is the topic routing key for e.
func (e TransferEvent) RoutingKey() string {
	return "transfer." + string(e.Status)
}

// NewTransferEvent builds the event for t having moved out of previous.
func NewTransferEvent(t *Transfer, previous TransferStatus) TransferEvent {
	event := TransferEvent{
		EventID:       uuid.NewString(),
		EventType:     TransferEventType,
		TransferID:    t.ID,
		UserID:        t.UserID,
		Direction:     t.Direction,
		Amount:        t.Amount,
		Status:        t.Status,
		PreviousState: previous,
		FundsInLimbo:  t.FundsInLimbo,
		OccurredAt:    time.Now().UTC(),
	}
	if t.FailureReason != nil {
		event.Reason = *t.FailureReason
	}
	return event
}
