// internal/events/events.go
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"withdrawal-service/internal/domain"
)

const (
	WithdrawalEventsChannel = "withdrawal_events"

	EventWithdrawalCreated   = "withdrawal.created"
	EventWithdrawalApproved  = "withdrawal.approved"
	EventWithdrawalBroadcast = "withdrawal.broadcast"
	EventWithdrawalConfirmed = "withdrawal.confirmed"
	EventWithdrawalFailed    = "withdrawal.failed"
)

type WithdrawalEvent struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	WithdrawalID string    `json:"withdrawal_id"`
	UserID       string    `json:"user_id"`
	Amount       string    `json:"amount"`
	ToAddress    string    `json:"to_address"`
	Status       string    `json:"status"`
	TxHash       string    `json:"tx_hash,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewWithdrawalEvent snapshots w for eventType.
func NewWithdrawalEvent(eventType string, w *domain.Withdrawal) *WithdrawalEvent {
	ev := &WithdrawalEvent{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		WithdrawalID: w.ID,
		UserID:       w.UserID,
		Amount:       w.Amount.String(),
		ToAddress:    w.ToAddress,
		Status:       string(w.Status),
		Timestamp:    time.Now().UTC(),
	}
	if w.TxHash != nil {
		ev.TxHash = *w.TxHash
	}
	if w.FailureReason != nil {
		ev.Reason = *w.FailureReason
	}
	return ev
}

// Publisher fans out withdrawal status changes. Callers treat failures as
// best effort: a publish error never changes ledger state.
type Publisher interface {
	Publish(ctx context.Context, event *WithdrawalEvent) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, *WithdrawalEvent) error { return nil }
func (NoopPublisher) Close() error                                   { return nil }
