// internal/domain/withdrawal.go
package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// WithdrawalStatus is the persisted lifecycle status of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalStatusPendingApproval WithdrawalStatus = "pending_approval"
	WithdrawalStatusApproved        WithdrawalStatus = "approved"
	WithdrawalStatusConfirmed       WithdrawalStatus = "confirmed"
	WithdrawalStatusFailed          WithdrawalStatus = "failed"
)

// NonTerminalStatuses lists every status a request can leave.
var NonTerminalStatuses = []WithdrawalStatus{
	WithdrawalStatusPendingApproval,
	WithdrawalStatusApproved,
}

// IsTerminal reports whether no further transition is possible.
func (s WithdrawalStatus) IsTerminal() bool {
	return s == WithdrawalStatusConfirmed || s == WithdrawalStatusFailed
}

// SettlementPhase refines an approved request by how far settlement got.
// It is derived from the stored columns, never persisted.
type SettlementPhase string

const (
	PhasePendingApproval  SettlementPhase = "pending_approval"
	PhaseBroadcastPending SettlementPhase = "broadcast_pending"
	PhaseSigned           SettlementPhase = "signed"
	PhaseBroadcast        SettlementPhase = "broadcast"
	PhaseConfirmed        SettlementPhase = "confirmed"
	PhaseFailed           SettlementPhase = "failed"
)

// Withdrawal is one user request to move internal balance to an external address.
type Withdrawal struct {
	ID        string
	UserID    string
	Amount    decimal.Decimal
	ToAddress string
	Status    WithdrawalStatus

	// Settlement details. RawTx and TxHash never change once set.
	TxHash   *string
	RawTx    []byte
	Nonce    *uint64
	GasPrice *big.Int
	GasLimit *uint64

	BroadcastAttempts int
	LastBroadcastAt   *time.Time

	FailureReason *string
	ExternalRef   *string
	ReviewedBy    *string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ConfirmedAt *time.Time
}

// Phase derives the settlement phase from status and stored payload.
func (w *Withdrawal) Phase() SettlementPhase {
	switch w.Status {
	case WithdrawalStatusPendingApproval:
		return PhasePendingApproval
	case WithdrawalStatusConfirmed:
		return PhaseConfirmed
	case WithdrawalStatusFailed:
		return PhaseFailed
	}
	switch {
	case w.TxHash != nil:
		return PhaseBroadcast
	case len(w.RawTx) > 0:
		return PhaseSigned
	default:
		return PhaseBroadcastPending
	}
}

// HasSignedPayload reports whether settlement already produced signed bytes.
func (w *Withdrawal) HasSignedPayload() bool {
	return len(w.RawTx) > 0
}

// BroadcastAge returns how long ago the payload was last submitted, falling back
// to the last update for rows that predate any recorded broadcast.
func (w *Withdrawal) BroadcastAge(now time.Time) time.Duration {
	if w.LastBroadcastAt != nil {
		return now.Sub(*w.LastBroadcastAt)
	}
	return now.Sub(w.UpdatedAt)
}

// Clone returns a deep copy so callers can't mutate stored state.
func (w *Withdrawal) Clone() *Withdrawal {
	if w == nil {
		return nil
	}
	out := *w
	if w.TxHash != nil {
		h := *w.TxHash
		out.TxHash = &h
	}
	if w.RawTx != nil {
		out.RawTx = append([]byte(nil), w.RawTx...)
	}
	if w.Nonce != nil {
		n := *w.Nonce
		out.Nonce = &n
	}
	if w.GasPrice != nil {
		out.GasPrice = new(big.Int).Set(w.GasPrice)
	}
	if w.GasLimit != nil {
		g := *w.GasLimit
		out.GasLimit = &g
	}
	if w.LastBroadcastAt != nil {
		t := *w.LastBroadcastAt
		out.LastBroadcastAt = &t
	}
	if w.FailureReason != nil {
		r := *w.FailureReason
		out.FailureReason = &r
	}
	if w.ExternalRef != nil {
		r := *w.ExternalRef
		out.ExternalRef = &r
	}
	if w.ReviewedBy != nil {
		r := *w.ReviewedBy
		out.ReviewedBy = &r
	}
	if w.ConfirmedAt != nil {
		t := *w.ConfirmedAt
		out.ConfirmedAt = &t
	}
	return &out
}

// WithdrawalStats holds ledger counters for the admin dashboard.
type WithdrawalStats struct {
	Total            int
	PendingApproval  int
	Approved         int
	AwaitingReceipt  int
	Confirmed        int
	Failed           int
	ConfirmedVolume  decimal.Decimal
	OutstandingValue decimal.Decimal
}
