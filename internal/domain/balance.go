// internal/domain/balance.go
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// UserBalance is a row of the internal token ledger.
type UserBalance struct {
	UserID            string
	Balance           decimal.Decimal
	LifetimeWithdrawn decimal.Decimal
	UpdatedAt         time.Time
}

// BalanceStore is the internal ledger the settlement pipeline consumes. It is the
// only source of truth for withdrawable balance.
type BalanceStore interface {
	// GetAvailableBalance returns the user's current withdrawable balance.
	GetAvailableBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	// ReserveCheck reports whether the balance currently covers amount. Advisory only:
	// nothing is held.
	ReserveCheck(ctx context.Context, userID string, amount decimal.Decimal) (bool, error)

	// Debit removes amount and bumps the lifetime-withdrawn counter.
	Debit(ctx context.Context, userID string, amount decimal.Decimal) error

	// HasNonTerminalWithdrawal reports whether the user has an open request.
	HasNonTerminalWithdrawal(ctx context.Context, userID string) (bool, error)

	// GetBalance returns the full ledger row.
	GetBalance(ctx context.Context, userID string) (*UserBalance, error)

	// Credit adds to a user's balance. Used by seeding and the reward simulation.
	Credit(ctx context.Context, userID string, amount decimal.Decimal) error
}
