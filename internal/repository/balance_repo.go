// internal/repository/balance_repo.go
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"withdrawal-service/internal/domain"
)

// BalanceRepo is the pgx-backed internal token ledger.
type BalanceRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewBalanceRepo(pool *pgxpool.Pool, logger *zap.Logger) *BalanceRepo {
	return &BalanceRepo{pool: pool, logger: logger}
}

func (r *BalanceRepo) GetBalance(ctx context.Context, userID string) (*domain.UserBalance, error) {
	query := `
		SELECT user_id, balance::text, lifetime_withdrawn::text, updated_at
		FROM user_balances
		WHERE user_id = $1
	`
	var (
		b           domain.UserBalance
		balanceStr  string
		lifetimeStr string
	)
	err := r.pool.QueryRow(ctx, query, userID).Scan(&b.UserID, &balanceStr, &lifetimeStr, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserBalanceNotFound
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	if b.Balance, err = decimal.NewFromString(balanceStr); err != nil {
		return nil, fmt.Errorf("invalid stored balance %q: %w", balanceStr, err)
	}
	if b.LifetimeWithdrawn, err = decimal.NewFromString(lifetimeStr); err != nil {
		return nil, fmt.Errorf("invalid stored lifetime withdrawn %q: %w", lifetimeStr, err)
	}
	return &b, nil
}

// GetAvailableBalance returns zero for users that were never credited.
func (r *BalanceRepo) GetAvailableBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	b, err := r.GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrUserBalanceNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return b.Balance, nil
}

func (r *BalanceRepo) ReserveCheck(ctx context.Context, userID string, amount decimal.Decimal) (bool, error) {
	available, err := r.GetAvailableBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return available.GreaterThanOrEqual(amount), nil
}

func (r *BalanceRepo) HasNonTerminalWithdrawal(ctx context.Context, userID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM withdrawals
			WHERE user_id = $1 AND status IN ('pending_approval', 'approved')
		)
	`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check open withdrawals: %w", err)
	}
	return exists, nil
}

// Debit is the standalone form of the debit that confirmation runs inside its
// own transaction.
func (r *BalanceRepo) Debit(ctx context.Context, userID string, amount decimal.Decimal) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := debitTx(ctx, tx, userID, amount); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *BalanceRepo) Credit(ctx context.Context, userID string, amount decimal.Decimal) error {
	query := `
		INSERT INTO user_balances (user_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = user_balances.balance + EXCLUDED.balance, updated_at = NOW()
	`
	if _, err := r.pool.Exec(ctx, query, userID, amount.String()); err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	return nil
}

// debitTx subtracts amount and bumps lifetime_withdrawn, returning the new balance.
func debitTx(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	query := `
		UPDATE user_balances
		SET balance = balance - $2,
		    lifetime_withdrawn = lifetime_withdrawn + $2,
		    updated_at = NOW()
		WHERE user_id = $1
		RETURNING balance::text
	`
	var balanceStr string
	if err := tx.QueryRow(ctx, query, userID, amount.String()).Scan(&balanceStr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, domain.ErrUserBalanceNotFound
		}
		return decimal.Zero, fmt.Errorf("failed to debit balance: %w", err)
	}
	return decimal.NewFromString(balanceStr)
}
