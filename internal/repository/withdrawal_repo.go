// internal/repository/withdrawal_repo.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"withdrawal-service/internal/domain"
)

type WithdrawalRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewWithdrawalRepo(pool *pgxpool.Pool, logger *zap.Logger) *WithdrawalRepo {
	return &WithdrawalRepo{
		pool:   pool,
		logger: logger,
	}
}

func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		WithdrawalRepo: NewWithdrawalRepo(pool, logger),
		BalanceRepo:    NewBalanceRepo(pool, logger),
	}
}

const withdrawalColumns = `
	id, user_id, amount::text, to_address, status,
	tx_hash, raw_tx, nonce, gas_price::text, gas_limit,
	broadcast_attempts, last_broadcast_at, failure_reason, external_ref, reviewed_by,
	created_at, updated_at, confirmed_at`

// ============================================================================
// HELPER FUNCTIONS (Row Scanning)
// ============================================================================

func scanWithdrawal(row pgx.Row) (*domain.Withdrawal, error) {
	var (
		w         domain.Withdrawal
		amountStr string
		status    string
		nonce     *int64
		gasPrice  *string
		gasLimit  *int64
	)
	err := row.Scan(
		&w.ID, &w.UserID, &amountStr, &w.ToAddress, &status,
		&w.TxHash, &w.RawTx, &nonce, &gasPrice, &gasLimit,
		&w.BroadcastAttempts, &w.LastBroadcastAt, &w.FailureReason, &w.ExternalRef, &w.ReviewedBy,
		&w.CreatedAt, &w.UpdatedAt, &w.ConfirmedAt,
	)
	if err != nil {
		return nil, err
	}

	w.Status = domain.WithdrawalStatus(status)
	w.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", amountStr, err)
	}
	if nonce != nil {
		n := uint64(*nonce)
		w.Nonce = &n
	}
	if gasPrice != nil {
		gp, ok := new(big.Int).SetString(*gasPrice, 10)
		if !ok {
			return nil, fmt.Errorf("invalid stored gas price %q", *gasPrice)
		}
		w.GasPrice = gp
	}
	if gasLimit != nil {
		g := uint64(*gasLimit)
		w.GasLimit = &g
	}
	return &w, nil
}

func collectWithdrawals(rows pgx.Rows) ([]*domain.Withdrawal, error) {
	defer rows.Close()
	var out []*domain.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ============================================================================
// CREATE OPERATIONS
// ============================================================================

func (r *WithdrawalRepo) Create(ctx context.Context, w *domain.Withdrawal) error {
	query := `
		INSERT INTO withdrawals (id, user_id, amount, to_address, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		w.ID,
		w.UserID,
		w.Amount.String(),
		w.ToAddress,
		string(domain.WithdrawalStatusPendingApproval),
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if parsePGErrorCode(err) == pgUniqueViolation {
			return domain.ErrWithdrawalOutstanding
		}
		return fmt.Errorf("failed to create withdrawal: %w", err)
	}
	w.Status = domain.WithdrawalStatusPendingApproval

	r.logger.Info("withdrawal created",
		zap.String("withdrawal_id", w.ID),
		zap.String("user_id", w.UserID),
		zap.String("amount", w.Amount.String()))
	return nil
}

// ============================================================================
// READ OPERATIONS
// ============================================================================

func (r *WithdrawalRepo) GetByID(ctx context.Context, id string) (*domain.Withdrawal, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals WHERE id = $1`
	w, err := scanWithdrawal(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWithdrawalNotFound
		}
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}
	return w, nil
}

func (r *WithdrawalRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*domain.Withdrawal, error) {
	limit, offset = clampPage(limit, offset)
	query := `SELECT ` + withdrawalColumns + `
		FROM withdrawals
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list user withdrawals: %w", err)
	}
	return collectWithdrawals(rows)
}

func (r *WithdrawalRepo) ListByStatus(ctx context.Context, status domain.WithdrawalStatus, limit, offset int) ([]*domain.Withdrawal, error) {
	limit, offset = clampPage(limit, offset)
	query := `SELECT ` + withdrawalColumns + `
		FROM withdrawals
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals by status: %w", err)
	}
	return collectWithdrawals(rows)
}

func (r *WithdrawalRepo) ListOutstanding(ctx context.Context, limit int) ([]*domain.Withdrawal, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + withdrawalColumns + `
		FROM withdrawals
		WHERE status = 'approved'
		ORDER BY created_at ASC, id ASC
		LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outstanding withdrawals: %w", err)
	}
	return collectWithdrawals(rows)
}

func (r *WithdrawalRepo) ListByTxHash(ctx context.Context, txHash string) ([]*domain.Withdrawal, error) {
	query := `SELECT ` + withdrawalColumns + `
		FROM withdrawals
		WHERE tx_hash = $1
		ORDER BY created_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, txHash)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals by hash: %w", err)
	}
	return collectWithdrawals(rows)
}

// ============================================================================
// UPDATE OPERATIONS
// ============================================================================

func (r *WithdrawalRepo) TransitionStatus(ctx context.Context, id string, from, to domain.WithdrawalStatus, actor, reason string) error {
	query := `
		UPDATE withdrawals
		SET status = $3,
		    reviewed_by = COALESCE($4, reviewed_by),
		    failure_reason = COALESCE($5, failure_reason),
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	result, err := r.pool.Exec(ctx, query, id, string(from), string(to), nullable(actor), nullable(reason))
	if err != nil {
		return fmt.Errorf("failed to update withdrawal status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrStaleState
	}

	r.logger.Info("withdrawal status changed",
		zap.String("withdrawal_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

func (r *WithdrawalRepo) SaveSignedPayload(ctx context.Context, id string, st *domain.SignedTransfer) error {
	query := `
		UPDATE withdrawals
		SET raw_tx = $2, nonce = $3, gas_price = $4, gas_limit = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'approved' AND raw_tx IS NULL
	`
	result, err := r.pool.Exec(ctx, query, id, st.RawTx, int64(st.Nonce), st.GasPrice.String(), int64(st.GasLimit))
	if err != nil {
		return fmt.Errorf("failed to save signed payload: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrStaleState
	}
	return nil
}

func (r *WithdrawalRepo) MarkBroadcast(ctx context.Context, id, txHash string) error {
	query := `
		UPDATE withdrawals
		SET tx_hash = $2,
		    broadcast_attempts = broadcast_attempts + 1,
		    last_broadcast_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'approved'
		  AND raw_tx IS NOT NULL
		  AND (tx_hash IS NULL OR tx_hash = $2)
	`
	result, err := r.pool.Exec(ctx, query, id, txHash)
	if err != nil {
		return fmt.Errorf("failed to mark broadcast: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrStaleState
	}
	return nil
}

func (r *WithdrawalRepo) MarkFailed(ctx context.Context, id, reason string) error {
	query := `
		UPDATE withdrawals
		SET status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending_approval', 'approved')
	`
	result, err := r.pool.Exec(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("failed to mark withdrawal failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrStaleState
	}

	r.logger.Warn("withdrawal failed",
		zap.String("withdrawal_id", id),
		zap.String("reason", reason))
	return nil
}

// ============================================================================
// CONFIRMATION (ledger + balance in one transaction)
// ============================================================================

func (r *WithdrawalRepo) ConfirmBroadcast(ctx context.Context, id, txHash string) error {
	query := `
		UPDATE withdrawals
		SET status = 'confirmed', confirmed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'approved' AND tx_hash = $2
		RETURNING user_id, amount::text
	`
	return r.confirm(ctx, id, query, id, txHash)
}

func (r *WithdrawalRepo) ConfirmManual(ctx context.Context, id, externalRef, actor string) error {
	query := `
		UPDATE withdrawals
		SET status = 'confirmed', external_ref = $2, reviewed_by = COALESCE($3, reviewed_by),
		    confirmed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending_approval', 'approved') AND raw_tx IS NULL
		RETURNING user_id, amount::text
	`
	return r.confirm(ctx, id, query, id, externalRef, nullable(actor))
}

func (r *WithdrawalRepo) confirm(ctx context.Context, id, query string, args ...any) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		userID    string
		amountStr string
	)
	if err := tx.QueryRow(ctx, query, args...).Scan(&userID, &amountStr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrStaleState
		}
		return fmt.Errorf("failed to confirm withdrawal: %w", err)
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return fmt.Errorf("invalid stored amount %q: %w", amountStr, err)
	}

	balance, err := debitTx(ctx, tx, userID, amount)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit confirmation: %w", err)
	}

	if balance.IsNegative() {
		r.logger.Warn("balance negative after withdrawal debit",
			zap.String("withdrawal_id", id),
			zap.String("user_id", userID),
			zap.String("balance", balance.String()))
	}
	r.logger.Info("withdrawal confirmed",
		zap.String("withdrawal_id", id),
		zap.String("user_id", userID),
		zap.String("amount", amount.String()))
	return nil
}

// ============================================================================
// STATISTICS
// ============================================================================

func (r *WithdrawalRepo) Stats(ctx context.Context) (*domain.WithdrawalStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending_approval'),
			COUNT(*) FILTER (WHERE status = 'approved'),
			COUNT(*) FILTER (WHERE status = 'approved' AND tx_hash IS NOT NULL),
			COUNT(*) FILTER (WHERE status = 'confirmed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(SUM(amount) FILTER (WHERE status = 'confirmed'), 0)::text,
			COALESCE(SUM(amount) FILTER (WHERE status IN ('pending_approval', 'approved')), 0)::text
		FROM withdrawals
	`
	var (
		s            domain.WithdrawalStats
		confirmedStr string
		openStr      string
	)
	err := r.pool.QueryRow(ctx, query).Scan(
		&s.Total, &s.PendingApproval, &s.Approved, &s.AwaitingReceipt,
		&s.Confirmed, &s.Failed, &confirmedStr, &openStr,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawal stats: %w", err)
	}
	s.ConfirmedVolume, _ = decimal.NewFromString(confirmedStr)
	s.OutstandingValue, _ = decimal.NewFromString(openStr)
	return &s, nil
}
