// internal/repository/repository.go
package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"withdrawal-service/internal/domain"
)

// WithdrawalRepository is the durable withdrawal ledger. Every mutation is
// guarded on the row's expected current state and returns domain.ErrStaleState
// when the guard doesn't hold.
type WithdrawalRepository interface {
	// Create inserts a pending_approval row. domain.ErrWithdrawalOutstanding when the
	// user already has a non-terminal request.
	Create(ctx context.Context, w *domain.Withdrawal) error

	GetByID(ctx context.Context, id string) (*domain.Withdrawal, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*domain.Withdrawal, error)
	ListByStatus(ctx context.Context, status domain.WithdrawalStatus, limit, offset int) ([]*domain.Withdrawal, error)

	// ListOutstanding returns approved rows in creation order.
	ListOutstanding(ctx context.Context, limit int) ([]*domain.Withdrawal, error)

	// ListByTxHash returns every row carrying hash, earliest created first.
	ListByTxHash(ctx context.Context, txHash string) ([]*domain.Withdrawal, error)

	// TransitionStatus moves a row from one status to another. actor and reason
	// are optional.
	TransitionStatus(ctx context.Context, id string, from, to domain.WithdrawalStatus, actor, reason string) error

	// SaveSignedPayload stores the signed transfer. Allowed once, on an approved row.
	SaveSignedPayload(ctx context.Context, id string, st *domain.SignedTransfer) error

	// MarkBroadcast records a submission of the stored payload and its hash.
	MarkBroadcast(ctx context.Context, id, txHash string) error

	// MarkFailed moves any non-terminal row to failed.
	MarkFailed(ctx context.Context, id, reason string) error

	// ConfirmBroadcast confirms an approved row whose hash matches and debits the
	// user, atomically.
	ConfirmBroadcast(ctx context.Context, id, txHash string) error

	// ConfirmManual confirms a row paid out of band and debits the user, atomically.
	// Refused when a signed payload exists.
	ConfirmManual(ctx context.Context, id, externalRef, actor string) error

	Stats(ctx context.Context) (*domain.WithdrawalStats, error)
}

// Store is the ledger plus the balance store it debits.
type Store interface {
	WithdrawalRepository
	domain.BalanceStore
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// PostgresStore joins the pgx-backed withdrawal and balance repositories.
type PostgresStore struct {
	*WithdrawalRepo
	*BalanceRepo
}

//go:embed schema.sql
var schemaSQL string

// EnsureSchema applies the embedded DDL. Every statement is idempotent.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func parsePGErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code // e.g. 23505 for unique_violation
	}
	return "unknown"
}

const pgUniqueViolation = "23505"

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
