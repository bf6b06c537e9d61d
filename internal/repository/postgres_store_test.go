package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"withdrawal-service/internal/domain"
	"withdrawal-service/pkg/id"
)

// newPostgresStore connects to TEST_DATABASE_URL and applies the schema. Tests
// use fresh ids and user ids so they can share one database.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, pool.Ping(ctx))
	require.NoError(t, EnsureSchema(ctx, pool))
	return NewPostgresStore(pool, zap.NewNop())
}

func pgApprovedWithPayload(t *testing.T, s *PostgresStore, user string) string {
	t.Helper()
	ctx := context.Background()
	wid := id.WithPrefix("wd")
	require.NoError(t, s.Create(ctx, newWithdrawal(wid, user, "20")))
	require.NoError(t, s.TransitionStatus(ctx, wid, domain.WithdrawalStatusPendingApproval, domain.WithdrawalStatusApproved, "admin", ""))
	require.NoError(t, s.SaveSignedPayload(ctx, wid, payload(wid)))
	return wid
}

func TestPostgresOneOpenWithdrawalPerUser(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	user := id.WithPrefix("user")

	first := id.WithPrefix("wd")
	require.NoError(t, s.Create(ctx, newWithdrawal(first, user, "10")))
	require.ErrorIs(t, s.Create(ctx, newWithdrawal(id.WithPrefix("wd"), user, "5")), domain.ErrWithdrawalOutstanding)

	require.NoError(t, s.TransitionStatus(ctx, first, domain.WithdrawalStatusPendingApproval, domain.WithdrawalStatusApproved, "ops", ""))
	require.ErrorIs(t, s.Create(ctx, newWithdrawal(id.WithPrefix("wd"), user, "5")), domain.ErrWithdrawalOutstanding)

	open, err := s.HasNonTerminalWithdrawal(ctx, user)
	require.NoError(t, err)
	require.True(t, open)

	require.NoError(t, s.MarkFailed(ctx, first, "rejected"))
	require.NoError(t, s.Create(ctx, newWithdrawal(id.WithPrefix("wd"), user, "5")))
}

func TestPostgresTransitionStatusGuardsCurrentState(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	wid := id.WithPrefix("wd")
	require.NoError(t, s.Create(ctx, newWithdrawal(wid, id.WithPrefix("user"), "10")))

	require.NoError(t, s.TransitionStatus(ctx, wid, domain.WithdrawalStatusPendingApproval, domain.WithdrawalStatusApproved, "ops", ""))
	err := s.TransitionStatus(ctx, wid, domain.WithdrawalStatusPendingApproval, domain.WithdrawalStatusFailed, "ops", "late reject")
	require.ErrorIs(t, err, domain.ErrStaleState)

	w, err := s.GetByID(ctx, wid)
	require.NoError(t, err)
	require.Equal(t, domain.WithdrawalStatusApproved, w.Status)
}

func TestPostgresSignedPayloadIsWrittenOnce(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	wid := pgApprovedWithPayload(t, s, id.WithPrefix("user"))

	require.ErrorIs(t, s.SaveSignedPayload(ctx, wid, payload("other")), domain.ErrStaleState)

	w, err := s.GetByID(ctx, wid)
	require.NoError(t, err)
	require.Equal(t, []byte(wid), w.RawTx)
	require.Equal(t, uint64(3), *w.Nonce)
	require.Equal(t, "1000000000", w.GasPrice.String())
}

func TestPostgresMarkBroadcastKeepsHashImmutable(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	wid := pgApprovedWithPayload(t, s, id.WithPrefix("user"))

	require.NoError(t, s.MarkBroadcast(ctx, wid, "0xaaa"))
	require.NoError(t, s.MarkBroadcast(ctx, wid, "0xaaa"))
	require.ErrorIs(t, s.MarkBroadcast(ctx, wid, "0xbbb"), domain.ErrStaleState)

	w, err := s.GetByID(ctx, wid)
	require.NoError(t, err)
	require.Equal(t, "0xaaa", *w.TxHash)
	require.Equal(t, 2, w.BroadcastAttempts)
}

func TestPostgresConfirmBroadcastDebitsOnce(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	user := id.WithPrefix("user")
	require.NoError(t, s.Credit(ctx, user, decimal.NewFromInt(50)))
	wid := pgApprovedWithPayload(t, s, user)
	require.NoError(t, s.MarkBroadcast(ctx, wid, "0xaaa"))

	require.ErrorIs(t, s.ConfirmBroadcast(ctx, wid, "0xother"), domain.ErrStaleState)
	require.NoError(t, s.ConfirmBroadcast(ctx, wid, "0xaaa"))
	require.ErrorIs(t, s.ConfirmBroadcast(ctx, wid, "0xaaa"), domain.ErrStaleState)

	b, err := s.GetBalance(ctx, user)
	require.NoError(t, err)
	require.True(t, b.Balance.Equal(decimal.NewFromInt(30)))
	require.True(t, b.LifetimeWithdrawn.Equal(decimal.NewFromInt(20)))
}

func TestPostgresConfirmWithoutBalanceRowRollsBack(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	wid := pgApprovedWithPayload(t, s, id.WithPrefix("ghost"))
	require.NoError(t, s.MarkBroadcast(ctx, wid, "0xaaa"))

	require.ErrorIs(t, s.ConfirmBroadcast(ctx, wid, "0xaaa"), domain.ErrUserBalanceNotFound)

	w, err := s.GetByID(ctx, wid)
	require.NoError(t, err)
	require.Equal(t, domain.WithdrawalStatusApproved, w.Status)
	require.Nil(t, w.ConfirmedAt)
}

func TestPostgresConfirmManualRefusesSignedRows(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	signedUser := id.WithPrefix("user")
	require.NoError(t, s.Credit(ctx, signedUser, decimal.NewFromInt(50)))
	signed := pgApprovedWithPayload(t, s, signedUser)

	require.ErrorIs(t, s.ConfirmManual(ctx, signed, "bank-ref", "ops"), domain.ErrStaleState)

	manualUser := id.WithPrefix("user")
	require.NoError(t, s.Credit(ctx, manualUser, decimal.NewFromInt(50)))
	manual := id.WithPrefix("wd")
	require.NoError(t, s.Create(ctx, newWithdrawal(manual, manualUser, "15")))
	require.NoError(t, s.ConfirmManual(ctx, manual, "bank-ref", "ops"))

	w, err := s.GetByID(ctx, manual)
	require.NoError(t, err)
	require.Equal(t, domain.WithdrawalStatusConfirmed, w.Status)
	require.Equal(t, "bank-ref", *w.ExternalRef)
	require.Equal(t, "ops", *w.ReviewedBy)

	bal, err := s.GetAvailableBalance(ctx, manualUser)
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.NewFromInt(35)))
}
