package repository

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"withdrawal-service/internal/domain"
)

func newWithdrawal(id, user, amount string) *domain.Withdrawal {
	return &domain.Withdrawal{
		ID:        id,
		UserID:    user,
		Amount:    decimal.RequireFromString(amount),
		ToAddress: "0x00000000000000000000000000000000000000aa",
	}
}

func payload(raw string) *domain.SignedTransfer {
	return &domain.SignedTransfer{
		TxHash:   "0xhash-" + raw,
		RawTx:    []byte(raw),
		Nonce:    3,
		GasPrice: big.NewInt(1_000_000_000),
		GasLimit: 21000,
	}
}

func approvedWithPayload(t *testing.T, s *MemoryStore, id, user string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newWithdrawal(id, user, "20")))
	require.NoError(t, s.TransitionStatus(ctx, id, domain.WithdrawalStatusPendingApproval, domain.WithdrawalStatusApproved, "admin", ""))
	require.NoError(t, s.SaveSignedPayload(ctx, id, payload(id)))
}

func TestCreateRejectsSecondOpenRequest(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newWithdrawal("w1", "alice", "10")))
	err := s.Create(ctx, newWithdrawal("w2", "alice", "5"))
	require.ErrorIs(t, err, domain.ErrWithdrawalOutstanding)

	open, err := s.HasNonTerminalWithdrawal(ctx, "alice")
	require.NoError(t, err)
	require.True(t, open)

	require.NoError(t, s.MarkFailed(ctx, "w1", "rejected"))
	require.NoError(t, s.Create(ctx, newWithdrawal("w2", "alice", "5")))
}

func TestTransitionStatusGuardsCurrentState(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newWithdrawal("w1", "alice", "10")))

	require.NoError(t, s.TransitionStatus(ctx, "w1", domain.WithdrawalStatusPendingApproval, domain.WithdrawalStatusApproved, "ops", ""))
	err := s.TransitionStatus(ctx, "w1", domain.WithdrawalStatusPendingApproval, domain.WithdrawalStatusFailed, "ops", "late reject")
	require.ErrorIs(t, err, domain.ErrStaleState)

	w, err := s.GetByID(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, domain.WithdrawalStatusApproved, w.Status)
	require.Equal(t, "ops", *w.ReviewedBy)

	_, err = s.GetByID(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrWithdrawalNotFound)
}

func TestSignedPayloadIsWrittenOnce(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()
	approvedWithPayload(t, s, "w1", "alice")

	err := s.SaveSignedPayload(ctx, "w1", payload("other"))
	require.ErrorIs(t, err, domain.ErrStaleState)

	w, err := s.GetByID(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, []byte("w1"), w.RawTx)
	require.Equal(t, uint64(3), *w.Nonce)
	require.Equal(t, domain.PhaseSigned, w.Phase())
}

func TestSaveSignedPayloadRequiresApproved(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newWithdrawal("w1", "alice", "10")))

	err := s.SaveSignedPayload(ctx, "w1", payload("w1"))
	require.ErrorIs(t, err, domain.ErrStaleState)
}

func TestMarkBroadcastKeepsHashImmutable(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()
	approvedWithPayload(t, s, "w1", "alice")

	require.NoError(t, s.MarkBroadcast(ctx, "w1", "0xaaa"))
	require.NoError(t, s.MarkBroadcast(ctx, "w1", "0xaaa"))
	require.ErrorIs(t, s.MarkBroadcast(ctx, "w1", "0xbbb"), domain.ErrStaleState)

	w, err := s.GetByID(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "0xaaa", *w.TxHash)
	require.Equal(t, 2, w.BroadcastAttempts)
	require.Equal(t, domain.PhaseBroadcast, w.Phase())
}

func TestMarkBroadcastRequiresPayload(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newWithdrawal("w1", "alice", "10")))
	require.NoError(t, s.TransitionStatus(ctx, "w1", domain.WithdrawalStatusPendingApproval, domain.WithdrawalStatusApproved, "", ""))

	require.ErrorIs(t, s.MarkBroadcast(ctx, "w1", "0xaaa"), domain.ErrStaleState)
}

func TestConfirmBroadcastDebitsOnce(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.Credit(ctx, "alice", decimal.NewFromInt(50)))
	approvedWithPayload(t, s, "w1", "alice")
	require.NoError(t, s.MarkBroadcast(ctx, "w1", "0xaaa"))

	require.ErrorIs(t, s.ConfirmBroadcast(ctx, "w1", "0xother"), domain.ErrStaleState)
	require.NoError(t, s.ConfirmBroadcast(ctx, "w1", "0xaaa"))
	require.ErrorIs(t, s.ConfirmBroadcast(ctx, "w1", "0xaaa"), domain.ErrStaleState)

	b, err := s.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.True(t, b.Balance.Equal(decimal.NewFromInt(30)))
	require.True(t, b.LifetimeWithdrawn.Equal(decimal.NewFromInt(20)))

	w, err := s.GetByID(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, domain.WithdrawalStatusConfirmed, w.Status)
	require.NotNil(t, w.ConfirmedAt)
}

func TestConfirmWithoutBalanceRowLeavesWithdrawal(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()
	approvedWithPayload(t, s, "w1", "ghost")
	require.NoError(t, s.MarkBroadcast(ctx, "w1", "0xaaa"))

	require.ErrorIs(t, s.ConfirmBroadcast(ctx, "w1", "0xaaa"), domain.ErrUserBalanceNotFound)
	w, err := s.GetByID(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, domain.WithdrawalStatusApproved, w.Status)
}

func TestConfirmManualRefusesSignedRows(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.Credit(ctx, "alice", decimal.NewFromInt(50)))
	require.NoError(t, s.Credit(ctx, "bob", decimal.NewFromInt(50)))
	approvedWithPayload(t, s, "w1", "alice")

	require.ErrorIs(t, s.ConfirmManual(ctx, "w1", "bank-ref", "ops"), domain.ErrStaleState)

	require.NoError(t, s.Create(ctx, newWithdrawal("w2", "bob", "15")))
	require.NoError(t, s.ConfirmManual(ctx, "w2", "bank-ref", "ops"))

	w, err := s.GetByID(ctx, "w2")
	require.NoError(t, err)
	require.Equal(t, domain.WithdrawalStatusConfirmed, w.Status)
	require.Equal(t, "bank-ref", *w.ExternalRef)

	bal, err := s.GetAvailableBalance(ctx, "bob")
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.NewFromInt(35)))
}

func TestMarkFailedOnlyFromNonTerminal(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newWithdrawal("w1", "alice", "10")))

	require.NoError(t, s.MarkFailed(ctx, "w1", "reverted"))
	require.ErrorIs(t, s.MarkFailed(ctx, "w1", "again"), domain.ErrStaleState)

	w, err := s.GetByID(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "reverted", *w.FailureReason)
}

func TestListOutstandingInCreationOrder(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	s.SetClock(func() time.Time { return tick })

	for i, user := range []string{"carol", "alice", "bob"} {
		tick = base.Add(time.Duration(i) * time.Minute)
		id := "w-" + user
		require.NoError(t, s.Create(ctx, newWithdrawal(id, user, "1")))
		require.NoError(t, s.TransitionStatus(ctx, id, domain.WithdrawalStatusPendingApproval, domain.WithdrawalStatusApproved, "", ""))
	}

	rows, err := s.ListOutstanding(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "w-carol", rows[0].ID)
	require.Equal(t, "w-alice", rows[1].ID)
}

func TestListByTxHashEarliestFirst(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	s.SetClock(func() time.Time { return tick })

	approvedWithPayload(t, s, "w-late", "bob")
	tick = base.Add(-time.Hour)
	approvedWithPayload(t, s, "w-early", "alice")
	require.NoError(t, s.MarkBroadcast(ctx, "w-late", "0xshared"))
	require.NoError(t, s.MarkBroadcast(ctx, "w-early", "0xshared"))

	rows, err := s.ListByTxHash(ctx, "0xshared")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "w-early", rows[0].ID)
}

func TestStats(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.Credit(ctx, "alice", decimal.NewFromInt(100)))
	approvedWithPayload(t, s, "w1", "alice")
	require.NoError(t, s.MarkBroadcast(ctx, "w1", "0xaaa"))
	require.NoError(t, s.Create(ctx, newWithdrawal("w2", "bob", "5")))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, st.Total)
	require.Equal(t, 1, st.PendingApproval)
	require.Equal(t, 1, st.Approved)
	require.Equal(t, 1, st.AwaitingReceipt)
	require.True(t, st.OutstandingValue.Equal(decimal.NewFromInt(25)))

	require.NoError(t, s.ConfirmBroadcast(ctx, "w1", "0xaaa"))
	st, err = s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Confirmed)
	require.True(t, st.ConfirmedVolume.Equal(decimal.NewFromInt(20)))
}

func TestListByUserNewestFirst(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	s.SetClock(func() time.Time { return tick })

	require.NoError(t, s.Create(ctx, newWithdrawal("w1", "alice", "1")))
	require.NoError(t, s.MarkFailed(ctx, "w1", "rejected"))
	tick = base.Add(time.Minute)
	require.NoError(t, s.Create(ctx, newWithdrawal("w2", "alice", "2")))

	rows, err := s.ListByUser(ctx, "alice", 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "w2", rows[0].ID)

	rows, err = s.ListByUser(ctx, "alice", 10, 5)
	require.NoError(t, err)
	require.Empty(t, rows)
}
