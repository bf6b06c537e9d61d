// internal/repository/memory_store.go
package repository

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"withdrawal-service/internal/domain"
)

// MemoryStore keeps the ledger and balances in process memory with the same
// guards as the Postgres store. Used by tests and STORAGE_DRIVER=memory.
type MemoryStore struct {
	mu          sync.Mutex
	withdrawals map[string]*domain.Withdrawal
	balances    map[string]*domain.UserBalance
	now         func() time.Time
	logger      *zap.Logger
}

func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		withdrawals: make(map[string]*domain.Withdrawal),
		balances:    make(map[string]*domain.UserBalance),
		now:         time.Now,
		logger:      logger,
	}
}

// SetClock replaces the time source for timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) openLocked(userID string) bool {
	for _, w := range s.withdrawals {
		if w.UserID == userID && !w.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// sortedLocked returns clones matching keep, oldest first.
func (s *MemoryStore) sortedLocked(keep func(*domain.Withdrawal) bool) []*domain.Withdrawal {
	var out []*domain.Withdrawal
	for _, w := range s.withdrawals {
		if keep(w) {
			out = append(out, w.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func page(in []*domain.Withdrawal, limit, offset int) []*domain.Withdrawal {
	limit, offset = clampPage(limit, offset)
	if offset >= len(in) {
		return nil
	}
	end := offset + limit
	if end > len(in) {
		end = len(in)
	}
	return in[offset:end]
}

// ============================================================================
// WithdrawalRepository
// ============================================================================

func (s *MemoryStore) Create(ctx context.Context, w *domain.Withdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openLocked(w.UserID) {
		return domain.ErrWithdrawalOutstanding
	}
	now := s.now()
	w.Status = domain.WithdrawalStatusPendingApproval
	w.CreatedAt = now
	w.UpdatedAt = now
	s.withdrawals[w.ID] = w.Clone()
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*domain.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return nil, domain.ErrWithdrawalNotFound
	}
	return w.Clone(), nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*domain.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.sortedLocked(func(w *domain.Withdrawal) bool { return w.UserID == userID })
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return page(rows, limit, offset), nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status domain.WithdrawalStatus, limit, offset int) ([]*domain.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.sortedLocked(func(w *domain.Withdrawal) bool { return w.Status == status })
	return page(rows, limit, offset), nil
}

func (s *MemoryStore) ListOutstanding(ctx context.Context, limit int) ([]*domain.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.sortedLocked(func(w *domain.Withdrawal) bool { return w.Status == domain.WithdrawalStatusApproved })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *MemoryStore) ListByTxHash(ctx context.Context, txHash string) ([]*domain.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(func(w *domain.Withdrawal) bool {
		return w.TxHash != nil && *w.TxHash == txHash
	}), nil
}

func (s *MemoryStore) TransitionStatus(ctx context.Context, id string, from, to domain.WithdrawalStatus, actor, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok || w.Status != from {
		return domain.ErrStaleState
	}
	w.Status = to
	if actor != "" {
		w.ReviewedBy = &actor
	}
	if reason != "" {
		w.FailureReason = &reason
	}
	w.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SaveSignedPayload(ctx context.Context, id string, st *domain.SignedTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok || w.Status != domain.WithdrawalStatusApproved || w.HasSignedPayload() {
		return domain.ErrStaleState
	}
	nonce, gasLimit := st.Nonce, st.GasLimit
	w.RawTx = append([]byte(nil), st.RawTx...)
	w.Nonce = &nonce
	w.GasLimit = &gasLimit
	if st.GasPrice != nil {
		w.GasPrice = new(big.Int).Set(st.GasPrice)
	}
	w.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) MarkBroadcast(ctx context.Context, id, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok || w.Status != domain.WithdrawalStatusApproved || !w.HasSignedPayload() {
		return domain.ErrStaleState
	}
	if w.TxHash != nil && *w.TxHash != txHash {
		return domain.ErrStaleState
	}
	now := s.now()
	w.TxHash = &txHash
	w.BroadcastAttempts++
	w.LastBroadcastAt = &now
	w.UpdatedAt = now
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok || w.Status.IsTerminal() {
		return domain.ErrStaleState
	}
	w.Status = domain.WithdrawalStatusFailed
	w.FailureReason = &reason
	w.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ConfirmBroadcast(ctx context.Context, id, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok || w.Status != domain.WithdrawalStatusApproved || w.TxHash == nil || *w.TxHash != txHash {
		return domain.ErrStaleState
	}
	return s.confirmLocked(w)
}

func (s *MemoryStore) ConfirmManual(ctx context.Context, id, externalRef, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok || w.Status.IsTerminal() || w.HasSignedPayload() {
		return domain.ErrStaleState
	}
	if err := s.confirmLocked(w); err != nil {
		return err
	}
	w.ExternalRef = &externalRef
	if actor != "" {
		w.ReviewedBy = &actor
	}
	return nil
}

// confirmLocked debits first so a missing balance row leaves the withdrawal untouched.
func (s *MemoryStore) confirmLocked(w *domain.Withdrawal) error {
	balance, err := s.debitLocked(w.UserID, w.Amount)
	if err != nil {
		return err
	}
	now := s.now()
	w.Status = domain.WithdrawalStatusConfirmed
	w.ConfirmedAt = &now
	w.UpdatedAt = now

	if balance.IsNegative() {
		s.logger.Warn("balance negative after withdrawal debit",
			zap.String("withdrawal_id", w.ID),
			zap.String("user_id", w.UserID),
			zap.String("balance", balance.String()))
	}
	return nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*domain.WithdrawalStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &domain.WithdrawalStats{
		ConfirmedVolume:  decimal.Zero,
		OutstandingValue: decimal.Zero,
	}
	for _, w := range s.withdrawals {
		st.Total++
		switch w.Status {
		case domain.WithdrawalStatusPendingApproval:
			st.PendingApproval++
			st.OutstandingValue = st.OutstandingValue.Add(w.Amount)
		case domain.WithdrawalStatusApproved:
			st.Approved++
			st.OutstandingValue = st.OutstandingValue.Add(w.Amount)
			if w.TxHash != nil {
				st.AwaitingReceipt++
			}
		case domain.WithdrawalStatusConfirmed:
			st.Confirmed++
			st.ConfirmedVolume = st.ConfirmedVolume.Add(w.Amount)
		case domain.WithdrawalStatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

// ============================================================================
// BalanceStore
// ============================================================================

func (s *MemoryStore) GetBalance(ctx context.Context, userID string) (*domain.UserBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[userID]
	if !ok {
		return nil, domain.ErrUserBalanceNotFound
	}
	out := *b
	return &out, nil
}

func (s *MemoryStore) GetAvailableBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.balances[userID]; ok {
		return b.Balance, nil
	}
	return decimal.Zero, nil
}

func (s *MemoryStore) ReserveCheck(ctx context.Context, userID string, amount decimal.Decimal) (bool, error) {
	available, err := s.GetAvailableBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return available.GreaterThanOrEqual(amount), nil
}

func (s *MemoryStore) HasNonTerminalWithdrawal(ctx context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(userID), nil
}

func (s *MemoryStore) Debit(ctx context.Context, userID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.debitLocked(userID, amount)
	return err
}

func (s *MemoryStore) debitLocked(userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	b, ok := s.balances[userID]
	if !ok {
		return decimal.Zero, domain.ErrUserBalanceNotFound
	}
	b.Balance = b.Balance.Sub(amount)
	b.LifetimeWithdrawn = b.LifetimeWithdrawn.Add(amount)
	b.UpdatedAt = s.now()
	return b.Balance, nil
}

func (s *MemoryStore) Credit(ctx context.Context, userID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[userID]
	if !ok {
		b = &domain.UserBalance{UserID: userID, Balance: decimal.Zero, LifetimeWithdrawn: decimal.Zero}
		s.balances[userID] = b
	}
	b.Balance = b.Balance.Add(amount)
	b.UpdatedAt = s.now()
	return nil
}
