// internal/usecase/settlement_usecase.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"withdrawal-service/internal/chains/ethereum"
	"withdrawal-service/internal/domain"
	"withdrawal-service/internal/events"
	"withdrawal-service/internal/metrics"
	"withdrawal-service/internal/repository"
)

const (
	ModeAutomatic = "automatic"
	ModeManual    = "manual"
)

// Failure reasons written to the ledger.
const (
	ReasonReverted      = "transaction reverted on chain"
	ReasonDuplicateHash = "duplicate transaction hash"
	ReasonNonceConsumed = "nonce consumed by another transaction"
	ReasonInvalid       = "request cannot be settled"
)

// ChainReader is what settlement reads from the chain.
type ChainReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	LatestNonce(ctx context.Context, account common.Address) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
}

// Broadcaster submits signed transactions.
type Broadcaster interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

type NonceAllocator interface {
	Allocate(ctx context.Context, addr common.Address) (uint64, error)
	Reset(addr common.Address)
	Release(addr common.Address, nonce uint64) bool
}

type TransferBuilder interface {
	Build(ctx context.Context, w *domain.Withdrawal, nonce uint64) (*domain.SignedTransfer, error)
}

type SettlementConfig struct {
	Mode             string
	ChainID          uint64
	HotWallet        common.Address
	BatchSize        int
	RebroadcastAfter time.Duration
	MinConfirmations uint64
	InlineTimeout    time.Duration

	// PublishTimeout bounds each event publish so a slow broker can't hold up a pass.
	PublishTimeout time.Duration
}

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Scanned     int           `json:"scanned"`
	Broadcast   int           `json:"broadcast"`
	Rebroadcast int           `json:"rebroadcast"`
	Confirmed   int           `json:"confirmed"`
	Failed      int           `json:"failed"`
	Waiting     int           `json:"waiting"`
	Retryable   int           `json:"retryable"`
	Errors      int           `json:"errors"`
	Skipped     int           `json:"skipped"`
	Underfunded bool          `json:"underfunded"`
	Paused      bool          `json:"paused"`
}

// SettlementStatus is the operator view of the pipeline.
type SettlementStatus struct {
	Mode      string           `json:"mode"`
	Paused    bool             `json:"paused"`
	HotWallet string           `json:"hot_wallet"`
	InFlight  int              `json:"in_flight"`
	LastPass  *ReconcileReport `json:"last_pass,omitempty"`
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeBroadcast
	outcomeRebroadcast
	outcomeWaiting
	outcomeConfirmed
	outcomeFailed
)

// SettlementUsecase signs, broadcasts and reconciles approved withdrawals. It is
// reached from two schedules: the inline path after an approval and the
// periodic reconciliation pass. A per-row claim keeps them off the same row in
// this process; the ledger guards cover everything else.
type SettlementUsecase struct {
	repo        repository.WithdrawalRepository
	reader      ChainReader
	broadcaster Broadcaster
	nonces      NonceAllocator
	builder     TransferBuilder
	publisher   events.Publisher
	metrics     *metrics.Settlement
	cfg         SettlementConfig
	logger      *zap.Logger
	now         func() time.Time

	paused   atomic.Bool
	lastPass atomic.Pointer[ReconcileReport]

	claimsMu sync.Mutex
	claims   map[string]struct{}

	inline sync.WaitGroup
}

type SettlementOption func(*SettlementUsecase)

// WithClock replaces the time source used for rebroadcast ages.
func WithClock(now func() time.Time) SettlementOption {
	return func(s *SettlementUsecase) { s.now = now }
}

func WithSettlementMetrics(m *metrics.Settlement) SettlementOption {
	return func(s *SettlementUsecase) { s.metrics = m }
}


func NewSettlementUsecase(
	repo repository.WithdrawalRepository,
	reader ChainReader,
	broadcaster Broadcaster,
	nonces NonceAllocator,
	builder TransferBuilder,
	publisher events.Publisher,
	cfg SettlementConfig,
	logger *zap.Logger,
	opts ...SettlementOption,
) *SettlementUsecase {
	if cfg.Mode == "" {
		cfg.Mode = ModeAutomatic
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = 1
	}
	if cfg.InlineTimeout <= 0 {
		cfg.InlineTimeout = 60 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	s := &SettlementUsecase{
		repo:        repo,
		reader:      reader,
		broadcaster: broadcaster,
		nonces:      nonces,
		builder:     builder,
		publisher:   publisher,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		claims:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ============================================================================
// OPERATOR CONTROLS
// ============================================================================

func (s *SettlementUsecase) Pause() {
	s.paused.Store(true)
	s.metrics.SetPaused(true)
	s.logger.Warn("settlement paused")
}

func (s *SettlementUsecase) Resume() {
	s.paused.Store(false)
	s.metrics.SetPaused(false)
	s.logger.Info("settlement resumed")
}

func (s *SettlementUsecase) Paused() bool { return s.paused.Load() }

func (s *SettlementUsecase) Mode() string { return s.cfg.Mode }

func (s *SettlementUsecase) Status() SettlementStatus {
	s.claimsMu.Lock()
	inFlight := len(s.claims)
	s.claimsMu.Unlock()
	return SettlementStatus{
		Mode:      s.cfg.Mode,
		Paused:    s.Paused(),
		HotWallet: s.cfg.HotWallet.Hex(),
		InFlight:  inFlight,
		LastPass:  s.lastPass.Load(),
	}
}

// HotWalletStatus reads the signing account's balance and pending nonce.
func (s *SettlementUsecase) HotWalletStatus(ctx context.Context) (*domain.HotWalletStatus, error) {
	balance, err := s.reader.BalanceAt(ctx, s.cfg.HotWallet)
	if err != nil {
		return nil, fmt.Errorf("failed to get hot wallet balance: %w", err)
	}
	pending, err := s.reader.PendingNonceAt(ctx, s.cfg.HotWallet)
	if err != nil {
		return nil, fmt.Errorf("failed to get hot wallet nonce: %w", err)
	}
	return &domain.HotWalletStatus{
		Address:      s.cfg.HotWallet.Hex(),
		ChainID:      s.cfg.ChainID,
		Balance:      balance,
		PendingNonce: pending,
	}, nil
}

func (s *SettlementUsecase) claim(id string) bool {
	s.claimsMu.Lock()
	defer s.claimsMu.Unlock()
	if _, busy := s.claims[id]; busy {
		return false
	}
	s.claims[id] = struct{}{}
	return true
}

func (s *SettlementUsecase) release(id string) {
	s.claimsMu.Lock()
	defer s.claimsMu.Unlock()
	delete(s.claims, id)
}

// ============================================================================
// INLINE PATH
// ============================================================================

// Settle performs the first sign and broadcast for an approved withdrawal, or
// advances it if a payload already exists.
func (s *SettlementUsecase) Settle(ctx context.Context, id string) error {
	if s.Paused() {
		return domain.ErrSettlementPaused
	}
	if s.cfg.Mode != ModeAutomatic {
		return domain.ErrManualModeOnly
	}
	if !s.claim(id) {
		return domain.ErrSettlementInProgress
	}
	defer s.release(id)

	w, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != domain.WithdrawalStatusApproved {
		s.logger.Debug("withdrawal not approved, nothing to settle",
			zap.String("withdrawal_id", id),
			zap.String("status", string(w.Status)))
		return nil
	}

	_, err = s.process(ctx, w, true)
	return err
}

// SettleAsync runs Settle in a tracked goroutine bounded by the inline timeout.
func (s *SettlementUsecase) SettleAsync(id string) {
	s.inline.Add(1)
	go func() {
		defer s.inline.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.InlineTimeout)
		defer cancel()

		if err := s.Settle(ctx, id); err != nil {
			fields := []zap.Field{zap.String("withdrawal_id", id), zap.Error(err)}
			switch {
			case errors.Is(err, domain.ErrSettlementInProgress),
				errors.Is(err, domain.ErrSettlementPaused),
				ethereum.IsRetryable(err):
				s.logger.Info("inline settlement deferred to reconciler", fields...)
			default:
				s.logger.Error("inline settlement failed", fields...)
			}
		}
	}()
}

// Wait blocks until every SettleAsync goroutine has returned.
func (s *SettlementUsecase) Wait() {
	s.inline.Wait()
}

// ============================================================================
// RECONCILIATION PASS
// ============================================================================

// ReconcileOnce walks outstanding withdrawals in creation order, up to the batch
// size. An underfunded hot wallet stops the batch; endpoint outages leave the row
// for the next pass.
func (s *SettlementUsecase) ReconcileOnce(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{StartedAt: s.now()}
	start := time.Now()
	defer func() {
		report.Duration = time.Since(start)
		s.metrics.ObservePass(report.Duration)
		s.lastPass.Store(report)
	}()

	if s.Paused() {
		report.Paused = true
		return report, nil
	}

	rows, err := s.repo.ListOutstanding(ctx, s.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list outstanding withdrawals: %w", err)
	}
	allowSign := s.cfg.Mode == ModeAutomatic

	for _, w := range rows {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++
		if !s.claim(w.ID) {
			report.Skipped++
			continue
		}
		out, err := s.process(ctx, w, allowSign)
		s.release(w.ID)

		if err != nil {
			if errors.Is(err, domain.ErrHotWalletUnderfunded) {
				report.Underfunded = true
				s.logger.Warn("hot wallet underfunded, stopping batch",
					zap.String("withdrawal_id", w.ID),
					zap.String("amount", w.Amount.String()),
					zap.Error(err))
				break
			}
			if ethereum.IsRetryable(err) {
				report.Retryable++
				s.logger.Warn("chain unavailable, withdrawal left for next pass",
					zap.String("withdrawal_id", w.ID),
					zap.Error(err))
				continue
			}
			report.Errors++
			s.logger.Error("failed to reconcile withdrawal",
				zap.String("withdrawal_id", w.ID),
				zap.Error(err))
			continue
		}

		switch out {
		case outcomeBroadcast:
			report.Broadcast++
		case outcomeRebroadcast:
			report.Rebroadcast++
		case outcomeConfirmed:
			report.Confirmed++
		case outcomeFailed:
			report.Failed++
		case outcomeWaiting:
			report.Waiting++
		}
	}

	s.metrics.SetUnderfunded(report.Underfunded)
	if report.Scanned > 0 {
		s.logger.Info("reconciliation pass complete",
			zap.Int("scanned", report.Scanned),
			zap.Int("broadcast", report.Broadcast),
			zap.Int("rebroadcast", report.Rebroadcast),
			zap.Int("confirmed", report.Confirmed),
			zap.Int("failed", report.Failed),
			zap.Int("retryable", report.Retryable),
			zap.Bool("underfunded", report.Underfunded))
	}
	return report, nil
}

// process advances one approved row by exactly one step.
func (s *SettlementUsecase) process(ctx context.Context, w *domain.Withdrawal, allowSign bool) (outcome, error) {
	switch {
	case w.TxHash != nil:
		return s.reconcileBroadcast(ctx, w)
	case w.HasSignedPayload():
		// Crashed between signing and recording the broadcast. Same bytes, never re-sign.
		tx, err := ethereum.DecodeRawTx(w.RawTx)
		if err != nil {
			return outcomeNone, err
		}
		return s.submit(ctx, w, tx, "resubmit")
	case allowSign:
		return s.signAndBroadcast(ctx, w)
	default:
		return outcomeNone, nil
	}
}

// ============================================================================
// SIGN + BROADCAST
// ============================================================================

func (s *SettlementUsecase) signAndBroadcast(ctx context.Context, w *domain.Withdrawal) (outcome, error) {
	hot := s.cfg.HotWallet

	// 1. Nonce
	nonce, err := s.nonces.Allocate(ctx, hot)
	if err != nil {
		return outcomeNone, err
	}

	// 2. Build and sign
	st, err := s.builder.Build(ctx, w, nonce)
	if err != nil {
		s.nonces.Release(hot, nonce)
		if errors.Is(err, domain.ErrInvalidAddress) || errors.Is(err, domain.ErrInvalidAmount) {
			return s.fail(ctx, w, "invalid_request", fmt.Sprintf("%s: %v", ReasonInvalid, err))
		}
		return outcomeNone, err
	}

	// 3. Persist before the payload touches the network
	if err := s.repo.SaveSignedPayload(ctx, w.ID, st); err != nil {
		s.nonces.Release(hot, nonce)
		if errors.Is(err, domain.ErrStaleState) {
			s.logger.Info("withdrawal changed before payload was stored",
				zap.String("withdrawal_id", w.ID))
			return outcomeNone, nil
		}
		return outcomeNone, err
	}

	tx, err := ethereum.DecodeRawTx(st.RawTx)
	if err != nil {
		return outcomeNone, err
	}

	// 4. Broadcast
	return s.submit(ctx, w, tx, "first")
}

// submit sends stored bytes and records the locally derived hash.
func (s *SettlementUsecase) submit(ctx context.Context, w *domain.Withdrawal, tx *types.Transaction, kind string) (outcome, error) {
	hash := tx.Hash().Hex()
	logger := s.logger.With(
		zap.String("withdrawal_id", w.ID),
		zap.String("tx_hash", hash),
		zap.Uint64("nonce", tx.Nonce()),
		zap.String("kind", kind))

	if err := s.broadcaster.SendTransaction(ctx, tx); err != nil {
		s.metrics.RecordBroadcast(kind, "error")
		switch {
		case errors.Is(err, ethereum.ErrNonceRejected):
			logger.Warn("broadcast rejected on nonce", zap.Error(err))
			return s.handleNonceRejection(ctx, w, tx, err)
		case errors.Is(err, ethereum.ErrInsufficientFunds):
			return outcomeNone, fmt.Errorf("%w: %v", domain.ErrHotWalletUnderfunded, err)
		}
		logger.Warn("broadcast failed, payload kept for retry", zap.Error(err))
		return outcomeNone, err
	}
	s.metrics.RecordBroadcast(kind, "ok")

	firstRecord := w.TxHash == nil
	if err := s.repo.MarkBroadcast(ctx, w.ID, hash); err != nil {
		if errors.Is(err, domain.ErrStaleState) {
			logger.Info("withdrawal changed while broadcasting")
			return outcomeNone, nil
		}
		return outcomeNone, err
	}
	logger.Info("withdrawal broadcast")

	if firstRecord {
		s.publish(ctx, events.EventWithdrawalBroadcast, w.ID)
	}
	if kind == "first" {
		return outcomeBroadcast, nil
	}
	return outcomeRebroadcast, nil
}

// handleNonceRejection runs after a node refused the payload on nonce grounds.
// The local counter is dropped; the row is only failed when the chain proves the
// payload can never be mined.
func (s *SettlementUsecase) handleNonceRejection(ctx context.Context, w *domain.Withdrawal, tx *types.Transaction, cause error) (outcome, error) {
	s.nonces.Reset(s.cfg.HotWallet)
	s.metrics.RecordNonceReset()

	known, err := s.networkKnows(ctx, tx.Hash())
	if err != nil {
		return outcomeNone, err
	}
	if known {
		// This very payload was mined or pooled earlier; record it and let
		// confirmation proceed.
		if err := s.repo.MarkBroadcast(ctx, w.ID, tx.Hash().Hex()); err != nil && !errors.Is(err, domain.ErrStaleState) {
			return outcomeNone, err
		}
		return outcomeWaiting, nil
	}

	consumed, err := s.nonceConsumed(ctx, tx)
	if err != nil {
		return outcomeNone, err
	}
	if consumed {
		return s.fail(ctx, w, "nonce_consumed", ReasonNonceConsumed)
	}
	return outcomeNone, fmt.Errorf("broadcast rejected: %w", cause)
}

// networkKnows reports whether hash has a receipt or is visible in any pool.
func (s *SettlementUsecase) networkKnows(ctx context.Context, hash common.Hash) (bool, error) {
	if _, err := s.reader.TransactionReceipt(ctx, hash); err == nil {
		return true, nil
	} else if !errors.Is(err, ethereum.ErrNotFound) {
		return false, err
	}
	if _, _, err := s.reader.TransactionByHash(ctx, hash); err == nil {
		return true, nil
	} else if !errors.Is(err, ethereum.ErrNotFound) {
		return false, err
	}
	return false, nil
}

// nonceConsumed reports whether tx's nonce was taken by some other transaction.
// The mined nonce is read first and the hash looked up again afterwards, so a
// payload mined between the two reads still shows up. Both lookups only report
// not-found once every endpoint agrees; anything less leaves the row alone.
func (s *SettlementUsecase) nonceConsumed(ctx context.Context, tx *types.Transaction) (bool, error) {
	mined, err := s.reader.LatestNonce(ctx, s.cfg.HotWallet)
	if err != nil {
		return false, err
	}
	if mined <= tx.Nonce() {
		return false, nil
	}
	known, err := s.networkKnows(ctx, tx.Hash())
	if err != nil {
		return false, err
	}
	return !known, nil
}

// ============================================================================
// CONFIRMATION
// ============================================================================

func (s *SettlementUsecase) reconcileBroadcast(ctx context.Context, w *domain.Withdrawal) (outcome, error) {
	hash := common.HexToHash(*w.TxHash)

	receipt, err := s.reader.TransactionReceipt(ctx, hash)
	switch {
	case err == nil:
		return s.applyReceipt(ctx, w, receipt)
	case !errors.Is(err, ethereum.ErrNotFound):
		return outcomeNone, err
	}

	// No receipt yet. Still pooled somewhere means wait.
	if _, _, err := s.reader.TransactionByHash(ctx, hash); err == nil {
		return outcomeWaiting, nil
	} else if !errors.Is(err, ethereum.ErrNotFound) {
		return outcomeNone, err
	}

	if w.BroadcastAge(s.now()) < s.cfg.RebroadcastAfter {
		return outcomeWaiting, nil
	}

	tx, err := ethereum.DecodeRawTx(w.RawTx)
	if err != nil {
		return outcomeNone, err
	}
	if tx.Hash() != hash {
		return outcomeNone, fmt.Errorf("stored payload hash %s does not match recorded hash %s", tx.Hash().Hex(), hash.Hex())
	}

	consumed, err := s.nonceConsumed(ctx, tx)
	if err != nil {
		return outcomeNone, err
	}
	if consumed {
		return s.fail(ctx, w, "nonce_consumed", ReasonNonceConsumed)
	}

	s.logger.Info("transaction unknown to network, rebroadcasting stored payload",
		zap.String("withdrawal_id", w.ID),
		zap.String("tx_hash", hash.Hex()),
		zap.Duration("age", w.BroadcastAge(s.now())))
	return s.submit(ctx, w, tx, "rebroadcast")
}

func (s *SettlementUsecase) applyReceipt(ctx context.Context, w *domain.Withdrawal, receipt *types.Receipt) (outcome, error) {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return s.fail(ctx, w, "reverted", ReasonReverted)
	}

	if s.cfg.MinConfirmations > 1 {
		head, err := s.reader.BlockNumber(ctx)
		if err != nil {
			return outcomeNone, err
		}
		if receipt.BlockNumber == nil || head+1 < receipt.BlockNumber.Uint64()+s.cfg.MinConfirmations {
			return outcomeWaiting, nil
		}
	}

	return s.resolveAndConfirm(ctx, w)
}

// resolveAndConfirm confirms the earliest-created live row carrying the hash and
// fails every other row that shares it.
func (s *SettlementUsecase) resolveAndConfirm(ctx context.Context, w *domain.Withdrawal) (outcome, error) {
	rows, err := s.repo.ListByTxHash(ctx, *w.TxHash)
	if err != nil {
		return outcomeNone, err
	}

	var winner *domain.Withdrawal
	for _, r := range rows {
		if r.Status != domain.WithdrawalStatusFailed {
			winner = r
			break
		}
	}
	if winner == nil {
		return outcomeNone, nil
	}

	result := outcomeNone
	if winner.Status == domain.WithdrawalStatusApproved {
		err := s.repo.ConfirmBroadcast(ctx, winner.ID, *winner.TxHash)
		switch {
		case err == nil:
			s.metrics.RecordConfirmed()
			s.publish(ctx, events.EventWithdrawalConfirmed, winner.ID)
			if winner.ID == w.ID {
				result = outcomeConfirmed
			}
		case errors.Is(err, domain.ErrStaleState):
		default:
			return outcomeNone, err
		}
	}

	for _, r := range rows {
		if r.ID == winner.ID || r.Status.IsTerminal() {
			continue
		}
		err := s.repo.MarkFailed(ctx, r.ID, ReasonDuplicateHash)
		switch {
		case err == nil:
			s.metrics.RecordDuplicateHash()
			s.metrics.RecordFailed("duplicate_hash")
			s.publish(ctx, events.EventWithdrawalFailed, r.ID)
			s.logger.Warn("duplicate hash loser failed",
				zap.String("withdrawal_id", r.ID),
				zap.String("winner_id", winner.ID),
				zap.String("tx_hash", *w.TxHash))
			if r.ID == w.ID {
				result = outcomeFailed
			}
		case errors.Is(err, domain.ErrStaleState):
		default:
			return result, err
		}
	}
	return result, nil
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *SettlementUsecase) fail(ctx context.Context, w *domain.Withdrawal, label, reason string) (outcome, error) {
	if err := s.repo.MarkFailed(ctx, w.ID, reason); err != nil {
		if errors.Is(err, domain.ErrStaleState) {
			return outcomeNone, nil
		}
		return outcomeNone, err
	}
	s.metrics.RecordFailed(label)
	s.publish(ctx, events.EventWithdrawalFailed, w.ID)
	return outcomeFailed, nil
}

// publish is best effort; the ledger is already written.
func (s *SettlementUsecase) publish(ctx context.Context, eventType, id string) {
	w, err := s.repo.GetByID(ctx, id)
	if err != nil {
		s.logger.Warn("failed to load withdrawal for event",
			zap.String("withdrawal_id", id),
			zap.Error(err))
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, events.NewWithdrawalEvent(eventType, w)); err != nil {
		s.logger.Warn("failed to publish withdrawal event",
			zap.String("event_type", eventType),
			zap.String("withdrawal_id", id),
			zap.Error(err))
	}
}
