// internal/usecase/withdrawal_usecase.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"withdrawal-service/internal/domain"
	"withdrawal-service/internal/events"
	"withdrawal-service/internal/metrics"
	"withdrawal-service/internal/repository"
	"withdrawal-service/pkg/id"
	"withdrawal-service/pkg/utils"
)

const submitThrottleNamespace = "withdrawal_submit"

// ContractChecker is the account-code lookup used to refuse contract destinations.
type ContractChecker interface {
	IsContract(ctx context.Context, account common.Address) (bool, error)
}

// SubmitCounter is a fixed-window counter, satisfied by the redis cache.
type SubmitCounter interface {
	IncrWithExpire(ctx context.Context, namespace, key string, window time.Duration) (int64, error)
}

// Settler schedules inline settlement after approval.
type Settler interface {
	SettleAsync(id string)
}

type WithdrawalConfig struct {
	Mode               string
	MinAmount          decimal.Decimal
	MaxAmount          decimal.Decimal
	AllowContracts     bool
	HotWallet          common.Address
	SubmitLimitPerHour int64
}

// WithdrawalUsecase is request intake plus the admin gate.
type WithdrawalUsecase struct {
	repo      repository.WithdrawalRepository
	balances  domain.BalanceStore
	contracts ContractChecker
	counter   SubmitCounter
	settler   Settler
	publisher events.Publisher
	metrics   *metrics.Settlement
	cfg       WithdrawalConfig
	logger    *zap.Logger
}

// NewWithdrawalUsecase wires intake. contracts, counter and settler may be nil to
// disable the contract check, throttling and inline settlement respectively.
func NewWithdrawalUsecase(
	repo repository.WithdrawalRepository,
	balances domain.BalanceStore,
	contracts ContractChecker,
	counter SubmitCounter,
	settler Settler,
	publisher events.Publisher,
	m *metrics.Settlement,
	cfg WithdrawalConfig,
	logger *zap.Logger,
) *WithdrawalUsecase {
	if cfg.Mode == "" {
		cfg.Mode = ModeAutomatic
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &WithdrawalUsecase{
		repo:      repo,
		balances:  balances,
		contracts: contracts,
		counter:   counter,
		settler:   settler,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		logger:    logger,
	}
}

// ============================================================================
// USER OPERATIONS
// ============================================================================

// Submit validates and records a withdrawal request in pending_approval. It never
// touches the chain beyond the destination code check.
func (uc *WithdrawalUsecase) Submit(ctx context.Context, userID string, amount decimal.Decimal, toAddress string) (*domain.Withdrawal, error) {
	w, err := uc.submit(ctx, userID, amount, toAddress)
	if err != nil {
		uc.metrics.RecordSubmission("rejected")
		uc.logger.Info("withdrawal submission rejected",
			zap.String("user_id", userID),
			zap.String("amount", amount.String()),
			zap.Error(err))
		return nil, err
	}
	uc.metrics.RecordSubmission("accepted")
	uc.publish(ctx, events.EventWithdrawalCreated, w)
	return w, nil
}

func (uc *WithdrawalUsecase) submit(ctx context.Context, userID string, amount decimal.Decimal, toAddress string) (*domain.Withdrawal, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrUserIDRequired
	}

	// 1. Validate amount and destination
	if err := uc.validateAmount(amount); err != nil {
		return nil, err
	}
	to, err := uc.validateAddress(toAddress)
	if err != nil {
		return nil, err
	}
	if !uc.cfg.AllowContracts && uc.contracts != nil {
		isContract, err := uc.contracts.IsContract(ctx, to)
		if err != nil {
			return nil, fmt.Errorf("failed to check destination: %w", err)
		}
		if isContract {
			return nil, domain.ErrContractDestination
		}
	}

	// 2. Throttle
	if err := uc.throttle(ctx, userID); err != nil {
		return nil, err
	}

	// 3. One open request per user, advisory funds check
	open, err := uc.balances.HasNonTerminalWithdrawal(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check open withdrawals: %w", err)
	}
	if open {
		return nil, domain.ErrWithdrawalOutstanding
	}
	ok, err := uc.balances.ReserveCheck(ctx, userID, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to check balance: %w", err)
	}
	if !ok {
		return nil, domain.ErrInsufficientBalance
	}

	// 4. Record
	w := &domain.Withdrawal{
		ID:        id.NewULID(),
		UserID:    userID,
		Amount:    amount,
		ToAddress: to.Hex(),
		Status:    domain.WithdrawalStatusPendingApproval,
	}
	if err := uc.repo.Create(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (uc *WithdrawalUsecase) validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: must be positive", domain.ErrInvalidAmount)
	}
	if !utils.HasAtMostDecimals(amount, utils.MaxAmountDecimals) {
		return fmt.Errorf("%w: at most %d decimal places", domain.ErrInvalidAmount, utils.MaxAmountDecimals)
	}
	if !uc.cfg.MinAmount.IsZero() && amount.LessThan(uc.cfg.MinAmount) {
		return fmt.Errorf("%w: minimum is %s", domain.ErrAmountBelowMinimum, uc.cfg.MinAmount)
	}
	if !uc.cfg.MaxAmount.IsZero() && amount.GreaterThan(uc.cfg.MaxAmount) {
		return fmt.Errorf("%w: maximum is %s", domain.ErrAmountAboveMaximum, uc.cfg.MaxAmount)
	}
	return nil
}

func (uc *WithdrawalUsecase) validateAddress(address string) (common.Address, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return common.Address{}, fmt.Errorf("%w: not a hex address", domain.ErrInvalidAddress)
	}
	addr := common.HexToAddress(address)

	// Mixed case means the caller supplied a checksum; it has to match.
	body := strings.TrimPrefix(strings.TrimPrefix(address, "0x"), "0X")
	if body != strings.ToLower(body) && body != strings.ToUpper(body) && addr.Hex() != "0x"+body {
		return common.Address{}, fmt.Errorf("%w: checksum mismatch", domain.ErrInvalidAddress)
	}
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: zero address", domain.ErrInvalidAddress)
	}
	if addr == uc.cfg.HotWallet {
		return common.Address{}, fmt.Errorf("%w: hot wallet address", domain.ErrInvalidAddress)
	}
	return addr, nil
}

// throttle fails open: a cache outage never blocks withdrawals.
func (uc *WithdrawalUsecase) throttle(ctx context.Context, userID string) error {
	if uc.counter == nil || uc.cfg.SubmitLimitPerHour <= 0 {
		return nil
	}
	n, err := uc.counter.IncrWithExpire(ctx, submitThrottleNamespace, userID, time.Hour)
	if err != nil {
		uc.logger.Warn("submit throttle unavailable",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil
	}
	if n > uc.cfg.SubmitLimitPerHour {
		return domain.ErrRateLimited
	}
	return nil
}

// Status returns the current row for a request id.
func (uc *WithdrawalUsecase) Status(ctx context.Context, id string) (*domain.Withdrawal, error) {
	return uc.repo.GetByID(ctx, id)
}

// History returns a user's requests, newest first.
func (uc *WithdrawalUsecase) History(ctx context.Context, userID string, limit, offset int) ([]*domain.Withdrawal, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.ErrUserIDRequired
	}
	return uc.repo.ListByUser(ctx, userID, limit, offset)
}

// ============================================================================
// ADMIN GATE
// ============================================================================

// Approve moves a request to approved and, in automatic mode, starts settlement.
func (uc *WithdrawalUsecase) Approve(ctx context.Context, id, by string) (*domain.Withdrawal, error) {
	err := uc.repo.TransitionStatus(ctx, id,
		domain.WithdrawalStatusPendingApproval, domain.WithdrawalStatusApproved, by, "")
	if err != nil {
		return nil, uc.explainStale(ctx, id, err)
	}

	w, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	uc.logger.Info("withdrawal approved",
		zap.String("withdrawal_id", id),
		zap.String("user_id", w.UserID),
		zap.String("approved_by", by))
	uc.publish(ctx, events.EventWithdrawalApproved, w)

	if uc.cfg.Mode == ModeAutomatic && uc.settler != nil {
		uc.settler.SettleAsync(id)
	}
	return w, nil
}

// Reject fails a request that is still awaiting approval.
func (uc *WithdrawalUsecase) Reject(ctx context.Context, id, by, reason string) (*domain.Withdrawal, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "rejected by admin"
	}
	err := uc.repo.TransitionStatus(ctx, id,
		domain.WithdrawalStatusPendingApproval, domain.WithdrawalStatusFailed, by, reason)
	if err != nil {
		return nil, uc.explainStale(ctx, id, err)
	}

	w, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	uc.metrics.RecordFailed("rejected")
	uc.logger.Info("withdrawal rejected",
		zap.String("withdrawal_id", id),
		zap.String("rejected_by", by),
		zap.String("reason", reason))
	uc.publish(ctx, events.EventWithdrawalFailed, w)
	return w, nil
}

// ManualComplete confirms a request paid out of band and debits the user. A
// request that already has a signed payload belongs to the pipeline and is refused.
func (uc *WithdrawalUsecase) ManualComplete(ctx context.Context, id, externalRef, by string) (*domain.Withdrawal, error) {
	externalRef = strings.TrimSpace(externalRef)
	if externalRef == "" {
		return nil, domain.ErrExternalRefRequired
	}

	w, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status.IsTerminal() {
		return nil, domain.ErrStaleState
	}
	if w.HasSignedPayload() {
		return nil, domain.ErrSettlementInProgress
	}

	if err := uc.repo.ConfirmManual(ctx, id, externalRef, by); err != nil {
		return nil, err
	}

	w, err = uc.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	uc.metrics.RecordConfirmed()
	uc.logger.Warn("withdrawal completed manually",
		zap.String("withdrawal_id", id),
		zap.String("external_ref", externalRef),
		zap.String("completed_by", by))
	uc.publish(ctx, events.EventWithdrawalConfirmed, w)
	return w, nil
}

func (uc *WithdrawalUsecase) ListPending(ctx context.Context, limit, offset int) ([]*domain.Withdrawal, error) {
	return uc.repo.ListByStatus(ctx, domain.WithdrawalStatusPendingApproval, limit, offset)
}

func (uc *WithdrawalUsecase) Stats(ctx context.Context) (*domain.WithdrawalStats, error) {
	return uc.repo.Stats(ctx)
}

// explainStale turns a failed guard into not-found when the row doesn't exist.
func (uc *WithdrawalUsecase) explainStale(ctx context.Context, id string, err error) error {
	if !errors.Is(err, domain.ErrStaleState) {
		return err
	}
	if _, getErr := uc.repo.GetByID(ctx, id); errors.Is(getErr, domain.ErrWithdrawalNotFound) {
		return domain.ErrWithdrawalNotFound
	}
	return err
}

func (uc *WithdrawalUsecase) publish(ctx context.Context, eventType string, w *domain.Withdrawal) {
	if err := uc.publisher.Publish(ctx, events.NewWithdrawalEvent(eventType, w)); err != nil {
		uc.logger.Warn("failed to publish withdrawal event",
			zap.String("event_type", eventType),
			zap.String("withdrawal_id", w.ID),
			zap.Error(err))
	}
}
