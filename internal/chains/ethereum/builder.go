// internal/chains/ethereum/builder.go
package ethereum

import (
	"context"
	"fmt"
	"math/big"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"withdrawal-service/internal/domain"
	"withdrawal-service/pkg/utils"
)

// SimpleTransferGas is the intrinsic gas of a plain value transfer.
const SimpleTransferGas uint64 = 21000

// ChainReader is what the builder needs from the read gateway.
type ChainReader interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg geth.CallMsg) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
}

type BuilderConfig struct {
	MaxGasPrice      *big.Int
	DefaultGasLimit  uint64
	GasLimitCeiling  uint64
	GasMarginPercent uint64
	// PayoutRate converts one ledger token into native coin units.
	PayoutRate     decimal.Decimal
	PayoutDecimals int32
}

// Builder turns an approved withdrawal plus a nonce into a signed native transfer.
type Builder struct {
	reader ChainReader
	signer *Signer
	cfg    BuilderConfig
	logger *zap.Logger
}

func NewBuilder(reader ChainReader, signer *Signer, cfg BuilderConfig, logger *zap.Logger) *Builder {
	if cfg.DefaultGasLimit == 0 {
		cfg.DefaultGasLimit = SimpleTransferGas
	}
	if cfg.GasLimitCeiling < cfg.DefaultGasLimit {
		cfg.GasLimitCeiling = cfg.DefaultGasLimit
	}
	if cfg.PayoutRate.IsZero() {
		cfg.PayoutRate = decimal.NewFromInt(1)
	}
	if cfg.PayoutDecimals == 0 {
		cfg.PayoutDecimals = 18
	}
	return &Builder{reader: reader, signer: signer, cfg: cfg, logger: logger}
}

func (b *Builder) Signer() *Signer { return b.signer }

// PayoutValue returns the on-chain value, in base units, for a ledger amount.
func (b *Builder) PayoutValue(amount decimal.Decimal) *big.Int {
	return utils.ToBaseUnits(amount.Mul(b.cfg.PayoutRate), b.cfg.PayoutDecimals)
}

// Build prices, funds-checks and signs the transfer for w. It does no broadcast.
func (b *Builder) Build(ctx context.Context, w *domain.Withdrawal, nonce uint64) (*domain.SignedTransfer, error) {
	if !common.IsHexAddress(w.ToAddress) {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidAddress, w.ToAddress)
	}
	to := common.HexToAddress(w.ToAddress)
	from := b.signer.Address()

	value := b.PayoutValue(w.Amount)
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: payout value rounds to zero", domain.ErrInvalidAmount)
	}

	gasPrice, err := b.gasPrice(ctx)
	if err != nil {
		return nil, err
	}
	gasLimit := b.gasLimit(ctx, from, to, value, gasPrice)

	balance, err := b.reader.BalanceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get hot wallet balance: %w", err)
	}
	fee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	need := new(big.Int).Add(value, fee)
	if balance.Cmp(need) < 0 {
		b.logger.Warn("hot wallet cannot cover withdrawal",
			zap.String("withdrawal_id", w.ID),
			zap.String("balance", balance.String()),
			zap.String("required", need.String()))
		return nil, fmt.Errorf("%w: need %s wei, have %s wei", domain.ErrHotWalletUnderfunded, need, balance)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
	})
	signedTx, err := b.signer.Sign(tx)
	if err != nil {
		return nil, err
	}
	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}

	b.logger.Info("withdrawal transaction signed",
		zap.String("withdrawal_id", w.ID),
		zap.String("tx_hash", signedTx.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.String("gas_price", gasPrice.String()),
		zap.Uint64("gas_limit", gasLimit))

	return &domain.SignedTransfer{
		TxHash:   signedTx.Hash().Hex(),
		RawTx:    raw,
		Nonce:    nonce,
		GasPrice: gasPrice,
		GasLimit: gasLimit,
		Value:    value,
		From:     from.Hex(),
		To:       to.Hex(),
	}, nil
}

// gasPrice returns the node's suggestion capped at the configured maximum.
func (b *Builder) gasPrice(ctx context.Context) (*big.Int, error) {
	gasPrice, err := b.reader.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	if b.cfg.MaxGasPrice != nil && gasPrice.Cmp(b.cfg.MaxGasPrice) > 0 {
		b.logger.Warn("gas price capped",
			zap.String("suggested", gasPrice.String()),
			zap.String("max", b.cfg.MaxGasPrice.String()))
		gasPrice = new(big.Int).Set(b.cfg.MaxGasPrice)
	}
	return gasPrice, nil
}

// gasLimit estimates with a safety margin, falling back to the default when the
// estimate fails, and clamps to [default, ceiling].
func (b *Builder) gasLimit(ctx context.Context, from, to common.Address, value, gasPrice *big.Int) uint64 {
	est, err := b.reader.EstimateGas(ctx, geth.CallMsg{
		From:     from,
		To:       &to,
		Value:    value,
		GasPrice: gasPrice,
	})
	if err != nil {
		b.logger.Debug("gas estimate failed, using default",
			zap.Uint64("default", b.cfg.DefaultGasLimit),
			zap.Error(err))
		return b.cfg.DefaultGasLimit
	}
	limit := est * (100 + b.cfg.GasMarginPercent) / 100
	if limit < b.cfg.DefaultGasLimit {
		limit = b.cfg.DefaultGasLimit
	}
	if limit > b.cfg.GasLimitCeiling {
		limit = b.cfg.GasLimitCeiling
	}
	return limit
}
