package ethereum

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"withdrawal-service/internal/chains/ethereum/ethtest"
	"withdrawal-service/internal/domain"
)

func newTestBuilder(t *testing.T, node *ethtest.Backend, cfg BuilderConfig) *Builder {
	t.Helper()
	g := newTestGateway(t, time.Second, node)
	return NewBuilder(g, newTestSigner(t), cfg, zap.NewNop())
}

func testWithdrawal(amount string) *domain.Withdrawal {
	return &domain.Withdrawal{
		ID:        "01HZXTESTWITHDRAWAL000000",
		UserID:    "user-1",
		Amount:    decimal.RequireFromString(amount),
		ToAddress: "0x00000000000000000000000000000000000000aa",
		Status:    domain.WithdrawalStatusApproved,
	}
}

func fundedBuilder(t *testing.T, node *ethtest.Backend, cfg BuilderConfig) *Builder {
	b := newTestBuilder(t, node, cfg)
	node.SetBalance(b.Signer().Address(), new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18)))
	return b
}

func TestBuildDerivesHashLocally(t *testing.T) {
	node := ethtest.NewBackend(testChainID)
	b := fundedBuilder(t, node, BuilderConfig{GasLimitCeiling: 100000, GasMarginPercent: 20})

	out, err := b.Build(context.Background(), testWithdrawal("20"), 7)
	require.NoError(t, err)
	require.Equal(t, uint64(7), out.Nonce)
	require.Equal(t, "20000000000000000000", out.Value.String())

	tx, err := DecodeRawTx(out.RawTx)
	require.NoError(t, err)
	require.Equal(t, out.TxHash, tx.Hash().Hex())
	require.Equal(t, uint64(7), tx.Nonce())

	sender, err := b.Signer().Sender(tx)
	require.NoError(t, err)
	require.Equal(t, b.Signer().Address(), sender)
	require.Equal(t, 0, node.SendCount())
}

func TestBuildGasLimitClamp(t *testing.T) {
	tests := []struct {
		name     string
		estimate uint64
		err      error
		want     uint64
	}{
		{name: "estimate failure uses default", err: errors.New("execution reverted"), want: SimpleTransferGas},
		{name: "margin applied", estimate: 30000, want: 36000},
		{name: "below default clamps up", estimate: 10000, want: SimpleTransferGas},
		{name: "above ceiling clamps down", estimate: 90000, want: 100000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			node := ethtest.NewBackend(testChainID)
			node.SetEstimate(tc.estimate, tc.err)
			b := fundedBuilder(t, node, BuilderConfig{GasLimitCeiling: 100000, GasMarginPercent: 20})

			out, err := b.Build(context.Background(), testWithdrawal("1"), 0)
			require.NoError(t, err)
			require.Equal(t, tc.want, out.GasLimit)
		})
	}
}

func TestBuildCapsGasPrice(t *testing.T) {
	node := ethtest.NewBackend(testChainID)
	node.SetGasPrice(big.NewInt(500_000_000_000))
	maxPrice := big.NewInt(100_000_000_000)
	b := fundedBuilder(t, node, BuilderConfig{MaxGasPrice: maxPrice})

	out, err := b.Build(context.Background(), testWithdrawal("1"), 0)
	require.NoError(t, err)
	require.Equal(t, 0, out.GasPrice.Cmp(maxPrice))
}

func TestBuildUnderfundedHotWallet(t *testing.T) {
	node := ethtest.NewBackend(testChainID)
	b := newTestBuilder(t, node, BuilderConfig{})
	// covers the value but not the fee
	node.SetBalance(b.Signer().Address(), new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18)))

	_, err := b.Build(context.Background(), testWithdrawal("5"), 0)
	require.ErrorIs(t, err, domain.ErrHotWalletUnderfunded)
}

func TestBuildAppliesPayoutRate(t *testing.T) {
	node := ethtest.NewBackend(testChainID)
	b := fundedBuilder(t, node, BuilderConfig{
		PayoutRate:     decimal.RequireFromString("0.001"),
		PayoutDecimals: 18,
	})

	out, err := b.Build(context.Background(), testWithdrawal("20"), 0)
	require.NoError(t, err)
	require.Equal(t, "20000000000000000", out.Value.String())
}

func TestBuildRejectsBadAddress(t *testing.T) {
	node := ethtest.NewBackend(testChainID)
	b := fundedBuilder(t, node, BuilderConfig{})
	w := testWithdrawal("1")
	w.ToAddress = "not-an-address"

	_, err := b.Build(context.Background(), w, 0)
	require.ErrorIs(t, err, domain.ErrInvalidAddress)
}

func TestBuildGatewayOutageIsRetryable(t *testing.T) {
	node := ethtest.NewBackend(testChainID)
	b := fundedBuilder(t, node, BuilderConfig{})
	node.Fail(errors.New("connection refused"))

	_, err := b.Build(context.Background(), testWithdrawal("1"), 0)
	require.True(t, IsRetryable(err))
}
