package utils

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	d, err := ParseAmount(" 20.5 ")
	require.NoError(t, err)
	require.True(t, d.Equal(decimal.RequireFromString("20.5")))

	_, err = ParseAmount("")
	require.Error(t, err)

	_, err = ParseAmount("twenty")
	require.Error(t, err)
}

func TestHasAtMostDecimals(t *testing.T) {
	require.True(t, HasAtMostDecimals(decimal.RequireFromString("1.123456789012345678"), 18))
	require.False(t, HasAtMostDecimals(decimal.RequireFromString("1.1234567890123456789"), 18))
	require.True(t, HasAtMostDecimals(decimal.RequireFromString("1.50000000000000000000"), 18))
}

func TestToBaseUnits(t *testing.T) {
	wei := ToBaseUnits(decimal.RequireFromString("1.5"), 18)
	require.Equal(t, "1500000000000000000", wei.String())

	// sub-unit digits are truncated
	units := ToBaseUnits(decimal.RequireFromString("0.1234567"), 6)
	require.Equal(t, "123456", units.String())
}

func TestFromBaseUnits(t *testing.T) {
	v, ok := new(big.Int).SetString("20000000000000000000", 10)
	require.True(t, ok)
	require.True(t, FromBaseUnits(v, 18).Equal(decimal.NewFromInt(20)))
	require.True(t, FromBaseUnits(nil, 18).IsZero())
}

func TestGweiToWei(t *testing.T) {
	require.Equal(t, "100000000000", GweiToWei(100).String())
}

func TestFormatBalance(t *testing.T) {
	require.Equal(t, "0 ETH", FormatBalance(big.NewInt(0), 18, "ETH"))
	require.Equal(t, "1.5 ETH", FormatBalance(big.NewInt(1_500_000_000_000_000_000), 18, "ETH"))
}
