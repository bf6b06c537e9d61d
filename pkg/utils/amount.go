package utils

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxAmountDecimals is the precision of ledger amounts.
const MaxAmountDecimals = 18

// ParseAmount parses a user supplied decimal string.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// HasAtMostDecimals reports whether d carries no more than places significant
// fractional digits. Trailing zeros don't count.
func HasAtMostDecimals(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Truncate(places))
}

// ToBaseUnits converts a token amount to integer base units (wei for 18 decimals).
// Digits below one base unit are truncated.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FromBaseUnits converts integer base units back to a token amount.
func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// GweiToWei converts a gwei figure to wei.
func GweiToWei(gwei int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(gwei), big.NewInt(1e9))
}

// FormatBalance renders base units with the asset symbol, trimming trailing zeros.
func FormatBalance(balance *big.Int, decimals int32, asset string) string {
	if balance == nil || balance.Sign() == 0 {
		return fmt.Sprintf("0 %s", asset)
	}
	return fmt.Sprintf("%s %s", FromBaseUnits(balance, decimals).String(), asset)
}
