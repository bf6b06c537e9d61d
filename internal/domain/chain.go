// internal/domain/chain.go
package domain

import (
	"math/big"
)

// SignedTransfer is the output of building and signing a payout. It is persisted
// before first network use and every retry consumes it as-is.
type SignedTransfer struct {
	TxHash   string
	RawTx    []byte
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
	Value    *big.Int
	From     string
	To       string
}

// Fee returns the maximum fee the transfer can burn.
func (t *SignedTransfer) Fee() *big.Int {
	if t.GasPrice == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(t.GasPrice, new(big.Int).SetUint64(t.GasLimit))
}

// HotWalletStatus summarises the signing account for operators.
type HotWalletStatus struct {
	Address      string
	ChainID      uint64
	Balance      *big.Int
	PendingNonce uint64
}
