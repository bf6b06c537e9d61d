// internal/chains/ethereum/signer.go
package ethereum

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the hot wallet key and signs transactions for one chain.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

// NewSigner parses a hex private key, with or without the 0x prefix.
func NewSigner(privateKeyHex string, chainID *big.Int) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewSignerFromKey(privateKey, chainID), nil
}

func NewSignerFromKey(key *ecdsa.PrivateKey, chainID *big.Int) *Signer {
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.NewEIP155Signer(chainID),
	}
}

func (s *Signer) Address() common.Address { return s.address }

// Sign signs tx with EIP-155 replay protection.
func (s *Signer) Sign(tx *types.Transaction) (*types.Transaction, error) {
	signedTx, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signedTx, nil
}

// Sender recovers the signing address of tx.
func (s *Signer) Sender(tx *types.Transaction) (common.Address, error) {
	sender, err := types.Sender(s.signer, tx)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover sender: %w", err)
	}
	return sender, nil
}

// DecodeRawTx parses stored signed bytes back into a transaction.
func DecodeRawTx(raw []byte) (*types.Transaction, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("failed to decode signed payload: %w", err)
	}
	return tx, nil
}
