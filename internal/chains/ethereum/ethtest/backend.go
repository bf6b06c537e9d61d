// Package ethtest provides an in-memory chain that satisfies the gateway Backend
// interface. It keeps a pending pool, mines on demand and can be told to fail.
package ethtest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Backend is a single simulated node.
type Backend struct {
	mu sync.Mutex

	chainID *big.Int
	signer  types.Signer
	block   uint64

	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	code     map[common.Address][]byte

	pending  map[common.Hash]*types.Transaction
	mined    map[common.Hash]*types.Transaction
	receipts map[common.Hash]*types.Receipt
	reverts  map[common.Hash]bool

	gasPrice    *big.Int
	estimate    uint64
	estimateErr error

	failErr   error
	failOn    map[string]error
	hang      bool
	sendErrs  []error
	sendCount int
	calls     map[string]int
}

func NewBackend(chainID int64) *Backend {
	id := big.NewInt(chainID)
	return &Backend{
		chainID:  id,
		signer:   types.LatestSignerForChainID(id),
		block:    1,
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		code:     make(map[common.Address][]byte),
		pending:  make(map[common.Hash]*types.Transaction),
		mined:    make(map[common.Hash]*types.Transaction),
		receipts: make(map[common.Hash]*types.Receipt),
		reverts:  make(map[common.Hash]bool),
		gasPrice: big.NewInt(1_000_000_000),
		calls:    make(map[string]int),
		failOn:   make(map[string]error),
	}
}

// ============================================================================
// Test controls
// ============================================================================

func (b *Backend) SetBalance(addr common.Address, wei *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[addr] = new(big.Int).Set(wei)
}

func (b *Backend) SetCode(addr common.Address, code []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.code[addr] = code
}

func (b *Backend) SetGasPrice(wei *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gasPrice = new(big.Int).Set(wei)
}

// SetEstimate makes EstimateGas return gas, or err when err is non-nil. A zero gas
// with nil err restores the intrinsic-cost default.
func (b *Backend) SetEstimate(gas uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.estimate = gas
	b.estimateErr = err
}

// Fail makes every call return err until Fail(nil).
func (b *Backend) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failErr = err
}

// FailMethod makes calls to one Backend method return err until FailMethod(method, nil).
func (b *Backend) FailMethod(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failOn, method)
		return
	}
	b.failOn[method] = err
}

// Hang makes every call block until its context is done.
func (b *Backend) Hang(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hang = v
}

// FailNextSend queues errors returned by the next SendTransaction calls, in order.
// The transaction is not admitted to the pool.
func (b *Backend) FailNextSend(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErrs = append(b.sendErrs, errs...)
}

// AcceptAndFail admits tx to the pool as if the node received it, but the caller
// saw no answer. Models a broadcast whose response was lost.
func (b *Backend) AcceptAndFail(tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.admitLocked(tx)
}

// Revert marks hash to fail on execution when mined.
func (b *Backend) Revert(hash common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reverts[hash] = true
}

// Drop evicts hash from the pending pool.
func (b *Backend) Drop(hash common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, hash)
}

// ConsumeNonce mines an external transaction from addr, advancing its nonce.
func (b *Backend) ConsumeNonce(addr common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonces[addr]++
	b.block++
}

// AdvanceBlocks moves the head without mining anything.
func (b *Backend) AdvanceBlocks(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.block += n
}

// Mine includes every executable pending transaction, one block each, and returns
// how many were mined.
func (b *Backend) Mine() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	mined := 0
	for {
		progressed := false
		for _, tx := range b.sortedPendingLocked() {
			from, err := types.Sender(b.signer, tx)
			if err != nil {
				delete(b.pending, tx.Hash())
				continue
			}
			if tx.Nonce() != b.nonces[from] {
				if tx.Nonce() < b.nonces[from] {
					delete(b.pending, tx.Hash())
				}
				continue
			}
			b.executeLocked(from, tx)
			mined++
			progressed = true
		}
		if !progressed {
			return mined
		}
	}
}

func (b *Backend) executeLocked(from common.Address, tx *types.Transaction) {
	hash := tx.Hash()
	b.block++
	fee := new(big.Int).Mul(tx.GasPrice(), new(big.Int).SetUint64(tx.Gas()))
	b.debitLocked(from, fee)

	status := types.ReceiptStatusSuccessful
	if b.reverts[hash] {
		status = types.ReceiptStatusFailed
	} else {
		b.debitLocked(from, tx.Value())
		if to := tx.To(); to != nil {
			b.creditLocked(*to, tx.Value())
		}
	}

	b.nonces[from]++
	delete(b.pending, hash)
	b.mined[hash] = tx
	b.receipts[hash] = &types.Receipt{
		Type:        tx.Type(),
		Status:      status,
		TxHash:      hash,
		GasUsed:     tx.Gas(),
		BlockNumber: new(big.Int).SetUint64(b.block),
	}
}

func (b *Backend) sortedPendingLocked() []*types.Transaction {
	out := make([]*types.Transaction, 0, len(b.pending))
	for _, tx := range b.pending {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce() < out[j].Nonce() })
	return out
}

func (b *Backend) balanceLocked(addr common.Address) *big.Int {
	if v, ok := b.balances[addr]; ok {
		return v
	}
	return new(big.Int)
}

func (b *Backend) debitLocked(addr common.Address, v *big.Int) {
	b.balances[addr] = new(big.Int).Sub(b.balanceLocked(addr), v)
}

func (b *Backend) creditLocked(addr common.Address, v *big.Int) {
	b.balances[addr] = new(big.Int).Add(b.balanceLocked(addr), v)
}

// SendCount is how many transactions the pool has admitted.
func (b *Backend) SendCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sendCount
}

// Calls is how many times method was invoked, failed attempts included.
func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// Balance returns the current balance of addr.
func (b *Backend) Balance(addr common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.balanceLocked(addr))
}

// MinedCount is how many transactions have been included.
func (b *Backend) MinedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mined)
}

// ============================================================================
// Backend interface
// ============================================================================

// enter records the call and applies failure injection.
func (b *Backend) enter(ctx context.Context, method string) error {
	b.mu.Lock()
	b.calls[method]++
	hang, failErr := b.hang, b.failErr
	if err, ok := b.failOn[method]; ok && failErr == nil {
		failErr = err
	}
	b.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return failErr
}

func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	if err := b.enter(ctx, "ChainID"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) BlockNumber(ctx context.Context) (uint64, error) {
	if err := b.enter(ctx, "BlockNumber"); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.block, nil
}

func (b *Backend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := b.enter(ctx, "PendingNonceAt"); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.nonces[account]
	for _, tx := range b.sortedPendingLocked() {
		from, err := types.Sender(b.signer, tx)
		if err != nil || from != account {
			continue
		}
		if tx.Nonce() == next {
			next++
		}
	}
	return next, nil
}

func (b *Backend) NonceAt(ctx context.Context, account common.Address, _ *big.Int) (uint64, error) {
	if err := b.enter(ctx, "NonceAt"); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := b.enter(ctx, "SuggestGasPrice"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.gasPrice), nil
}

func (b *Backend) EstimateGas(ctx context.Context, _ geth.CallMsg) (uint64, error) {
	if err := b.enter(ctx, "EstimateGas"); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.estimateErr != nil {
		return 0, b.estimateErr
	}
	if b.estimate == 0 {
		return 21000, nil
	}
	return b.estimate, nil
}

func (b *Backend) BalanceAt(ctx context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if err := b.enter(ctx, "BalanceAt"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.balanceLocked(account)), nil
}

func (b *Backend) CodeAt(ctx context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	if err := b.enter(ctx, "CodeAt"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.code[account]...), nil
}

func (b *Backend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := b.enter(ctx, "SendTransaction"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sendErrs) > 0 {
		err := b.sendErrs[0]
		b.sendErrs = b.sendErrs[1:]
		return err
	}
	return b.admitLocked(tx)
}

func (b *Backend) admitLocked(tx *types.Transaction) error {
	hash := tx.Hash()
	if _, ok := b.pending[hash]; ok {
		return errors.New("already known")
	}
	if _, ok := b.mined[hash]; ok {
		return errors.New("already known")
	}
	from, err := types.Sender(b.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.Nonce() < b.nonces[from] {
		return fmt.Errorf("nonce too low: address %s, tx: %d state: %d", from.Hex(), tx.Nonce(), b.nonces[from])
	}
	for _, p := range b.pending {
		if p.Nonce() != tx.Nonce() {
			continue
		}
		if pf, err := types.Sender(b.signer, p); err == nil && pf == from {
			return errors.New("replacement transaction underpriced")
		}
	}
	if b.balanceLocked(from).Cmp(tx.Cost()) < 0 {
		return fmt.Errorf("insufficient funds for gas * price + value: address %s", from.Hex())
	}
	b.pending[hash] = tx
	b.sendCount++
	return nil
}

func (b *Backend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if err := b.enter(ctx, "TransactionByHash"); err != nil {
		return nil, false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if tx, ok := b.pending[hash]; ok {
		return tx, true, nil
	}
	if tx, ok := b.mined[hash]; ok {
		return tx, false, nil
	}
	return nil, false, geth.NotFound
}

func (b *Backend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := b.enter(ctx, "TransactionReceipt"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.receipts[hash]; ok {
		return r, nil
	}
	return nil, geth.NotFound
}

func (b *Backend) Close() {}
