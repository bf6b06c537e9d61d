// internal/chains/ethereum/nonce.go
package ethereum

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// NonceKey identifies one signing account on one chain.
type NonceKey struct {
	ChainID uint64
	Address common.Address
}

// NonceStore holds the next nonce to hand out per key. Implementations need not be
// safe for concurrent use; the allocator serialises access.
type NonceStore interface {
	Get(key NonceKey) (uint64, bool)
	Set(key NonceKey, next uint64)
	Delete(key NonceKey)
}

// MemoryNonceStore is the process-local store. Nothing is persisted: counters are
// rebuilt from the chain's pending count after a restart.
type MemoryNonceStore struct {
	next map[NonceKey]uint64
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{next: make(map[NonceKey]uint64)}
}

func (s *MemoryNonceStore) Get(key NonceKey) (uint64, bool) {
	n, ok := s.next[key]
	return n, ok
}

func (s *MemoryNonceStore) Set(key NonceKey, next uint64) {
	s.next[key] = next
}

func (s *MemoryNonceStore) Delete(key NonceKey) {
	delete(s.next, key)
}

// PendingNonceSource reports an account's nonce including pooled transactions.
type PendingNonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceAllocator hands out strictly increasing nonces per signing account within
// one process, never below what the chain reports as pending.
type NonceAllocator struct {
	chainID uint64
	source  PendingNonceSource
	logger  *zap.Logger

	mu    sync.Mutex
	store NonceStore
}

func NewNonceAllocator(chainID uint64, source PendingNonceSource, store NonceStore, logger *zap.Logger) *NonceAllocator {
	if store == nil {
		store = NewMemoryNonceStore()
	}
	return &NonceAllocator{
		chainID: chainID,
		source:  source,
		store:   store,
		logger:  logger,
	}
}

func (a *NonceAllocator) key(addr common.Address) NonceKey {
	return NonceKey{ChainID: a.chainID, Address: addr}
}

// Allocate returns max(chain pending count, local next) and advances the local
// counter past it. The chain read happens before the lock is taken; the
// compare-and-advance under the lock never yields.
func (a *NonceAllocator) Allocate(ctx context.Context, addr common.Address) (uint64, error) {
	pending, err := a.source.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending nonce: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := a.key(addr)
	next := pending
	if local, ok := a.store.Get(key); ok && local > next {
		next = local
	}
	a.store.Set(key, next+1)

	a.logger.Debug("nonce allocated",
		zap.String("address", addr.Hex()),
		zap.Uint64("nonce", next),
		zap.Uint64("chain_pending", pending))
	return next, nil
}

// Reset drops the local counter so the next allocation trusts the chain again.
func (a *NonceAllocator) Reset(addr common.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.store.Delete(a.key(addr))
	a.logger.Info("nonce counter reset", zap.String("address", addr.Hex()))
}

// Release hands back nonce if it is still the most recent allocation for addr.
// Used when signing or persisting fails before the nonce ever left the process.
func (a *NonceAllocator) Release(addr common.Address, nonce uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := a.key(addr)
	local, ok := a.store.Get(key)
	if !ok || local != nonce+1 {
		return false
	}
	a.store.Set(key, nonce)
	return true
}

// Peek returns the next nonce the allocator would hand out without the chain read.
func (a *NonceAllocator) Peek(addr common.Address) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.Get(a.key(addr))
}
