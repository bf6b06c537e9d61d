package usecase

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"withdrawal-service/internal/chains/ethereum"
	"withdrawal-service/internal/chains/ethereum/ethtest"
	"withdrawal-service/internal/domain"
	"withdrawal-service/internal/events"
	"withdrawal-service/internal/repository"
)

const testChainID = 1337

var (
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	oneEther  = big.NewInt(1e18)
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), oneEther)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.WithdrawalEvent
	// stalled publishes block until their context ends, like a broker that never acks.
	stalled bool
}

func (p *recordingPublisher) Stall(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stalled = v
}

func (p *recordingPublisher) Publish(ctx context.Context, ev *events.WithdrawalEvent) error {
	p.mu.Lock()
	stalled := p.stalled
	p.mu.Unlock()
	if stalled {
		<-ctx.Done()
		return ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Types(withdrawalID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		if ev.WithdrawalID == withdrawalID {
			out = append(out, ev.EventType)
		}
	}
	return out
}

// harness wires the full pipeline over one simulated node and the memory ledger.
type harness struct {
	t          *testing.T
	node       *ethtest.Backend
	store      *repository.MemoryStore
	clock      *fakeClock
	publisher  *recordingPublisher
	builder    *ethereum.Builder
	nonces     *ethereum.NonceAllocator
	hot        common.Address
	settlement *SettlementUsecase
	intake     *WithdrawalUsecase
}

type harnessOption func(*SettlementConfig, *WithdrawalConfig)

func withMode(mode string) harnessOption {
	return func(s *SettlementConfig, w *WithdrawalConfig) {
		s.Mode = mode
		w.Mode = mode
	}
}

func withMinConfirmations(n uint64) harnessOption {
	return func(s *SettlementConfig, _ *WithdrawalConfig) { s.MinConfirmations = n }
}

func withPublishTimeout(d time.Duration) harnessOption {
	return func(s *SettlementConfig, _ *WithdrawalConfig) { s.PublishTimeout = d }
}

func withSubmitLimit(n int64) harnessOption {
	return func(_ *SettlementConfig, w *WithdrawalConfig) { w.SubmitLimitPerHour = n }
}

func newHarness(t *testing.T, counter SubmitCounter, opts ...harnessOption) *harness {
	t.Helper()
	return buildHarness(t, counter, nil, opts...)
}

// newHarnessBehind puts lagging ahead of the main node in the read list. It holds
// the hot wallet's funds but never sees broadcasts or mined blocks.
func newHarnessBehind(t *testing.T, lagging *ethtest.Backend, opts ...harnessOption) *harness {
	t.Helper()
	return buildHarness(t, nil, lagging, opts...)
}

func buildHarness(t *testing.T, counter SubmitCounter, lagging *ethtest.Backend, opts ...harnessOption) *harness {
	t.Helper()
	logger := zap.NewNop()
	node := ethtest.NewBackend(testChainID)
	clock := newFakeClock()

	store := repository.NewMemoryStore(logger)
	store.SetClock(clock.Now)

	readEndpoints := []ethereum.Endpoint{ethereum.NewEndpoint("http://read", node, 0, 0)}
	if lagging != nil {
		readEndpoints = append([]ethereum.Endpoint{ethereum.NewEndpoint("http://lagging", lagging, 0, 0)}, readEndpoints...)
	}
	read, err := ethereum.NewGateway(ethereum.RoleRead, readEndpoints, 500*time.Millisecond, logger, nil)
	require.NoError(t, err)
	broadcast, err := ethereum.NewGateway(ethereum.RoleBroadcast,
		[]ethereum.Endpoint{ethereum.NewEndpoint("http://broadcast", node, 0, 0)}, 500*time.Millisecond, logger, nil)
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := ethereum.NewSignerFromKey(key, big.NewInt(testChainID))
	hot := signer.Address()
	node.SetBalance(hot, ether(1000))
	if lagging != nil {
		lagging.SetBalance(hot, ether(1000))
	}

	builder := ethereum.NewBuilder(read, signer, ethereum.BuilderConfig{
		GasLimitCeiling:  100000,
		GasMarginPercent: 20,
	}, logger)
	nonces := ethereum.NewNonceAllocator(testChainID, read, nil, logger)
	publisher := &recordingPublisher{}

	scfg := SettlementConfig{
		Mode:             ModeAutomatic,
		ChainID:          testChainID,
		HotWallet:        hot,
		BatchSize:        10,
		RebroadcastAfter: 5 * time.Minute,
		InlineTimeout:    5 * time.Second,
	}
	wcfg := WithdrawalConfig{
		Mode:      ModeAutomatic,
		MinAmount: decimal.RequireFromString("1"),
		MaxAmount: decimal.RequireFromString("100"),
		HotWallet: hot,
	}
	for _, opt := range opts {
		opt(&scfg, &wcfg)
	}

	settlement := NewSettlementUsecase(store, read, broadcast, nonces, builder, publisher, scfg, logger,
		WithClock(clock.Now))
	intake := NewWithdrawalUsecase(store, store, read, counter, settlement, publisher, nil, wcfg, logger)

	return &harness{
		t:          t,
		node:       node,
		store:      store,
		clock:      clock,
		publisher:  publisher,
		builder:    builder,
		nonces:     nonces,
		hot:        hot,
		settlement: settlement,
		intake:     intake,
	}
}

func (h *harness) credit(userID, amount string) {
	h.t.Helper()
	require.NoError(h.t, h.store.Credit(context.Background(), userID, decimal.RequireFromString(amount)))
}

func (h *harness) balance(userID string) decimal.Decimal {
	h.t.Helper()
	b, err := h.store.GetBalance(context.Background(), userID)
	require.NoError(h.t, err)
	return b.Balance
}

// submit records a request for userID, funding them first.
func (h *harness) submit(userID, amount string) *domain.Withdrawal {
	h.t.Helper()
	h.credit(userID, amount)
	w, err := h.intake.Submit(context.Background(), userID, decimal.RequireFromString(amount), recipient.Hex())
	require.NoError(h.t, err)
	return w
}

// approveOnly moves a request to approved without triggering inline settlement.
func (h *harness) approveOnly(id string) {
	h.t.Helper()
	require.NoError(h.t, h.store.TransitionStatus(context.Background(), id,
		domain.WithdrawalStatusPendingApproval, domain.WithdrawalStatusApproved, "admin", ""))
}

func (h *harness) get(id string) *domain.Withdrawal {
	h.t.Helper()
	w, err := h.store.GetByID(context.Background(), id)
	require.NoError(h.t, err)
	return w
}

func (h *harness) reconcile() *ReconcileReport {
	h.t.Helper()
	report, err := h.settlement.ReconcileOnce(context.Background())
	require.NoError(h.t, err)
	return report
}

// signOnly builds and stores a payload for id without broadcasting it.
func (h *harness) signOnly(id string) *domain.SignedTransfer {
	h.t.Helper()
	ctx := context.Background()
	nonce, err := h.nonces.Allocate(ctx, h.hot)
	require.NoError(h.t, err)
	st, err := h.builder.Build(ctx, h.get(id), nonce)
	require.NoError(h.t, err)
	require.NoError(h.t, h.store.SaveSignedPayload(ctx, id, st))
	return st
}
