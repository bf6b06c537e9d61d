// internal/chains/ethereum/gateway.go
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"withdrawal-service/internal/metrics"
)

// Backend is the subset of *ethclient.Client the gateway calls.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg geth.CallMsg) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

var _ Backend = (*ethclient.Client)(nil)

// Role names the purpose of an endpoint list.
type Role string

const (
	RoleRead      Role = "read"
	RoleBroadcast Role = "broadcast"
)

var errThrottled = errors.New("endpoint rate limit reached")

// EndpointConfig describes one RPC URL and its optional request budget.
type EndpointConfig struct {
	URL               string
	RequestsPerSecond float64
	Burst             int
}

// Endpoint is one interchangeable node in a gateway's ordered list.
type Endpoint struct {
	URL     string
	Backend Backend
	limiter *rate.Limiter
}

// NewEndpoint wraps a backend. rps <= 0 disables throttling.
func NewEndpoint(url string, backend Backend, rps float64, burst int) Endpoint {
	ep := Endpoint{URL: url, Backend: backend}
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		ep.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return ep
}

// DialEndpoints connects to every configured URL. Endpoints that fail to dial are
// logged and skipped; an error is returned only when none could be dialed.
func DialEndpoints(ctx context.Context, cfgs []EndpointConfig, logger *zap.Logger) ([]Endpoint, error) {
	endpoints := make([]Endpoint, 0, len(cfgs))
	for _, c := range cfgs {
		client, err := ethclient.DialContext(ctx, c.URL)
		if err != nil {
			logger.Warn("failed to dial rpc endpoint",
				zap.String("endpoint", c.URL),
				zap.Error(err))
			continue
		}
		endpoints = append(endpoints, NewEndpoint(c.URL, client, c.RequestsPerSecond, c.Burst))
	}
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	return endpoints, nil
}

// Gateway runs each chain call against an ordered endpoint list, bounding every
// attempt with a fixed timeout and falling through to the next endpoint on failure.
type Gateway struct {
	role      Role
	endpoints []Endpoint
	timeout   time.Duration
	logger    *zap.Logger
	metrics   *metrics.Settlement
}

func NewGateway(role Role, endpoints []Endpoint, timeout time.Duration, logger *zap.Logger, m *metrics.Settlement) (*Gateway, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%s gateway: %w", role, ErrNoEndpoints)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		role:      role,
		endpoints: endpoints,
		timeout:   timeout,
		logger:    logger.With(zap.String("gateway", string(role))),
		metrics:   m,
	}, nil
}

// URLs returns the endpoint list in call order.
func (g *Gateway) URLs() []string {
	out := make([]string, 0, len(g.endpoints))
	for _, ep := range g.endpoints {
		out = append(out, ep.URL)
	}
	return out
}

// Close releases every endpoint backend.
func (g *Gateway) Close() {
	for _, ep := range g.endpoints {
		ep.Backend.Close()
	}
}

type attempt[T any] struct {
	val T
	err error
}

// call is the fallback loop shared by every gateway method.
func call[T any](ctx context.Context, g *Gateway, method string, fn func(context.Context, Backend) (T, error)) (T, error) {
	var zero T
	agg := &EndpointsError{Method: method}
	notFound := 0

	for _, ep := range g.endpoints {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if ep.limiter != nil && !ep.limiter.Allow() {
			g.metrics.ObserveRPC(string(g.role), ep.URL, method, "throttled", 0)
			agg.Errors = append(agg.Errors, EndpointError{Endpoint: ep.URL, Err: errThrottled})
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		start := time.Now()
		done := make(chan attempt[T], 1)
		go func(b Backend) {
			v, err := fn(callCtx, b)
			done <- attempt[T]{val: v, err: err}
		}(ep.Backend)

		var res attempt[T]
		select {
		case res = <-done:
		case <-callCtx.Done():
			res.err = callCtx.Err()
		}
		cancel()
		took := time.Since(start)

		if res.err == nil {
			g.metrics.ObserveRPC(string(g.role), ep.URL, method, "ok", took)
			return res.val, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if errors.Is(res.err, geth.NotFound) {
			// One node missing the object proves nothing while another may be ahead.
			g.metrics.ObserveRPC(string(g.role), ep.URL, method, "not_found", took)
			notFound++
			agg.Errors = append(agg.Errors, EndpointError{Endpoint: ep.URL, Err: errMissingHere})
			continue
		}
		if definitive := classify(res.err); definitive != nil {
			g.metrics.ObserveRPC(string(g.role), ep.URL, method, "answered", took)
			return zero, definitive
		}

		g.metrics.ObserveRPC(string(g.role), ep.URL, method, "error", took)
		g.logger.Debug("rpc endpoint failed, trying next",
			zap.String("endpoint", ep.URL),
			zap.String("method", method),
			zap.Duration("took", took),
			zap.Error(res.err))
		agg.Errors = append(agg.Errors, EndpointError{Endpoint: ep.URL, Err: res.err})
	}

	if notFound == len(g.endpoints) {
		return zero, ErrNotFound
	}

	g.logger.Warn("all rpc endpoints failed",
		zap.String("method", method),
		zap.Int("endpoints", len(g.endpoints)))
	return zero, agg
}

// ============================================================================
// Reads
// ============================================================================

func (g *Gateway) ChainID(ctx context.Context) (*big.Int, error) {
	return call(ctx, g, "eth_chainId", func(ctx context.Context, b Backend) (*big.Int, error) {
		return b.ChainID(ctx)
	})
}

func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	return call(ctx, g, "eth_blockNumber", func(ctx context.Context, b Backend) (uint64, error) {
		return b.BlockNumber(ctx)
	})
}

// PendingNonceAt returns the account's nonce including transactions in the pool.
func (g *Gateway) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return call(ctx, g, "eth_getTransactionCount", func(ctx context.Context, b Backend) (uint64, error) {
		return b.PendingNonceAt(ctx, account)
	})
}

// LatestNonce returns the count of transactions mined from account.
func (g *Gateway) LatestNonce(ctx context.Context, account common.Address) (uint64, error) {
	return call(ctx, g, "eth_getTransactionCount", func(ctx context.Context, b Backend) (uint64, error) {
		return b.NonceAt(ctx, account, nil)
	})
}

func (g *Gateway) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return call(ctx, g, "eth_gasPrice", func(ctx context.Context, b Backend) (*big.Int, error) {
		return b.SuggestGasPrice(ctx)
	})
}

func (g *Gateway) EstimateGas(ctx context.Context, msg geth.CallMsg) (uint64, error) {
	return call(ctx, g, "eth_estimateGas", func(ctx context.Context, b Backend) (uint64, error) {
		return b.EstimateGas(ctx, msg)
	})
}

func (g *Gateway) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return call(ctx, g, "eth_getBalance", func(ctx context.Context, b Backend) (*big.Int, error) {
		return b.BalanceAt(ctx, account, nil)
	})
}

func (g *Gateway) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return call(ctx, g, "eth_getCode", func(ctx context.Context, b Backend) ([]byte, error) {
		return b.CodeAt(ctx, account, nil)
	})
}

// IsContract reports whether account has code deployed, the usual wallet-vs-contract
// heuristic.
func (g *Gateway) IsContract(ctx context.Context, account common.Address) (bool, error) {
	code, err := g.CodeAt(ctx, account)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

type txLookup struct {
	tx      *types.Transaction
	pending bool
}

// TransactionByHash returns ErrNotFound when the network doesn't know the hash.
func (g *Gateway) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	res, err := call(ctx, g, "eth_getTransactionByHash", func(ctx context.Context, b Backend) (txLookup, error) {
		tx, pending, err := b.TransactionByHash(ctx, hash)
		return txLookup{tx: tx, pending: pending}, err
	})
	if err != nil {
		return nil, false, err
	}
	return res.tx, res.pending, nil
}

// TransactionReceipt returns ErrNotFound while the transaction is unmined.
func (g *Gateway) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return call(ctx, g, "eth_getTransactionReceipt", func(ctx context.Context, b Backend) (*types.Receipt, error) {
		return b.TransactionReceipt(ctx, hash)
	})
}

// ============================================================================
// Broadcast
// ============================================================================

// SendTransaction submits signed bytes. A node that already holds the exact
// transaction counts as success.
func (g *Gateway) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	_, err := call(ctx, g, "eth_sendRawTransaction", func(ctx context.Context, b Backend) (struct{}, error) {
		err := b.SendTransaction(ctx, tx)
		if err != nil && IsAlreadyKnown(err) {
			g.logger.Debug("node already knows transaction",
				zap.String("tx_hash", tx.Hash().Hex()))
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	return err
}
