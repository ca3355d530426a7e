package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/starkbot/backend/pkg/config"
	"go.uber.org/zap"
)

// EVMClient wraps a single connected network.
type EVMClient struct {
	ChainID int64
	Name    string
	Client  *ethclient.Client
}

// Registry holds one EVMClient per configured chain id (spec §9: network
// registry is a process-wide read-mostly singleton — modeled here as a
// snapshot map built once at Dial time and never mutated afterward; callers
// needing to add a network at runtime should build a new Registry and swap
// the pointer their code holds).
type Registry struct {
	clients map[int64]*EVMClient
}

// Dial connects to every configured network and returns a ready Registry.
// It fails fast on the first network that cannot be dialed, closing any
// connections already opened.
func Dial(ctx context.Context, networks []config.Network) (*Registry, error) {
	clients := make(map[int64]*EVMClient, len(networks))
	for _, n := range networks {
		c, err := ethclient.DialContext(ctx, n.RPCAddr)
		if err != nil {
			zap.L().Error("blockchain: dial failed", zap.String("network", n.Name), zap.Int64("chain_id", n.ChainID), zap.Error(err))
			for _, opened := range clients {
				opened.Client.Close()
			}
			return nil, fmt.Errorf("blockchain: dial %s (chain %d): %w", n.Name, n.ChainID, err)
		}
		clients[n.ChainID] = &EVMClient{ChainID: n.ChainID, Name: n.Name, Client: c}
	}
	return &Registry{clients: clients}, nil
}

// Client returns the EVMClient for chainID, or an error if the chain is not
// registered.
func (r *Registry) Client(chainID int64) (*EVMClient, error) {
	c, ok := r.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("blockchain: chain id %d not configured", chainID)
	}
	return c, nil
}

// Close disconnects every client in the registry.
func (r *Registry) Close() {
	for _, c := range r.clients {
		c.Client.Close()
	}
}

// retryPolicy bounds the exponential backoff applied to transient RPC errors.
type retryPolicy struct {
	attempts int
	base     time.Duration
}

var defaultRetry = retryPolicy{attempts: 3, base: 200 * time.Millisecond}

// withRetry runs fn up to policy.attempts times, backing off exponentially
// between attempts. Permanent errors (decoded as such by isPermanent) are
// not retried.
func withRetry(ctx context.Context, policy retryPolicy, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < policy.attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if isPermanent(lastErr) {
			return lastErr
		}
		if attempt == policy.attempts-1 {
			break
		}
		backoff := policy.base * time.Duration(1<<attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

// isPermanent reports whether err represents a non-retryable failure (a
// decoded on-chain revert, as opposed to a transport-level hiccup).
func isPermanent(err error) bool {
	_, ok := DecodeRevert(err)
	return ok
}

// Call performs eth_call against chainID with retry, surfacing a decoded
// revert reason when the node returns one.
func (r *Registry) Call(ctx context.Context, chainID int64, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	client, err := r.Client(chainID)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = withRetry(ctx, defaultRetry, func() error {
		var callErr error
		out, callErr = client.Client.CallContract(ctx, msg, blockNumber)
		return callErr
	})
	if err != nil {
		if reason, ok := DecodeRevert(err); ok {
			return nil, fmt.Errorf("blockchain: call reverted: %s", reason)
		}
		return nil, fmt.Errorf("blockchain: call: %w", err)
	}
	return out, nil
}

// EstimateGas performs eth_estimateGas against chainID with retry.
func (r *Registry) EstimateGas(ctx context.Context, chainID int64, msg ethereum.CallMsg) (uint64, error) {
	client, err := r.Client(chainID)
	if err != nil {
		return 0, err
	}
	var gas uint64
	err = withRetry(ctx, defaultRetry, func() error {
		var estErr error
		gas, estErr = client.Client.EstimateGas(ctx, msg)
		return estErr
	})
	if err != nil {
		return 0, fmt.Errorf("blockchain: estimate gas: %w", err)
	}
	return gas, nil
}

// SuggestedFees returns the EIP-1559 fee fields (tip cap, fee cap) for chainID.
func (r *Registry) SuggestedFees(ctx context.Context, chainID int64) (tipCap, feeCap *big.Int, err error) {
	client, err := r.Client(chainID)
	if err != nil {
		return nil, nil, err
	}
	err = withRetry(ctx, defaultRetry, func() error {
		var tipErr error
		tipCap, tipErr = client.Client.SuggestGasTipCap(ctx)
		if tipErr != nil {
			return tipErr
		}
		header, headErr := client.Client.HeaderByNumber(ctx, nil)
		if headErr != nil {
			return headErr
		}
		if header.BaseFee == nil {
			feeCap = new(big.Int).Set(tipCap)
			return nil
		}
		feeCap = new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), tipCap)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("blockchain: suggested fees: %w", err)
	}
	return tipCap, feeCap, nil
}

// PendingNonceAt performs eth_getTransactionCount(pending) for addr on chainID.
func (r *Registry) PendingNonceAt(ctx context.Context, chainID int64, addr common.Address) (uint64, error) {
	client, err := r.Client(chainID)
	if err != nil {
		return 0, err
	}
	var nonce uint64
	err = withRetry(ctx, defaultRetry, func() error {
		var nonceErr error
		nonce, nonceErr = client.Client.PendingNonceAt(ctx, addr)
		return nonceErr
	})
	if err != nil {
		return 0, fmt.Errorf("blockchain: pending nonce: %w", err)
	}
	return nonce, nil
}

// SendRawTransaction broadcasts a signed transaction via eth_sendRawTransaction.
func (r *Registry) SendRawTransaction(ctx context.Context, chainID int64, signedTx *types.Transaction) error {
	client, err := r.Client(chainID)
	if err != nil {
		return err
	}
	err = withRetry(ctx, defaultRetry, func() error {
		return client.Client.SendTransaction(ctx, signedTx)
	})
	if err != nil {
		return fmt.Errorf("blockchain: send raw transaction: %w", err)
	}
	return nil
}

// TransactionReceipt performs eth_getTransactionReceipt with retry. A
// "not found" response (receipt still pending) is returned as-is so callers
// can distinguish "keep polling" from a genuine RPC failure.
func (r *Registry) TransactionReceipt(ctx context.Context, chainID int64, txHash common.Hash) (*types.Receipt, error) {
	client, err := r.Client(chainID)
	if err != nil {
		return nil, err
	}
	var receipt *types.Receipt
	err = withRetry(ctx, defaultRetry, func() error {
		var recErr error
		receipt, recErr = client.Client.TransactionReceipt(ctx, txHash)
		if errors.Is(recErr, ethereum.NotFound) {
			receipt = nil
			return nil
		}
		return recErr
	})
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

// LogsByTxHash returns the logs emitted by txHash's transaction. It resolves
// the transaction's receipt (eth_getTransactionReceipt) and returns the logs
// recorded there, which is the only way standard eth_getLogs-family RPCs
// expose "logs of one specific transaction" without scanning a block range.
func (r *Registry) LogsByTxHash(ctx context.Context, chainID int64, txHash common.Hash) ([]*types.Log, error) {
	receipt, err := r.TransactionReceipt(ctx, chainID, txHash)
	if err != nil {
		return nil, fmt.Errorf("blockchain: logs by tx hash: %w", err)
	}
	return receipt.Logs, nil
}

// WaitForReceipt polls TransactionReceipt until it is mined or ctx expires,
// backing off between polls.
func (r *Registry) WaitForReceipt(ctx context.Context, chainID int64, txHash common.Hash, pollEvery time.Duration) (*types.Receipt, error) {
	if pollEvery <= 0 {
		pollEvery = 2 * time.Second
	}
	for {
		receipt, err := r.TransactionReceipt(ctx, chainID, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollEvery):
		}
	}
}

// Snapshot is a process-wide read-mostly pointer swap, the pattern design
// note §9 prescribes for the network registry, payment limits and token
// registry: readers take the current pointer, writers publish a new one
// atomically via Store, and no reader ever blocks on a write lock.
type Snapshot[T any] struct {
	ptr atomic.Pointer[T]
}

// Load returns the current snapshot value.
func (s *Snapshot[T]) Load() *T {
	return s.ptr.Load()
}

// Store publishes a new snapshot value.
func (s *Snapshot[T]) Store(v *T) {
	s.ptr.Store(v)
}

// snapshot is an internal alias kept for package-local readability.
type snapshot[T any] = Snapshot[T]
