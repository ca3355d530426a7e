// Package txqueue implements the outbound transaction queue and broadcaster
// (C4): tools construct draft transactions and enqueue them, a nonce
// allocator serializes submission per (chain, from) pair, and a broadcaster
// signs, sends, and polls each record to a terminal status.
package txqueue

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/starkbot/backend/pkg/starkerr"
	"github.com/starkbot/backend/pkg/wallet"
)

// Status names a Queued Transaction's lifecycle stage (spec §3).
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSigned    Status = "signed"
	StatusBroadcast Status = "broadcast"
	StatusMined     Status = "mined"
	StatusFailed    Status = "failed"
)

// Transaction is a Queued Transaction (spec §3).
type Transaction struct {
	UUID        string
	ChainID     int64
	From        common.Address
	To          common.Address
	Data        []byte
	Value       *big.Int
	Nonce       *uint64
	Gas         *uint64
	Status      Status
	TxHash      *common.Hash
	CreatedAt   time.Time
	BroadcastAt *time.Time
	Receipt     *types.Receipt

	signed *types.Transaction
}

// ChainBackend is the subset of blockchain.Registry the queue needs. Gas
// estimation (eth_estimateGas x 1.2, per spec §4.4) and fee suggestion are
// expected to have already run by the time Broadcast is called — the caller
// (the tool that built the draft) passes the resolved gas/fee fields in.
// Modeled as an interface so tests can substitute a fake chain without
// dialing.
type ChainBackend interface {
	PendingNonceAt(ctx context.Context, chainID int64, addr common.Address) (uint64, error)
	SendRawTransaction(ctx context.Context, chainID int64, signedTx *types.Transaction) error
	TransactionReceipt(ctx context.Context, chainID int64, txHash common.Hash) (*types.Receipt, error)
}

// nonceKey identifies the in-process lock scope for nonce allocation: one
// lock per (chain, from) pair, per spec §4.4.
type nonceKey struct {
	chainID int64
	from    common.Address
}

// Queue owns every enqueued Transaction; tools hold only the uuid (spec §3
// Queued Transaction ownership invariant).
type Queue struct {
	mu           sync.Mutex
	transactions map[string]*Transaction
	lastNonce    map[nonceKey]uint64
	chainLocks   map[nonceKey]*sync.Mutex
	signer       wallet.Provider
	chain        ChainBackend
}

// New builds an empty Queue backed by signer (for signing broadcasts) and
// chain (for nonce/gas/receipt lookups).
func New(signer wallet.Provider, chain ChainBackend) *Queue {
	return &Queue{
		transactions: map[string]*Transaction{},
		lastNonce:    map[nonceKey]uint64{},
		chainLocks:   map[nonceKey]*sync.Mutex{},
		signer:       signer,
		chain:        chain,
	}
}

// Enqueue creates a new draft Transaction and returns its uuid.
func (q *Queue) Enqueue(chainID int64, from, to common.Address, data []byte, value *big.Int) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if value == nil {
		value = big.NewInt(0)
	}
	tx := &Transaction{
		UUID:      uuid.NewString(),
		ChainID:   chainID,
		From:      from,
		To:        to,
		Data:      data,
		Value:     value,
		Status:    StatusDraft,
		CreatedAt: time.Now(),
	}
	q.transactions[tx.UUID] = tx
	return tx.UUID
}

// Get returns the Transaction for uuid, or (nil, false) if unknown.
func (q *Queue) Get(uuid string) (*Transaction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx, ok := q.transactions[uuid]
	return tx, ok
}

func (q *Queue) lockFor(key nonceKey) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.chainLocks[key]
	if !ok {
		l = &sync.Mutex{}
		q.chainLocks[key] = l
	}
	return l
}

// nextNonce allocates max(pending_nonce_from_rpc, last_used_nonce+1) under
// the per-(chain,from) lock, per spec §4.4. Caller must hold the lock
// returned by lockFor for (chainID, from) for the duration of sign+broadcast.
func (q *Queue) nextNonce(ctx context.Context, chainID int64, from common.Address) (uint64, error) {
	pending, err := q.chain.PendingNonceAt(ctx, chainID, from)
	if err != nil {
		return 0, starkerr.Wrap(starkerr.UpstreamTransient, "txqueue: pending nonce", err)
	}
	key := nonceKey{chainID: chainID, from: from}
	q.mu.Lock()
	last, hasLast := q.lastNonce[key]
	q.mu.Unlock()

	nonce := pending
	if hasLast && last+1 > nonce {
		nonce = last + 1
	}
	q.mu.Lock()
	q.lastNonce[key] = nonce
	q.mu.Unlock()
	return nonce, nil
}

// Broadcast signs and submits tx; it does not wait for the receipt (see
// PollReceipt).
// A "nonce too low" failure triggers exactly one resync-and-retry; any other
// failure is reported directly (spec §4.4).
func (q *Queue) Broadcast(ctx context.Context, uuidStr string, gasLimit uint64, gasTipCap, gasFeeCap *big.Int, chainID *big.Int) error {
	tx, ok := q.Get(uuidStr)
	if !ok {
		return starkerr.New(starkerr.InvalidInput, "txqueue: unknown transaction "+uuidStr)
	}

	key := nonceKey{chainID: tx.ChainID, from: tx.From}
	lock := q.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	err := q.signAndSend(ctx, tx, gasLimit, gasTipCap, gasFeeCap, chainID)
	if err == nil {
		return nil
	}
	if !isNonceTooLow(err) {
		q.mu.Lock()
		tx.Status = StatusFailed
		q.mu.Unlock()
		return err
	}

	q.mu.Lock()
	delete(q.lastNonce, key)
	q.mu.Unlock()
	if retryErr := q.signAndSend(ctx, tx, gasLimit, gasTipCap, gasFeeCap, chainID); retryErr != nil {
		q.mu.Lock()
		tx.Status = StatusFailed
		q.mu.Unlock()
		return retryErr
	}
	return nil
}

func (q *Queue) signAndSend(ctx context.Context, tx *Transaction, gasLimit uint64, gasTipCap, gasFeeCap *big.Int, chainID *big.Int) error {
	nonce, err := q.nextNonce(ctx, tx.ChainID, tx.From)
	if err != nil {
		return err
	}

	draft := &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &tx.To,
		Value:     tx.Value,
		Data:      tx.Data,
	}

	signedTx, err := q.signer.SignTransaction(ctx, draft)
	if err != nil {
		return starkerr.Wrap(starkerr.Internal, "txqueue: sign transaction", err)
	}

	q.mu.Lock()
	tx.Nonce = &nonce
	tx.Gas = &gasLimit
	tx.Status = StatusSigned
	tx.signed = signedTx
	q.mu.Unlock()

	if err := q.chain.SendRawTransaction(ctx, tx.ChainID, signedTx); err != nil {
		return starkerr.Wrap(starkerr.UpstreamTransient, "txqueue: send raw transaction", err)
	}

	now := time.Now()
	txHash := signedTx.Hash()
	q.mu.Lock()
	tx.Status = StatusBroadcast
	tx.TxHash = &txHash
	tx.BroadcastAt = &now
	q.mu.Unlock()
	return nil
}

// PollReceipt checks whether tx has been mined, updating its status and
// receipt if so. It does not block; callers poll on their own schedule.
func (q *Queue) PollReceipt(ctx context.Context, uuidStr string) (*Transaction, error) {
	tx, ok := q.Get(uuidStr)
	if !ok {
		return nil, starkerr.New(starkerr.InvalidInput, "txqueue: unknown transaction "+uuidStr)
	}
	if tx.TxHash == nil {
		return tx, nil
	}
	receipt, err := q.chain.TransactionReceipt(ctx, tx.ChainID, *tx.TxHash)
	if err != nil {
		return tx, nil //nolint:nilerr // not-yet-mined is reported via nil receipt, not an error
	}
	if receipt != nil {
		q.mu.Lock()
		tx.Receipt = receipt
		tx.Status = StatusMined
		q.mu.Unlock()
	}
	return tx, nil
}

func isNonceTooLow(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}
