package txqueue

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/starkbot/backend/pkg/wallet"
)

type fakeChain struct {
	mu            sync.Mutex
	pendingNonce  uint64
	sendErr       error
	nonceTooLowOn int
	sendCalls     int
	sent          []*types.Transaction
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, chainID int64, addr common.Address) (uint64, error) {
	return f.pendingNonce, nil
}

func (f *fakeChain) SendRawTransaction(ctx context.Context, chainID int64, signedTx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.nonceTooLowOn == f.sendCalls {
		return errors.New("replacement transaction underpriced: nonce too low")
	}
	f.sent = append(f.sent, signedTx)
	return f.sendErr
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, chainID int64, txHash common.Hash) (*types.Receipt, error) {
	return nil, errors.New("not found")
}

func newTestQueue(t *testing.T) (*Queue, wallet.Provider, *fakeChain) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	provider, err := wallet.NewLocalProvider(key)
	if err != nil {
		t.Fatalf("NewLocalProvider: %v", err)
	}
	chain := &fakeChain{pendingNonce: 5}
	return New(provider, chain), provider, chain
}

func TestEnqueueCreatesDraft(t *testing.T) {
	q, provider, _ := newTestQueue(t)
	uuid := q.Enqueue(8453, provider.Address(), common.HexToAddress("0xBEEF"), nil, big.NewInt(1))
	tx, ok := q.Get(uuid)
	if !ok {
		t.Fatal("expected to find enqueued transaction")
	}
	if tx.Status != StatusDraft {
		t.Fatalf("expected draft status, got %s", tx.Status)
	}
}

func TestBroadcastSignsAndSends(t *testing.T) {
	q, provider, chain := newTestQueue(t)
	uuid := q.Enqueue(8453, provider.Address(), common.HexToAddress("0xBEEF"), nil, big.NewInt(1))

	err := q.Broadcast(context.Background(), uuid, 21000, big.NewInt(1), big.NewInt(10), big.NewInt(8453))
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	tx, _ := q.Get(uuid)
	if tx.Status != StatusBroadcast {
		t.Fatalf("expected broadcast status, got %s", tx.Status)
	}
	if tx.TxHash == nil {
		t.Fatal("expected tx hash to be set")
	}
	if chain.sendCalls != 1 {
		t.Fatalf("expected exactly one send, got %d", chain.sendCalls)
	}
}

func TestBroadcastRetriesOnceOnNonceTooLow(t *testing.T) {
	q, provider, chain := newTestQueue(t)
	chain.nonceTooLowOn = 1
	uuid := q.Enqueue(8453, provider.Address(), common.HexToAddress("0xBEEF"), nil, big.NewInt(1))

	err := q.Broadcast(context.Background(), uuid, 21000, big.NewInt(1), big.NewInt(10), big.NewInt(8453))
	if err != nil {
		t.Fatalf("expected resync-and-retry to succeed, got %v", err)
	}
	if chain.sendCalls != 2 {
		t.Fatalf("expected 2 send attempts (initial + resync), got %d", chain.sendCalls)
	}
}

func TestBroadcastReportsOtherFailuresWithoutRetry(t *testing.T) {
	q, provider, chain := newTestQueue(t)
	chain.sendErr = errors.New("insufficient funds")
	uuid := q.Enqueue(8453, provider.Address(), common.HexToAddress("0xBEEF"), nil, big.NewInt(1))

	err := q.Broadcast(context.Background(), uuid, 21000, big.NewInt(1), big.NewInt(10), big.NewInt(8453))
	if err == nil {
		t.Fatal("expected broadcast failure to propagate")
	}
	if chain.sendCalls != 1 {
		t.Fatalf("expected exactly one attempt for a non-nonce failure, got %d", chain.sendCalls)
	}
	tx, _ := q.Get(uuid)
	if tx.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", tx.Status)
	}
}

func TestNextNonceTakesMaxOfPendingAndLastUsed(t *testing.T) {
	q, provider, _ := newTestQueue(t)
	from := provider.Address()

	first, err := q.nextNonce(context.Background(), 8453, from)
	if err != nil {
		t.Fatalf("nextNonce: %v", err)
	}
	if first != 5 {
		t.Fatalf("expected first nonce to equal pending nonce 5, got %d", first)
	}
	second, err := q.nextNonce(context.Background(), 8453, from)
	if err != nil {
		t.Fatalf("nextNonce: %v", err)
	}
	if second != 6 {
		t.Fatalf("expected second nonce to be last+1=6 despite pending staying at 5, got %d", second)
	}
}

// fakeRemoteSigner rejects SignHash the same way wallet.RemoteProvider does
// (its custodial policy engine requires the full transaction, not a bare
// digest), guarding against a regression back to a SignHash-based broadcast
// path that would break every remote-mode wallet.
type fakeRemoteSigner struct {
	*wallet.LocalProvider
}

func (fakeRemoteSigner) ModeName() wallet.Mode { return wallet.ModeRemote }

func (fakeRemoteSigner) SignHash(context.Context, [32]byte) ([]byte, error) {
	return nil, wallet.ErrUnsupportedOperation
}

func TestBroadcastSucceedsWithSignerThatRejectsSignHash(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	local, err := wallet.NewLocalProvider(key)
	if err != nil {
		t.Fatalf("NewLocalProvider: %v", err)
	}
	signer := fakeRemoteSigner{local}
	chain := &fakeChain{pendingNonce: 5}
	q := New(signer, chain)

	uuid := q.Enqueue(8453, signer.Address(), common.HexToAddress("0xBEEF"), nil, big.NewInt(1))
	if err := q.Broadcast(context.Background(), uuid, 21000, big.NewInt(1), big.NewInt(10), big.NewInt(8453)); err != nil {
		t.Fatalf("expected broadcast to succeed via SignTransaction despite SignHash being unsupported, got %v", err)
	}
	tx, _ := q.Get(uuid)
	if tx.Status != StatusBroadcast {
		t.Fatalf("expected broadcast status, got %s", tx.Status)
	}
}

func TestGetUnknownUUID(t *testing.T) {
	q, _, _ := newTestQueue(t)
	if _, ok := q.Get("does-not-exist"); ok {
		t.Fatal("expected unknown uuid to not be found")
	}
}
