package wallet

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

func mustKey(t *testing.T) *LocalProvider {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	p, err := NewLocalProvider(key)
	if err != nil {
		t.Fatalf("new local provider: %v", err)
	}
	return p
}

func TestLocalProviderSignMessageRecoversAddress(t *testing.T) {
	p := mustKey(t)
	msg := []byte("hello starkbot")

	sig, err := p.SignMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("sign message: %v", err)
	}

	hash := crypto.Keccak256([]byte("\x19Ethereum Signed Message:\n32"), crypto.Keccak256(msg))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		t.Fatalf("sig to pub: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != p.Address() {
		t.Fatal("recovered address does not match wallet address")
	}
}

func TestLocalProviderSignTypedDataRoundTrip(t *testing.T) {
	p := mustKey(t)

	doc := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              "USD Coin",
			Version:           "2",
			ChainId:           (*apitypes.ChainID)(big.NewInt(8453)),
			VerifyingContract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		},
		Message: apitypes.TypedDataMessage{
			"from":  p.Address().Hex(),
			"to":    "0x00000000000000000000000000000000000000dE",
			"value": "500000",
		},
	}

	sig, err := p.SignTypedData(context.Background(), doc)
	if err != nil {
		t.Fatalf("sign typed data: %v", err)
	}

	digest, err := TypedDataDigest(doc)
	if err != nil {
		t.Fatalf("typed data digest: %v", err)
	}

	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		t.Fatalf("sig to pub: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != p.Address() {
		t.Fatal("recovered signer does not match wallet address")
	}
}

func TestLocalProviderSignHash(t *testing.T) {
	p := mustKey(t)
	var digest [32]byte
	copy(digest[:], crypto.Keccak256([]byte("arbitrary pre-hashed digest")))

	sig, err := p.SignHash(context.Background(), digest)
	if err != nil {
		t.Fatalf("sign hash: %v", err)
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		t.Fatalf("sig to pub: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != p.Address() {
		t.Fatal("recovered signer does not match wallet address")
	}
}

func TestLocalProviderSignTransactionRecoversSigner(t *testing.T) {
	p := mustKey(t)
	to := common.HexToAddress("0x000000000000000000000000000000000000dE")
	draft := &types.DynamicFeeTx{
		ChainID:   big.NewInt(8453),
		Nonce:     3,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(10),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(1),
	}

	signed, err := p.SignTransaction(context.Background(), draft)
	if err != nil {
		t.Fatalf("sign transaction: %v", err)
	}

	signer, err := types.Sender(types.LatestSignerForChainID(draft.ChainID), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if signer != p.Address() {
		t.Fatalf("recovered signer %s does not match wallet address %s", signer.Hex(), p.Address().Hex())
	}
}

func TestLocalProviderEncryptionKey(t *testing.T) {
	p := mustKey(t)
	key, ok, err := p.EncryptionKey(context.Background())
	if err != nil {
		t.Fatalf("encryption key: %v", err)
	}
	if !ok || len(key) != 33 {
		t.Fatalf("expected a 33-byte compressed pubkey, got %d bytes ok=%v", len(key), ok)
	}
}

func TestLocalProviderECDHIsSymmetric(t *testing.T) {
	alice := mustKey(t)
	bob := mustKey(t)

	aliceKey, _, err := alice.EncryptionKey(context.Background())
	if err != nil {
		t.Fatalf("alice encryption key: %v", err)
	}
	bobKey, _, err := bob.EncryptionKey(context.Background())
	if err != nil {
		t.Fatalf("bob encryption key: %v", err)
	}

	secretFromAlice, err := alice.ECDH(context.Background(), bobKey)
	if err != nil {
		t.Fatalf("alice ecdh: %v", err)
	}
	secretFromBob, err := bob.ECDH(context.Background(), aliceKey)
	if err != nil {
		t.Fatalf("bob ecdh: %v", err)
	}
	if string(secretFromAlice) != string(secretFromBob) {
		t.Fatal("expected both parties to derive the same shared secret")
	}
}

func TestNewLocalProviderRejectsNilKey(t *testing.T) {
	if _, err := NewLocalProvider(nil); err == nil {
		t.Fatal("expected error for nil key")
	}
}
