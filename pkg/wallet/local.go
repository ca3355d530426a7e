package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"
)

// LocalProvider owns a secp256k1 private key loaded from configuration at
// init. It computes every digest in-process: EIP-191 personal-sign for
// SignMessage, EIP-712 struct hashing for SignTypedData, and accepts
// pre-hashed digests directly for SignHash.
type LocalProvider struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

var _ Provider = (*LocalProvider)(nil)

// NewLocalProvider wraps an already-parsed ECDSA private key.
func NewLocalProvider(key *ecdsa.PrivateKey) (*LocalProvider, error) {
	if key == nil {
		return nil, fmt.Errorf("wallet: local provider requires a non-nil key")
	}
	return &LocalProvider{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (p *LocalProvider) Address() common.Address { return p.address }

func (p *LocalProvider) ModeName() Mode { return ModeLocal }

// SignMessage signs msg as an Ethereum personal-sign message:
// keccak256("\x19Ethereum Signed Message:\n32" || keccak256(msg)).
func (p *LocalProvider) SignMessage(_ context.Context, msg []byte) ([]byte, error) {
	hash := crypto.Keccak256(
		[]byte("\x19Ethereum Signed Message:\n32"),
		crypto.Keccak256(msg),
	)
	sig, err := crypto.Sign(hash, p.key)
	if err != nil {
		zap.L().Error("local wallet: failed to sign message", zap.Error(err))
		return nil, fmt.Errorf("sign message: %w", err)
	}
	return sig, nil
}

// SignHash signs a pre-computed 32-byte digest directly.
func (p *LocalProvider) SignHash(_ context.Context, digest [32]byte) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], p.key)
	if err != nil {
		return nil, fmt.Errorf("sign hash: %w", err)
	}
	return sig, nil
}

// SignTypedData computes the EIP-712 digest of doc locally and signs it.
func (p *LocalProvider) SignTypedData(ctx context.Context, doc apitypes.TypedData) ([]byte, error) {
	digest, err := TypedDataDigest(doc)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}
	return p.SignHash(ctx, digest)
}

// SignTransaction signs tx for broadcast. The digest is the EIP-1559 signer's
// own Hash(tx) (not Transaction.Hash(), which folds in the zero-valued
// signature fields and would recover the wrong sender), so types.Sender
// correctly recovers this wallet's address from the result.
func (p *LocalProvider) SignTransaction(ctx context.Context, tx *types.DynamicFeeTx) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(tx.ChainID)
	unsigned := types.NewTx(tx)
	sig, err := p.SignHash(ctx, signer.Hash(unsigned))
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	signed, err := unsigned.WithSignature(signer, sig)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: attach signature: %w", err)
	}
	return signed, nil
}

// EncryptionKey returns the compressed secp256k1 public key, usable as an
// ECIES recipient key for the encrypted backup envelope (C10).
func (p *LocalProvider) EncryptionKey(_ context.Context) ([]byte, bool, error) {
	return crypto.CompressPubkey(&p.key.PublicKey), true, nil
}

// ECDH multiplies peerCompressedPubKey by this wallet's private scalar and
// returns the resulting point's x-coordinate as the shared secret.
func (p *LocalProvider) ECDH(_ context.Context, peerCompressedPubKey []byte) ([]byte, error) {
	peerPub, err := crypto.DecompressPubkey(peerCompressedPubKey)
	if err != nil {
		return nil, fmt.Errorf("ecdh: decompress peer public key: %w", err)
	}
	x, _ := peerPub.Curve.ScalarMult(peerPub.X, peerPub.Y, p.key.D.Bytes())
	return x.Bytes(), nil
}
