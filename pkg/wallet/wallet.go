// Package wallet implements the uniform signing/address surface (C1) used by
// the x402 engine, the transaction queue, and the SIWE-authenticated backup
// uploader. Two backends share the Provider interface: Local (an in-process
// secp256k1 key) and Remote (a bearer-authenticated custodial signer). Mode
// is chosen once at process start (config.WalletMode / STARKBOT_MODE);
// callers never branch on which backend they hold.
package wallet

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// ErrUnsupportedOperation is returned by backends that cannot perform a
// requested signing primitive (the Remote backend's SignHash, per spec §4.1).
var ErrUnsupportedOperation = errors.New("wallet: unsupported operation")

// Mode names a wallet backend.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Provider is the uniform signing surface exposed to x402, the tx queue, and
// the backup component. Implementations must be safe for concurrent use.
type Provider interface {
	// Address returns the wallet's 20-byte EVM address.
	Address() common.Address

	// ModeName reports which backend is in effect.
	ModeName() Mode

	// SignMessage produces an EIP-191 personal-sign signature over msg.
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)

	// SignHash signs a pre-computed 32-byte digest directly. The Remote
	// backend refuses this (ErrUnsupportedOperation) because its policy
	// engine requires the full typed-data document, not a bare hash.
	SignHash(ctx context.Context, digest [32]byte) ([]byte, error)

	// SignTypedData computes (locally, or via the remote policy engine) the
	// EIP-712 digest of doc and signs it. This is the portable primitive:
	// every backend supports it.
	SignTypedData(ctx context.Context, doc apitypes.TypedData) ([]byte, error)

	// SignTransaction signs an outbound EIP-1559 transaction and returns it
	// ready for broadcast. Unlike SignHash, the backend sees the full
	// transaction fields, not a bare digest, so the Remote backend's policy
	// engine can evaluate them; every backend supports this primitive.
	SignTransaction(ctx context.Context, tx *types.DynamicFeeTx) (*types.Transaction, error)

	// EncryptionKey returns the wallet's encryption public key used by the
	// ECIES backup envelope (C10), if the backend exposes one.
	EncryptionKey(ctx context.Context) ([]byte, bool, error)

	// ECDH computes the secp256k1 shared secret between this wallet's
	// private key and peerCompressedPubKey (a 33-byte compressed point),
	// returning the shared point's x-coordinate. The backup component (C10)
	// feeds this into HKDF to derive the ECIES envelope's symmetric key
	// when opening a backup previously sealed to EncryptionKey.
	ECDH(ctx context.Context, peerCompressedPubKey []byte) ([]byte, error)
}

// TypedDataDigest computes the EIP-712 signing digest:
//
//	keccak256(0x19 || 0x01 || domainSeparator || hashStruct(primaryType, message))
//
// using go-ethereum's apitypes.TypedData hashing helpers.
func TypedDataDigest(doc apitypes.TypedData) ([32]byte, error) {
	domainSeparator, err := doc.HashStruct("EIP712Domain", doc.Domain.Map())
	if err != nil {
		return [32]byte{}, err
	}
	typedDataHash, err := doc.HashStruct(doc.PrimaryType, doc.Message)
	if err != nil {
		return [32]byte{}, err
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, typedDataHash...)

	var digest [32]byte
	copy(digest[:], crypto.Keccak256(rawData))
	return digest, nil
}
