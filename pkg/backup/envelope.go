package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"

	"github.com/starkbot/backend/pkg/starkerr"
)

// hkdfInfo binds the derived AES key to this envelope format, so a key
// derived here can never be reused as a valid key for an unrelated protocol
// that happens to share the same ECDH secret.
const hkdfInfo = "starkbot/backup/ecies/v1"

const (
	compressedPubKeyLen = 33
	gcmNonceLen         = 12
)

// Seal encrypts plaintext for recipientCompressedPubKey using ECIES: an
// ephemeral secp256k1 key is generated, ECDH'd against the recipient's
// public key, and the shared secret is run through HKDF-SHA256 to derive a
// 256-bit AES-GCM key. The wire format (spec §6) is:
//
//	ephemeral compressed pubkey (33 bytes) ‖ GCM nonce (12 bytes) ‖ ciphertext ‖ tag
func Seal(recipientCompressedPubKey, plaintext []byte) ([]byte, error) {
	ephemeral, err := crypto.GenerateKey()
	if err != nil {
		return nil, starkerr.Wrap(starkerr.Internal, "backup: generate ephemeral key", err)
	}
	recipientPub, err := crypto.DecompressPubkey(recipientCompressedPubKey)
	if err != nil {
		return nil, starkerr.Wrap(starkerr.InvalidInput, "backup: decompress recipient public key", err)
	}

	x, _ := recipientPub.Curve.ScalarMult(recipientPub.X, recipientPub.Y, ephemeral.D.Bytes())
	aead, err := newAEAD(x.Bytes())
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, starkerr.Wrap(starkerr.Internal, "backup: generate gcm nonce", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)

	ephemeralPub := crypto.CompressPubkey(&ephemeral.PublicKey)
	out := make([]byte, 0, len(ephemeralPub)+len(nonce)+len(sealed))
	out = append(out, ephemeralPub...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Open reverses Seal using an ECDH function that computes the shared secret
// against an embedded ephemeral public key — typically wallet.Provider.ECDH,
// so the private scalar never needs to leave the wallet backend.
func Open(envelope []byte, ecdh func(peerCompressedPubKey []byte) ([]byte, error)) ([]byte, error) {
	if len(envelope) < compressedPubKeyLen+gcmNonceLen {
		return nil, starkerr.New(starkerr.InvalidInput, "backup: envelope too short")
	}
	ephemeralPub := envelope[:compressedPubKeyLen]
	nonce := envelope[compressedPubKeyLen : compressedPubKeyLen+gcmNonceLen]
	ciphertext := envelope[compressedPubKeyLen+gcmNonceLen:]

	secret, err := ecdh(ephemeralPub)
	if err != nil {
		return nil, starkerr.Wrap(starkerr.Internal, "backup: ecdh shared secret", err)
	}
	aead, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, starkerr.Wrap(starkerr.IntegrityViolation, "backup: decrypt envelope", err)
	}
	return plaintext, nil
}

func newAEAD(sharedSecretXCoord []byte) (cipher.AEAD, error) {
	derived := make([]byte, 32)
	kdf := hkdf.New(sha256.New, sharedSecretXCoord, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, starkerr.Wrap(starkerr.Internal, "backup: derive envelope key", err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, starkerr.Wrap(starkerr.Internal, "backup: construct aes cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, starkerr.Wrap(starkerr.Internal, "backup: construct gcm aead", err)
	}
	return aead, nil
}
