package backup

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub := crypto.CompressPubkey(&key.PublicKey)

	plaintext := []byte(`{"version":1,"wallet_address":"0xabc"}`)
	sealed, err := Seal(pub, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(sealed) <= compressedPubKeyLen+gcmNonceLen {
		t.Fatalf("expected envelope longer than header, got %d bytes", len(sealed))
	}

	opened, err := Open(sealed, func(peerPub []byte) ([]byte, error) {
		peer, err := crypto.DecompressPubkey(peerPub)
		if err != nil {
			return nil, err
		}
		x, _ := peer.Curve.ScalarMult(peer.X, peer.Y, key.D.Bytes())
		return x.Bytes(), nil
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(opened) != string(plaintext) {
		t.Fatalf("expected round-tripped plaintext, got %q", opened)
	}
}

func TestOpenFailsWithWrongRecipient(t *testing.T) {
	recipientKey, _ := crypto.GenerateKey()
	wrongKey, _ := crypto.GenerateKey()
	pub := crypto.CompressPubkey(&recipientKey.PublicKey)

	sealed, err := Seal(pub, []byte("secret payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	_, err = Open(sealed, func(peerPub []byte) ([]byte, error) {
		peer, err := crypto.DecompressPubkey(peerPub)
		if err != nil {
			return nil, err
		}
		x, _ := peer.Curve.ScalarMult(peer.X, peer.Y, wrongKey.D.Bytes())
		return x.Bytes(), nil
	})
	if err == nil {
		t.Fatal("expected decryption to fail with the wrong recipient key")
	}
}

func TestOpenRejectsTruncatedEnvelope(t *testing.T) {
	_, err := Open([]byte{1, 2, 3}, func([]byte) ([]byte, error) { return nil, nil })
	if err == nil {
		t.Fatal("expected error for truncated envelope")
	}
}
