package backup

import (
	"context"

	"github.com/starkbot/backend/pkg/starkerr"
	"github.com/starkbot/backend/pkg/wallet"
)

// Manager ties together snapshot assembly, the ECIES envelope, and keystore
// transport into the two operations C10 exposes: Backup and Restore.
type Manager struct {
	Wallet   wallet.Provider
	Keystore Backend
	Sources  Sources
	Targets  Targets
}

// Backup builds a Snapshot from Sources, seals it to the wallet's own
// encryption key, and uploads it to the keystore, returning the key the
// keystore assigned the blob.
func (m *Manager) Backup(ctx context.Context) (string, error) {
	snap, err := BuildSnapshot(ctx, m.Wallet.Address().Hex(), m.Sources)
	if err != nil {
		return "", err
	}
	plaintext, err := snap.Marshal()
	if err != nil {
		return "", err
	}

	recipientKey, ok, err := m.Wallet.EncryptionKey(ctx)
	if err != nil {
		return "", starkerr.Wrap(starkerr.Internal, "backup: fetch wallet encryption key", err)
	}
	if !ok {
		return "", starkerr.New(starkerr.NotConfigured, "backup: wallet backend exposes no encryption key")
	}

	sealed, err := Seal(recipientKey, plaintext)
	if err != nil {
		return "", err
	}
	return m.Keystore.Upload(ctx, sealed)
}

// Restore fetches the sealed envelope identified by key, opens it against
// the wallet's private scalar, and idempotently applies every section
// against Targets.
func (m *Manager) Restore(ctx context.Context, key string) (Report, error) {
	sealed, err := m.Keystore.Fetch(ctx, key)
	if err != nil {
		return Report{}, err
	}

	plaintext, err := Open(sealed, func(peerPub []byte) ([]byte, error) {
		return m.Wallet.ECDH(ctx, peerPub)
	})
	if err != nil {
		return Report{}, err
	}

	snap, err := Unmarshal(plaintext)
	if err != nil {
		return Report{}, err
	}
	return Restore(ctx, snap, m.Targets)
}
