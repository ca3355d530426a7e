// Package backup implements the encrypted snapshot/restore surface (C10):
// an ECIES envelope over a JSON snapshot document, uploaded to and fetched
// from an external keystore via a SIWE-authenticated HTTP request signed by
// the wallet (C1). Restore is idempotent per-entity.
package backup

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/starkbot/backend/pkg/starkerr"
)

// SnapshotVersion is the current wire version of the Snapshot document.
const SnapshotVersion = 1

// Entity is one opaque record within a snapshot section. ID is the
// unique key restore matches on for idempotent upsert; Fields carries
// whatever section-specific data the owning store chooses to export.
// Keeping this generic — rather than a concrete struct per section — lets
// pkg/backup snapshot and restore any entity kind without depending on the
// packages that own api-key, channel, skill, or impulse-node storage.
type Entity struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Snapshot is the document shape named in spec.md §4.10.
type Snapshot struct {
	Version       int      `json:"version"`
	WalletAddress string   `json:"wallet_address"`
	APIKeys       []Entity `json:"api_keys"`
	Channels      []Entity `json:"channels"`
	Skills        []Entity `json:"skills"`
	ImpulseNodes  []Entity `json:"impulse_nodes"`
	ModuleData    []Entity `json:"module_data"`
}

// Source lists the current entities of one snapshot section, e.g. "channels"
// or "api_keys". Each package that owns persisted configuration for a
// section implements Source to participate in backup.
type Source interface {
	List(ctx context.Context) ([]Entity, error)
}

// Sources names which Source backs each snapshot section. A nil entry
// leaves that section empty in the resulting Snapshot.
type Sources struct {
	APIKeys      Source
	Channels     Source
	Skills       Source
	ImpulseNodes Source
	ModuleData   Source
}

// BuildSnapshot queries every configured source and assembles a Snapshot.
func BuildSnapshot(ctx context.Context, walletAddress string, sources Sources) (Snapshot, error) {
	snap := Snapshot{Version: SnapshotVersion, WalletAddress: walletAddress}

	sections := []struct {
		name string
		src  Source
		dst  *[]Entity
	}{
		{"api_keys", sources.APIKeys, &snap.APIKeys},
		{"channels", sources.Channels, &snap.Channels},
		{"skills", sources.Skills, &snap.Skills},
		{"impulse_nodes", sources.ImpulseNodes, &snap.ImpulseNodes},
		{"module_data", sources.ModuleData, &snap.ModuleData},
	}
	for _, section := range sections {
		if section.src == nil {
			continue
		}
		entities, err := section.src.List(ctx)
		if err != nil {
			return Snapshot{}, starkerr.Wrap(starkerr.Internal, "backup: list "+section.name, err)
		}
		*section.dst = entities
	}
	return snap, nil
}

// Marshal serializes snap to the canonical JSON document that gets sealed.
func (s Snapshot) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, starkerr.Wrap(starkerr.Internal, "backup: marshal snapshot", err)
	}
	return data, nil
}

// Unmarshal parses a previously-sealed snapshot document.
func Unmarshal(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, starkerr.Wrap(starkerr.InvalidInput, "backup: unmarshal snapshot", err)
	}
	return snap, nil
}

// logUnknownVersion warns when restoring a snapshot newer than this binary
// understands; restore still proceeds entity-by-entity per spec §4.10.
func logUnknownVersion(version int) {
	if version > SnapshotVersion {
		zap.L().Warn("backup: snapshot version is newer than this binary",
			zap.Int("snapshot_version", version),
			zap.Int("supported_version", SnapshotVersion),
			zap.Time("observed_at", time.Now()),
		)
	}
}
