// Package resources implements append-only resource-bundle versioning (C5):
// bundles are created once and never mutated; activation atomically flips
// exactly one bundle to active and invalidates a read-through cache of it.
// Persistence uses modernc.org/sqlite (pure-Go, CGO-free), consistent with
// the rest of the pack's agent-memory/session backends.
package resources

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/starkbot/backend/pkg/catalog"
	"github.com/starkbot/backend/pkg/starkerr"
)

// Store owns the bundle table and the currently-active-bundle cache.
type Store struct {
	db *sql.DB

	mu            sync.RWMutex
	activeCache   *catalog.Bundle
	defaultPrompt map[string]string
}

// Open creates (if needed) the schema at path and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, starkerr.Wrap(starkerr.Internal, "resources: open database", err)
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS bundles (
			version_id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			description TEXT,
			created_at TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS bundle_resources (
			version_id TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata_json TEXT,
			FOREIGN KEY(version_id) REFERENCES bundles(version_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bundle_resources_version ON bundle_resources(version_id)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, starkerr.Wrap(starkerr.Internal, "resources: create schema", err)
		}
	}
	return &Store{db: db, defaultPrompt: map[string]string{}}, nil
}

// SetCompiledDefault registers a compiled-in default prompt returned by
// ResolvePrompt when no active bundle supplies name.
func (s *Store) SetCompiledDefault(name, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultPrompt[name] = content
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateVersion appends a new, inactive bundle and returns its version id.
func (s *Store) CreateVersion(ctx context.Context, label, description string, resourceSet []catalog.Resource) (string, error) {
	versionID := uuid.NewString()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", starkerr.Wrap(starkerr.Internal, "resources: begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO bundles(version_id, label, description, created_at, is_active) VALUES (?, ?, ?, ?, 0)`,
		versionID, label, description, now.Format(time.RFC3339Nano)); err != nil {
		return "", starkerr.Wrap(starkerr.Internal, "resources: insert bundle", err)
	}
	for _, r := range resourceSet {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return "", starkerr.Wrap(starkerr.InvalidInput, "resources: marshal metadata", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO bundle_resources(version_id, name, kind, content, metadata_json) VALUES (?, ?, ?, ?, ?)`,
			versionID, r.Name, string(r.Kind), r.Content, string(meta)); err != nil {
			return "", starkerr.Wrap(starkerr.Internal, "resources: insert resource", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", starkerr.Wrap(starkerr.Internal, "resources: commit", err)
	}
	return versionID, nil
}

// Activate flips versionID to active and every other bundle to inactive in
// one transaction, guaranteeing readers never observe two active bundles.
// Activating the currently active bundle is a no-op (spec §8 idempotence).
func (s *Store) Activate(ctx context.Context, versionID string) error {
	current, err := s.ActiveBundle(ctx)
	if err == nil && current != nil && current.VersionID == versionID {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return starkerr.Wrap(starkerr.Internal, "resources: begin tx", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM bundles WHERE version_id = ?`, versionID).Scan(&exists); err != nil {
		return starkerr.Wrap(starkerr.Internal, "resources: check version exists", err)
	}
	if exists == 0 {
		return starkerr.New(starkerr.InvalidInput, "resources: unknown version id "+versionID)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE bundles SET is_active = 0`); err != nil {
		return starkerr.Wrap(starkerr.Internal, "resources: clear active flags", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE bundles SET is_active = 1 WHERE version_id = ?`, versionID); err != nil {
		return starkerr.Wrap(starkerr.Internal, "resources: set active flag", err)
	}
	if err := tx.Commit(); err != nil {
		return starkerr.Wrap(starkerr.Internal, "resources: commit", err)
	}

	s.mu.Lock()
	s.activeCache = nil
	s.mu.Unlock()
	return nil
}

// Rollback activates a prior version id. Per spec §4.5, rollback(v) ==
// activate(v): there is no separate rollback state.
func (s *Store) Rollback(ctx context.Context, versionID string) error {
	return s.Activate(ctx, versionID)
}

// ActiveBundle returns the currently active bundle, read through a cache
// invalidated on every Activate call.
func (s *Store) ActiveBundle(ctx context.Context) (*catalog.Bundle, error) {
	s.mu.RLock()
	if s.activeCache != nil {
		cached := *s.activeCache
		s.mu.RUnlock()
		return &cached, nil
	}
	s.mu.RUnlock()

	var b catalog.Bundle
	var createdAt string
	row := s.db.QueryRowContext(ctx, `SELECT version_id, label, description, created_at, is_active FROM bundles WHERE is_active = 1 LIMIT 1`)
	var isActive int
	if err := row.Scan(&b.VersionID, &b.Label, &b.Description, &createdAt, &isActive); err != nil {
		if err == sql.ErrNoRows {
			return nil, starkerr.New(starkerr.NotConfigured, "resources: no active bundle")
		}
		return nil, starkerr.Wrap(starkerr.Internal, "resources: query active bundle", err)
	}
	b.IsActive = isActive == 1
	if parsed, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		b.CreatedAt = parsed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name, kind, content, metadata_json FROM bundle_resources WHERE version_id = ?`, b.VersionID)
	if err != nil {
		return nil, starkerr.Wrap(starkerr.Internal, "resources: query resources", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r catalog.Resource
		var kind, metaJSON string
		if err := rows.Scan(&r.Name, &kind, &r.Content, &metaJSON); err != nil {
			return nil, starkerr.Wrap(starkerr.Internal, "resources: scan resource", err)
		}
		r.Kind = catalog.ResourceKind(kind)
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &r.Metadata)
		}
		b.Resources = append(b.Resources, r)
	}

	s.mu.Lock()
	cached := b
	s.activeCache = &cached
	s.mu.Unlock()
	return &b, nil
}

// ResolvePrompt returns the active bundle's named prompt, falling back to a
// compiled-in default (spec §4.5).
func (s *Store) ResolvePrompt(ctx context.Context, name string) (string, bool) {
	if bundle, err := s.ActiveBundle(ctx); err == nil {
		if content, ok := bundle.Prompt(name); ok {
			return content, true
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.defaultPrompt[name]
	return content, ok
}
