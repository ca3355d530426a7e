// Package memory implements the memory store (C6): redacted, taggable
// records with optional vector embeddings and a directed association graph,
// queried by full-text, vector, or hybrid search, with periodic importance
// decay and a merge operation (its writes are separate statements, not one
// transaction). Persistence uses
// modernc.org/sqlite with an FTS5 side table; vector search is brute-force
// cosine similarity via gonum.org/v1/gonum/floats, matching §4.6's "brute-
// force over candidate embeddings" design.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/starkbot/backend/pkg/starkerr"
)

// RecordType names a Memory Record's type (spec §3).
type RecordType string

const (
	TypeDailyLog     RecordType = "daily_log"
	TypeFact         RecordType = "fact"
	TypePreference   RecordType = "preference"
	TypeConversation RecordType = "conversation"
)

// AssociationType names the edge type of an Association (spec §3).
type AssociationType string

const (
	AssocRelated    AssociationType = "related"
	AssocCausedBy   AssociationType = "caused_by"
	AssocContradict AssociationType = "contradicts"
	AssocSupersedes AssociationType = "supersedes"
	AssocPartOf     AssociationType = "part_of"
	AssocReferences AssociationType = "references"
	AssocTemporal   AssociationType = "temporal"
)

// Record is a Memory Record (spec §3).
type Record struct {
	ID            string
	Type          RecordType
	Content       string
	Importance    float64
	Category      string
	Tags          []string
	Identity      string
	Session       string
	CreatedAt     time.Time
	LastAccessed  time.Time
	ExpiresAt     *time.Time
	SupersededBy  string
	RedactedTags  []string
}

// Association is a directed edge between two memory ids (spec §3).
type Association struct {
	SourceID string
	TargetID string
	Type     AssociationType
	Strength float64
}

// Store owns the sqlite-backed memory/embedding/association tables.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) the schema at path and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, starkerr.Wrap(starkerr.Internal, "memory: open database", err)
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			importance REAL NOT NULL,
			category TEXT,
			tags TEXT,
			identity TEXT,
			session TEXT,
			created_at TEXT NOT NULL,
			last_accessed TEXT NOT NULL,
			expires_at TEXT,
			superseded_by TEXT,
			redacted_tags TEXT
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			id UNINDEXED, content, tags
		)`,
		`CREATE TABLE IF NOT EXISTS embeddings (
			memory_id TEXT PRIMARY KEY,
			vector BLOB NOT NULL,
			model TEXT NOT NULL,
			dimensions INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS associations (
			source_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			type TEXT NOT NULL,
			strength REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assoc_source ON associations(source_id)`,
		`CREATE INDEX IF NOT EXISTS idx_assoc_target ON associations(target_id)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, starkerr.Wrap(starkerr.Internal, "memory: create schema", err)
		}
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// EmbeddingProvider computes a vector embedding for text, asynchronously
// invoked by Create when configured (spec §4.6 write path).
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) (vector []float32, model string, err error)
}

// Create redacts rec.Content, stores the record transactionally with its FTS
// row, and — if provider is non-nil — asynchronously computes and upserts
// its embedding (spec §4.6 Write path).
func (s *Store) Create(ctx context.Context, rec Record, provider EmbeddingProvider) (Record, error) {
	redacted, tags := Redact(rec.Content)
	rec.Content = redacted
	rec.RedactedTags = tags
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.LastAccessed = rec.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, starkerr.Wrap(starkerr.Internal, "memory: begin tx", err)
	}
	defer tx.Rollback()

	tagsJSON, _ := json.Marshal(rec.Tags)
	redactedJSON, _ := json.Marshal(rec.RedactedTags)
	if _, err := tx.ExecContext(ctx, `INSERT INTO memories(id, type, content, importance, category, tags, identity, session, created_at, last_accessed, expires_at, superseded_by, redacted_tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Type), rec.Content, rec.Importance, rec.Category, string(tagsJSON), rec.Identity, rec.Session,
		rec.CreatedAt.Format(time.RFC3339Nano), rec.LastAccessed.Format(time.RFC3339Nano), formatExpiry(rec.ExpiresAt), rec.SupersededBy, string(redactedJSON)); err != nil {
		return Record{}, starkerr.Wrap(starkerr.Internal, "memory: insert record", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO memories_fts(id, content, tags) VALUES (?, ?, ?)`,
		rec.ID, rec.Content, strings.Join(rec.Tags, " ")); err != nil {
		return Record{}, starkerr.Wrap(starkerr.Internal, "memory: insert fts row", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, starkerr.Wrap(starkerr.Internal, "memory: commit", err)
	}

	if provider != nil {
		go func() {
			vec, model, err := provider.Embed(context.Background(), rec.Content)
			if err != nil {
				return
			}
			_ = s.UpsertEmbedding(context.Background(), rec.ID, vec, model)
		}()
	}
	return rec, nil
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

// Get returns the record for id, or (Record{}, false) if unknown.
func (s *Store) Get(ctx context.Context, id string) (Record, bool) {
	row := s.db.QueryRowContext(ctx, `SELECT id, type, content, importance, category, tags, identity, session, created_at, last_accessed, expires_at, superseded_by, redacted_tags FROM memories WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		return Record{}, false
	}
	return rec, true
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var typ, tagsJSON, expiresAt, redactedJSON string
	if err := row.Scan(&rec.ID, &typ, &rec.Content, &rec.Importance, &rec.Category, &tagsJSON, &rec.Identity, &rec.Session,
		&scanTime{&rec.CreatedAt}, &scanTime{&rec.LastAccessed}, &expiresAt, &rec.SupersededBy, &redactedJSON); err != nil {
		return Record{}, err
	}
	rec.Type = RecordType(typ)
	_ = json.Unmarshal([]byte(tagsJSON), &rec.Tags)
	_ = json.Unmarshal([]byte(redactedJSON), &rec.RedactedTags)
	if expiresAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, expiresAt); err == nil {
			rec.ExpiresAt = &t
		}
	}
	return rec, nil
}

// scanTime adapts a *time.Time to sql.Scanner for RFC3339Nano TEXT columns.
type scanTime struct{ target *time.Time }

func (s *scanTime) Scan(src any) error {
	str, ok := src.(string)
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, str)
	if err != nil {
		return err
	}
	*s.target = t
	return nil
}

// Delete removes a record, its embedding, and every association incident on
// it, in one transaction (used by decay/prune).
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return starkerr.Wrap(starkerr.Internal, "memory: begin tx", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE memory_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM associations WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
		return err
	}
	return tx.Commit()
}
