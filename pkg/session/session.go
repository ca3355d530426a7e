// Package session implements per-channel session and agent-context state
// (C7): one row per (channel_type, channel_id, platform_chat_id), an
// append-only transcript with monotonic message ids, and a reset policy
// (explicit/idle/daily) that clears working context without deleting
// history. Persistence follows pkg/resources and pkg/memory's
// modernc.org/sqlite convention.
package session

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/starkbot/backend/pkg/starkerr"
)

// Scope names the kind of channel a Session belongs to (spec §3).
type Scope string

const (
	ScopeDM    Scope = "dm"
	ScopeGroup Scope = "group"
	ScopeAPI   Scope = "api"
)

// ResetPolicy names when a Session's working context is cleared (spec §4.7).
type ResetPolicy string

const (
	ResetExplicit ResetPolicy = "explicit"
	ResetIdle     ResetPolicy = "idle"
	ResetDaily    ResetPolicy = "daily"
)

// Key identifies a Session (spec §3: unique on channel_type, channel_id,
// platform_chat_id).
type Key struct {
	ChannelType     string
	ChannelID       string
	PlatformChatID  string
}

// Session is the per-channel conversational state (spec §3).
type Session struct {
	ID             string
	Key            Key
	Scope          Scope
	ResetPolicy    ResetPolicy
	IdleTimeout    time.Duration
	DailyResetHour int // 0-23 local hour, only meaningful when ResetPolicy == ResetDaily
	ActiveSkill    string
	CreatedAt      time.Time
	LastActive     time.Time
}

// Message is one append-only transcript entry (spec §4.7).
type Message struct {
	MessageID int64 // monotonic per session
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Store owns the sessions and session_messages tables.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) the schema at path and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, starkerr.Wrap(starkerr.Internal, "session: open database", err)
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			channel_type TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			platform_chat_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			reset_policy TEXT NOT NULL,
			idle_timeout_seconds INTEGER NOT NULL DEFAULT 0,
			daily_reset_hour INTEGER NOT NULL DEFAULT 0,
			active_skill TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			last_active TEXT NOT NULL,
			UNIQUE(channel_type, channel_id, platform_chat_id)
		)`,
		`CREATE TABLE IF NOT EXISTS session_messages (
			session_id TEXT NOT NULL,
			message_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (session_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS session_message_counters (
			session_id TEXT PRIMARY KEY,
			next_message_id INTEGER NOT NULL DEFAULT 1
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, starkerr.Wrap(starkerr.Internal, "session: create schema", err)
		}
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Resolve returns the session for key, creating it on first message (spec
// §4.7 "Create on first message").
func (s *Store) Resolve(ctx context.Context, key Key, scope Scope, policy ResetPolicy) (Session, error) {
	if sess, ok, err := s.lookup(ctx, key); err != nil {
		return Session{}, err
	} else if ok {
		return sess, nil
	}

	now := time.Now().UTC()
	sess := Session{
		ID:          uuid.NewString(),
		Key:         key,
		Scope:       scope,
		ResetPolicy: policy,
		CreatedAt:   now,
		LastActive:  now,
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions(id, channel_type, channel_id, platform_chat_id, scope, reset_policy, idle_timeout_seconds, daily_reset_hour, active_skill, created_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		sess.ID, key.ChannelType, key.ChannelID, key.PlatformChatID, string(scope), string(policy), 0, 0,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		// Unique-constraint race: another caller created it first, read it back.
		if existing, ok, lookupErr := s.lookup(ctx, key); lookupErr == nil && ok {
			return existing, nil
		}
		return Session{}, starkerr.Wrap(starkerr.Internal, "session: insert", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO session_message_counters(session_id, next_message_id) VALUES (?, 1)`, sess.ID); err != nil {
		return Session{}, starkerr.Wrap(starkerr.Internal, "session: init message counter", err)
	}
	return sess, nil
}

func (s *Store) lookup(ctx context.Context, key Key) (Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, channel_type, channel_id, platform_chat_id, scope, reset_policy, idle_timeout_seconds, daily_reset_hour, active_skill, created_at, last_active
		FROM sessions WHERE channel_type = ? AND channel_id = ? AND platform_chat_id = ?`,
		key.ChannelType, key.ChannelID, key.PlatformChatID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, starkerr.Wrap(starkerr.Internal, "session: lookup", err)
	}
	return sess, true, nil
}

func scanSession(row *sql.Row) (Session, error) {
	var sess Session
	var scope, policy, createdAt, lastActive string
	var idleSeconds int64
	if err := row.Scan(&sess.ID, &sess.Key.ChannelType, &sess.Key.ChannelID, &sess.Key.PlatformChatID, &scope, &policy,
		&idleSeconds, &sess.DailyResetHour, &sess.ActiveSkill, &createdAt, &lastActive); err != nil {
		return Session{}, err
	}
	sess.Scope = Scope(scope)
	sess.ResetPolicy = ResetPolicy(policy)
	sess.IdleTimeout = time.Duration(idleSeconds) * time.Second
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.LastActive, _ = time.Parse(time.RFC3339Nano, lastActive)
	return sess, nil
}

// Touch updates last_active to now (call on every inbound message before
// evaluating reset policy).
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_active = ? WHERE id = ?`, time.Now().UTC().Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return starkerr.Wrap(starkerr.Internal, "session: touch", err)
	}
	return nil
}

// SetActiveSkill records which skill (if any) is active for the session.
func (s *Store) SetActiveSkill(ctx context.Context, sessionID, skillName string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET active_skill = ? WHERE id = ?`, skillName, sessionID)
	if err != nil {
		return starkerr.Wrap(starkerr.Internal, "session: set active skill", err)
	}
	return nil
}

// Reset clears the active skill for sessionID (spec §4.7: "clears the agent
// context, the active skill, and transcript pointer; it does not delete
// persisted messages"). The transcript pointer is represented implicitly —
// AppendMessage always continues the monotonic counter, and callers resume
// reading from whatever cursor they track themselves, so clearing it here
// means nothing more than resetting active_skill; persisted messages are
// untouched.
func (s *Store) Reset(ctx context.Context, sessionID string) error {
	return s.SetActiveSkill(ctx, sessionID, "")
}

// ShouldReset reports whether sess's reset policy fires given now (spec
// §4.7). ResetExplicit never fires here — it is driven by an explicit
// caller action, not time.
func (sess Session) ShouldReset(now time.Time) bool {
	switch sess.ResetPolicy {
	case ResetIdle:
		return sess.IdleTimeout > 0 && now.Sub(sess.LastActive) >= sess.IdleTimeout
	case ResetDaily:
		localHour := now.Hour()
		return localHour == sess.DailyResetHour && now.Sub(sess.LastActive) >= time.Hour
	default:
		return false
	}
}

// AppendMessage assigns the next monotonic message_id for sessionID and
// persists the message, both inside one transaction so two concurrent
// appends never race onto the same id.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, starkerr.Wrap(starkerr.Internal, "session: begin tx", err)
	}
	defer tx.Rollback()

	var nextID int64
	if err := tx.QueryRowContext(ctx, `SELECT next_message_id FROM session_message_counters WHERE session_id = ?`, sessionID).Scan(&nextID); err != nil {
		if err == sql.ErrNoRows {
			nextID = 1
			if _, err := tx.ExecContext(ctx, `INSERT INTO session_message_counters(session_id, next_message_id) VALUES (?, ?)`, sessionID, nextID); err != nil {
				return Message{}, starkerr.Wrap(starkerr.Internal, "session: init counter", err)
			}
		} else {
			return Message{}, starkerr.Wrap(starkerr.Internal, "session: read counter", err)
		}
	}

	now := time.Now().UTC()
	msg := Message{MessageID: nextID, SessionID: sessionID, Role: role, Content: content, CreatedAt: now}
	if _, err := tx.ExecContext(ctx, `INSERT INTO session_messages(session_id, message_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, nextID, role, content, now.Format(time.RFC3339Nano)); err != nil {
		return Message{}, starkerr.Wrap(starkerr.Internal, "session: insert message", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE session_message_counters SET next_message_id = ? WHERE session_id = ?`, nextID+1, sessionID); err != nil {
		return Message{}, starkerr.Wrap(starkerr.Internal, "session: bump counter", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, starkerr.Wrap(starkerr.Internal, "session: commit", err)
	}
	return msg, nil
}

// Transcript returns every message for sessionID in message_id order.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, message_id, role, content, created_at FROM session_messages WHERE session_id = ? ORDER BY message_id ASC`, sessionID)
	if err != nil {
		return nil, starkerr.Wrap(starkerr.Internal, "session: query transcript", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.SessionID, &m.MessageID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, starkerr.Wrap(starkerr.Internal, "session: scan message", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, m)
	}
	return out, nil
}

// MessageCount returns the exact number of messages in sessionID's
// transcript (spec §4.7: "Count queries must return exact counts").
func (s *Store) MessageCount(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM session_messages WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
		return 0, starkerr.Wrap(starkerr.Internal, "session: count messages", err)
	}
	return count, nil
}
