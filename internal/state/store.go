package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/switchboard/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	key            TEXT PRIMARY KEY,
	created_at     TEXT NOT NULL,
	last_active_at TEXT NOT NULL,
	config         TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_key TEXT NOT NULL,
	run_id      TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	author      TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL DEFAULT '',
	payload     TEXT,
	archived    INTEGER NOT NULL DEFAULT 0,
	compacted   INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_key, id);
`

// Store is the sqlite-backed transcript and session store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath and ensures the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Serialized access keeps modernc's single-writer model happy.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const timeLayout = time.RFC3339Nano

// ResolveSession returns the session for key, creating it on first use and
// bumping last_active_at on every call.
func (s *Store) ResolveSession(ctx context.Context, key types.SessionKey) (*types.Session, error) {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (key, created_at, last_active_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET last_active_at = excluded.last_active_at`,
		string(key), now, now)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	return s.getSession(ctx, key)
}

func (s *Store) getSession(ctx context.Context, key types.SessionKey) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, created_at, last_active_at, config FROM sessions WHERE key = ?`, string(key))
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		key, created, lastActive, cfg string
	)
	if err := row.Scan(&key, &created, &lastActive, &cfg); err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	createdAt, err := time.Parse(timeLayout, created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	lastActiveAt, err := time.Parse(timeLayout, lastActive)
	if err != nil {
		return nil, fmt.Errorf("parse last_active_at: %w", err)
	}
	return &types.Session{
		Key:          types.SessionKey(key),
		CreatedAt:    createdAt,
		LastActiveAt: lastActiveAt,
		Config:       json.RawMessage(cfg),
	}, nil
}

// ListSessions returns all sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, created_at, last_active_at, config FROM sessions ORDER BY last_active_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SessionConfig returns the session's settings override blob.
func (s *Store) SessionConfig(ctx context.Context, key types.SessionKey) (json.RawMessage, error) {
	var cfg string
	err := s.db.QueryRowContext(ctx,
		`SELECT config FROM sessions WHERE key = ?`, string(key)).Scan(&cfg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session config: %w", err)
	}
	return json.RawMessage(cfg), nil
}

// SetSessionConfig stores the session's settings override blob, creating the
// session row if it does not exist yet.
func (s *Store) SetSessionConfig(ctx context.Context, key types.SessionKey, cfg json.RawMessage) error {
	if len(cfg) == 0 {
		cfg = json.RawMessage("{}")
	}
	if !json.Valid(cfg) {
		return fmt.Errorf("session config is not valid JSON")
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (key, created_at, last_active_at, config) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET config = excluded.config`,
		string(key), now, now, string(cfg))
	if err != nil {
		return fmt.Errorf("set session config: %w", err)
	}
	return nil
}

// InsertMessage appends one transcript row. The row's ID is filled in.
func (s *Store) InsertMessage(ctx context.Context, msg *types.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	payload := ""
	if len(msg.Payload) > 0 {
		payload = string(msg.Payload)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_key, run_id, kind, author, content, payload, archived, compacted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(msg.SessionKey), string(msg.RunID), msg.Kind, msg.Author, msg.Content,
		payload, boolInt(msg.Archived), boolInt(msg.Compacted),
		msg.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	msg.ID, _ = res.LastInsertId()
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// RecentMessages returns the newest rows for a session matching the query,
// oldest first.
func (s *Store) RecentMessages(ctx context.Context, key types.SessionKey, q types.HistoryQuery) ([]*types.Message, error) {
	where := []string{"session_key = ?"}
	args := []any{string(key)}
	appendHistoryFilters(&where, q)

	query := fmt.Sprintf(`
		SELECT id, session_key, run_id, kind, author, content, payload, archived, compacted, created_at
		FROM messages WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(where, " AND "))
	args = append(args, q.Limit)

	return s.queryMessages(ctx, query, args...)
}

// RecentAcrossSessions returns the newest rows from every session except the
// excluded one, oldest first.
func (s *Store) RecentAcrossSessions(ctx context.Context, exclude types.SessionKey, q types.HistoryQuery) ([]*types.Message, error) {
	where := []string{"session_key != ?"}
	args := []any{string(exclude)}
	appendHistoryFilters(&where, q)

	query := fmt.Sprintf(`
		SELECT id, session_key, run_id, kind, author, content, payload, archived, compacted, created_at
		FROM messages WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(where, " AND "))
	args = append(args, q.Limit)

	return s.queryMessages(ctx, query, args...)
}

func appendHistoryFilters(where *[]string, q types.HistoryQuery) {
	if !q.IncludeArchived {
		*where = append(*where, "archived = 0")
	}
	if !q.IncludeCompacted {
		*where = append(*where, "compacted = 0")
	}
	if !q.IncludeTools {
		*where = append(*where, fmt.Sprintf("kind NOT IN ('%s', '%s')",
			types.MessageToolStart, types.MessageToolEnd))
	}
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*types.Message
	for rows.Next() {
		var (
			msg              types.Message
			key, runID       string
			payload, created string
			archived, compacted int
		)
		if err := rows.Scan(&msg.ID, &key, &runID, &msg.Kind, &msg.Author, &msg.Content,
			&payload, &archived, &compacted, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.SessionKey = types.SessionKey(key)
		msg.RunID = types.RunID(runID)
		if payload != "" {
			msg.Payload = json.RawMessage(payload)
		}
		msg.Archived = archived != 0
		msg.Compacted = compacted != 0
		msg.CreatedAt, err = time.Parse(timeLayout, created)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first query, chronological result.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CountUncompacted counts not-yet-compacted rows for a session, optionally
// restricted to the given kinds.
func (s *Store) CountUncompacted(ctx context.Context, key types.SessionKey, kinds []string) (int64, error) {
	query := `SELECT COUNT(*) FROM messages WHERE session_key = ? AND compacted = 0`
	args := []any{string(key)}
	if len(kinds) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(kinds)), ",")
		query += fmt.Sprintf(" AND kind IN (%s)", placeholders)
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count uncompacted: %w", err)
	}
	return count, nil
}

// CountUnarchived counts not-yet-archived rows for a session.
func (s *Store) CountUnarchived(ctx context.Context, key types.SessionKey) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_key = ? AND archived = 0`,
		string(key)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unarchived: %w", err)
	}
	return count, nil
}

// MarkArchived flags every message in the session as archived.
func (s *Store) MarkArchived(ctx context.Context, key types.SessionKey) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET archived = 1 WHERE session_key = ?`, string(key))
	if err != nil {
		return fmt.Errorf("mark archived: %w", err)
	}
	return nil
}

// MarkCompacted flags every message in the session as compacted.
func (s *Store) MarkCompacted(ctx context.Context, key types.SessionKey) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET compacted = 1 WHERE session_key = ?`, string(key))
	if err != nil {
		return fmt.Errorf("mark compacted: %w", err)
	}
	return nil
}

func (s *Store) MarkOldestCompacted(ctx context.Context, key types.SessionKey, n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET compacted = 1 WHERE id IN (
			SELECT id FROM messages
			WHERE session_key = ? AND compacted = 0
			ORDER BY id ASC LIMIT ?)`, string(key), n)
	if err != nil {
		return fmt.Errorf("mark oldest compacted: %w", err)
	}
	return nil
}
