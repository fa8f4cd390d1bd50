// Package session persists control-protocol sessions across process
// restarts. A session is keyed by (workspace_id, thread_id) and carries
// the lazily assigned backend host and vector collection binding.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Session is one persisted session row. Timestamps are unix seconds.
type Session struct {
	WorkspaceID    string  `json:"workspace_id"`
	ThreadID       string  `json:"thread_id"`
	ConversationID string  `json:"conversation_id,omitempty"`
	UserID         string  `json:"user_id,omitempty"`
	PersonaID      string  `json:"persona_id,omitempty"`
	HostURL        string  `json:"host_url,omitempty"`
	ModelID        string  `json:"model_id,omitempty"`
	HealthState    string  `json:"health_state"`
	CollectionName string  `json:"chroma_collection_name,omitempty"`
	CollectionID   string  `json:"chroma_collection_id,omitempty"`
	CreatedTS      float64 `json:"created_ts"`
	UpdatedTS      float64 `json:"updated_ts"`
}

// Store manages session persistence.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the session database at path with WAL mode
// and a busy timeout, then migrates the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store, err := NewStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an existing database connection and migrates the
// schema. Tests inject an in-memory database here.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate sessions: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			workspace_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			conversation_id TEXT,
			user_id TEXT,
			persona_id TEXT,
			host_url TEXT,
			model_id TEXT,
			health_state TEXT DEFAULT 'ok',
			chroma_collection_id TEXT,
			chroma_collection_name TEXT,
			created_ts REAL NOT NULL,
			updated_ts REAL NOT NULL,
			PRIMARY KEY (workspace_id, thread_id)
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_conversation
			ON sessions(conversation_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated
			ON sessions(updated_ts);
	`)
	if err != nil {
		return err
	}

	// Additive migrations for databases created by earlier releases.
	// Only the "duplicate column name" error is ignored.
	for _, stmt := range []struct {
		sql  string
		desc string
	}{
		{`ALTER TABLE sessions ADD COLUMN health_state TEXT DEFAULT 'ok'`, "health_state"},
		{`ALTER TABLE sessions ADD COLUMN chroma_collection_id TEXT`, "chroma_collection_id"},
		{`ALTER TABLE sessions ADD COLUMN chroma_collection_name TEXT`, "chroma_collection_name"},
	} {
		if _, err := s.db.Exec(stmt.sql); err != nil {
			if !strings.Contains(err.Error(), "duplicate column name") {
				return fmt.Errorf("migrate %s: %w", stmt.desc, err)
			}
		}
	}

	return nil
}

func nowTS() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// Upsert inserts or merges a session row. Empty incoming string fields
// preserve whatever the row already holds; updated_ts always advances.
// A fresh row with no health_state defaults to "ok"; the default never
// applies on merge, so an existing health value survives re-creates.
func (s *Store) Upsert(sess *Session) error {
	if sess.WorkspaceID == "" || sess.ThreadID == "" {
		return fmt.Errorf("upsert session: workspace and thread required")
	}

	now := nowTS()
	_, err := s.db.Exec(`
		INSERT INTO sessions (
			workspace_id, thread_id, conversation_id, user_id, persona_id,
			host_url, model_id, health_state,
			chroma_collection_id, chroma_collection_name,
			created_ts, updated_ts
		) VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''),
			NULLIF(?, ''), NULLIF(?, ''), COALESCE(NULLIF(?, ''), 'ok'),
			NULLIF(?, ''), NULLIF(?, ''), ?, ?)
		ON CONFLICT(workspace_id, thread_id) DO UPDATE SET
			conversation_id = COALESCE(excluded.conversation_id, sessions.conversation_id),
			user_id = COALESCE(excluded.user_id, sessions.user_id),
			persona_id = COALESCE(excluded.persona_id, sessions.persona_id),
			host_url = COALESCE(excluded.host_url, sessions.host_url),
			model_id = COALESCE(excluded.model_id, sessions.model_id),
			health_state = COALESCE(NULLIF(?, ''), sessions.health_state),
			chroma_collection_id = COALESCE(excluded.chroma_collection_id, sessions.chroma_collection_id),
			chroma_collection_name = COALESCE(excluded.chroma_collection_name, sessions.chroma_collection_name),
			updated_ts = excluded.updated_ts`,
		sess.WorkspaceID, sess.ThreadID, sess.ConversationID, sess.UserID,
		sess.PersonaID, sess.HostURL, sess.ModelID, sess.HealthState,
		sess.CollectionID, sess.CollectionName, now, now, sess.HealthState)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

const selectColumns = `workspace_id, thread_id, conversation_id, user_id,
	persona_id, host_url, model_id, health_state,
	chroma_collection_id, chroma_collection_name, created_ts, updated_ts`

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var conv, user, persona, host, model, health, colID, colName sql.NullString
	err := row.Scan(&sess.WorkspaceID, &sess.ThreadID, &conv, &user,
		&persona, &host, &model, &health, &colID, &colName,
		&sess.CreatedTS, &sess.UpdatedTS)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	sess.ConversationID = conv.String
	sess.UserID = user.String
	sess.PersonaID = persona.String
	sess.HostURL = host.String
	sess.ModelID = model.String
	sess.HealthState = health.String
	sess.CollectionID = colID.String
	sess.CollectionName = colName.String
	return &sess, nil
}

// Get returns the session for (workspace, thread), or nil when absent.
func (s *Store) Get(workspaceID, threadID string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT `+selectColumns+` FROM sessions WHERE workspace_id = ? AND thread_id = ?`,
		workspaceID, threadID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// FindByConversation returns the most recently updated session bound to
// a conversation id, or nil when none is.
func (s *Store) FindByConversation(conversationID string) (*Session, error) {
	if conversationID == "" {
		return nil, nil
	}
	row := s.db.QueryRow(
		`SELECT `+selectColumns+` FROM sessions
		 WHERE conversation_id = ? ORDER BY updated_ts DESC LIMIT 1`,
		conversationID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return sess, nil
}

// Touch bumps updated_ts for an existing session.
func (s *Store) Touch(workspaceID, threadID string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET updated_ts = ? WHERE workspace_id = ? AND thread_id = ?`,
		nowTS(), workspaceID, threadID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// SetHost records the lazily assigned backend host and model.
func (s *Store) SetHost(workspaceID, threadID, hostURL, modelID string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET host_url = ?, model_id = NULLIF(?, ''), updated_ts = ?
		 WHERE workspace_id = ? AND thread_id = ?`,
		hostURL, modelID, nowTS(), workspaceID, threadID)
	if err != nil {
		return fmt.Errorf("set session host: %w", err)
	}
	return nil
}

// SetCollection records the session's vector collection binding.
func (s *Store) SetCollection(workspaceID, threadID, name, id string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET chroma_collection_name = ?, chroma_collection_id = ?, updated_ts = ?
		 WHERE workspace_id = ? AND thread_id = ?`,
		name, id, nowTS(), workspaceID, threadID)
	if err != nil {
		return fmt.Errorf("set session collection: %w", err)
	}
	return nil
}

// SetHealth records the session's backend health state.
func (s *Store) SetHealth(workspaceID, threadID, state string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET health_state = ?, updated_ts = ?
		 WHERE workspace_id = ? AND thread_id = ?`,
		state, nowTS(), workspaceID, threadID)
	if err != nil {
		return fmt.Errorf("set session health: %w", err)
	}
	return nil
}

// Count returns the number of stored sessions.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// PruneIdle deletes sessions idle longer than ttl and returns how many
// were removed.
func (s *Store) PruneIdle(ttl time.Duration) (int64, error) {
	cutoff := nowTS() - ttl.Seconds()
	res, err := s.db.Exec(`DELETE FROM sessions WHERE updated_ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RunPruner sweeps idle sessions on a fixed interval until ctx is
// canceled. Failures are logged and the loop keeps running.
func (s *Store) RunPruner(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PruneIdle(ttl)
			if err != nil {
				s.logger.Error("session prune failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("pruned idle sessions", "count", n, "ttl", ttl)
			}
		}
	}
}
