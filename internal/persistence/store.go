// Package persistence provides SQLite-backed durable storage for gateway
// sessions, the append-only event log, pending approvals, trust rules, and
// FTS-backed event search.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"
)

// Store provides durable gateway state backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at dbPath, enabling WAL mode and
// a busy timeout suited to a write-heavy, many-reader workload.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations idempotently, tracked by schema_version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1Sessions,
		migrateV2Events,
		migrateV3Pending,
		migrateV4TrustRules,
		migrateV5FTS,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

func migrateV1Sessions(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			agent_version TEXT NOT NULL DEFAULT '',
			task TEXT NOT NULL DEFAULT '',
			cwd TEXT NOT NULL DEFAULT '',
			multiplexer_session_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			auto_approve INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			finished_at TEXT,
			metadata TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`)
	return err
}

func migrateV2Events(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			UNIQUE(session_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq);
	`)
	return err
}

func migrateV3Pending(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_approvals (
			request_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			tool TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			risk TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			resolved_at TEXT,
			resolution TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_pending_session ON pending_approvals(session_id);
		CREATE INDEX IF NOT EXISTS idx_pending_unresolved ON pending_approvals(session_id) WHERE resolved_at IS NULL;
	`)
	return err
}

func migrateV4TrustRules(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS trust_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tool TEXT NOT NULL,
			target_pattern TEXT NOT NULL DEFAULT '',
			risk_max TEXT NOT NULL,
			scope TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trust_rules_tool ON trust_rules(tool);
	`)
	return err
}

// migrateV5FTS adds an FTS5 virtual table mirroring events(payload) for
// search_events, kept in sync by insert/update/delete triggers since
// events are otherwise append-only (update/delete triggers exist defensively
// for the rare administrative correction, not the normal write path).
func migrateV5FTS(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
			event_type, payload, content='events', content_rowid='id'
		);

		CREATE TRIGGER IF NOT EXISTS events_fts_insert AFTER INSERT ON events BEGIN
			INSERT INTO events_fts(rowid, event_type, payload) VALUES (new.id, new.event_type, new.payload);
		END;

		CREATE TRIGGER IF NOT EXISTS events_fts_delete AFTER DELETE ON events BEGIN
			INSERT INTO events_fts(events_fts, rowid, event_type, payload) VALUES ('delete', old.id, old.event_type, old.payload);
		END;

		CREATE TRIGGER IF NOT EXISTS events_fts_update AFTER UPDATE ON events BEGIN
			INSERT INTO events_fts(events_fts, rowid, event_type, payload) VALUES ('delete', old.id, old.event_type, old.payload);
			INSERT INTO events_fts(rowid, event_type, payload) VALUES (new.id, new.event_type, new.payload);
		END;
	`)
	return err
}

// Stats summarizes store size: row counts and the database size in bytes.
type Stats struct {
	SessionCount int
	EventCount   int
	PendingCount int
	DBSizeBytes  int64
}

// Stats returns a snapshot of store size. Nothing in the gateway compares it
// against gatewaylimits.SoftWarnDBBytes.
func (s *Store) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&st.SessionCount); err != nil {
		return st, fmt.Errorf("count sessions: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&st.EventCount); err != nil {
		return st, fmt.Errorf("count events: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM pending_approvals WHERE resolved_at IS NULL").Scan(&st.PendingCount); err != nil {
		return st, fmt.Errorf("count pending: %w", err)
	}
	var pageCount, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return st, fmt.Errorf("read page_count: %w", err)
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return st, fmt.Errorf("read page_size: %w", err)
	}
	st.DBSizeBytes = pageCount * pageSize
	return st, nil
}

// PruneSessions deletes terminal sessions (and their events/pending rows)
// whose finished_at predates the cutoff, expressed as an RFC3339 timestamp
// so callers control clock access rather than this package.
func (s *Store) PruneSessions(cutoffRFC3339 string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin prune transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		"SELECT id FROM sessions WHERE finished_at IS NOT NULL AND finished_at < ?",
		cutoffRFC3339,
	)
	if err != nil {
		return 0, fmt.Errorf("select prunable sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan prunable session id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate prunable sessions: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.Exec("DELETE FROM pending_approvals WHERE session_id = ?", id); err != nil {
			return 0, fmt.Errorf("prune pending for %s: %w", id, err)
		}
		if _, err := tx.Exec("DELETE FROM events WHERE session_id = ?", id); err != nil {
			return 0, fmt.Errorf("prune events for %s: %w", id, err)
		}
		if _, err := tx.Exec("DELETE FROM sessions WHERE id = ?", id); err != nil {
			return 0, fmt.Errorf("prune session %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune transaction: %w", err)
	}
	return len(ids), nil
}
