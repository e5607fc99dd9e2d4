package persistence

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateSession inserts a new session row. Calling it twice for the same id
// is an error — sessions are created exactly once per spec.
func (s *Store) CreateSession(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = now
	}
	if sess.Metadata == "" {
		sess.Metadata = "{}"
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions (id, agent, agent_version, task, cwd, multiplexer_session_name, status, auto_approve, created_at, updated_at, finished_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Agent, sess.AgentVersion, sess.Task, sess.Cwd, sess.MultiplexerName,
		string(sess.Status), boolToInt(sess.AutoApprove), formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt),
		formatTimePtr(sess.FinishedAt), sess.Metadata,
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession returns the session with id, or (nil, nil) if none exists.
func (s *Store) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, agent, agent_version, task, cwd, multiplexer_session_name, status, auto_approve, created_at, updated_at, finished_at, metadata
		 FROM sessions WHERE id = ?`, id,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns all sessions, optionally filtered to active
// (non-terminal) statuses only.
func (s *Store) ListSessions(activeOnly bool) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, agent, agent_version, task, cwd, multiplexer_session_name, status, auto_approve, created_at, updated_at, finished_at, metadata FROM sessions`
	if activeOnly {
		query += ` WHERE status NOT IN ('done', 'stopped', 'error')`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	if out == nil {
		out = []Session{}
	}
	return out, nil
}

// UpdateStatus sets status and updated_at, and finished_at iff the new
// status is terminal and finished_at was previously unset.
func (s *Store) UpdateStatus(id string, status SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now().UTC())
	if status.IsTerminal() {
		_, err := s.db.Exec(
			`UPDATE sessions SET status = ?, updated_at = ?, finished_at = COALESCE(finished_at, ?) WHERE id = ?`,
			string(status), now, now, id,
		)
		if err != nil {
			return fmt.Errorf("update status %s: %w", id, err)
		}
		return nil
	}

	_, err := s.db.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, string(status), now, id)
	if err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}
	return nil
}

// UpdateMultiplexerName updates the multiplexer session name bound to id.
func (s *Store) UpdateMultiplexerName(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE sessions SET multiplexer_session_name = ?, updated_at = ? WHERE id = ?`,
		name, formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("update multiplexer name %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var statusStr string
	var autoApprove int
	var createdAt, updatedAt string
	var finishedAt sql.NullString

	err := row.Scan(
		&sess.ID, &sess.Agent, &sess.AgentVersion, &sess.Task, &sess.Cwd, &sess.MultiplexerName,
		&statusStr, &autoApprove, &createdAt, &updatedAt, &finishedAt, &sess.Metadata,
	)
	if err != nil {
		return nil, err
	}

	sess.Status = SessionStatus(statusStr)
	sess.AutoApprove = autoApprove != 0
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	if finishedAt.Valid && finishedAt.String != "" {
		t := parseTime(finishedAt.String)
		sess.FinishedAt = &t
	}
	return &sess, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
