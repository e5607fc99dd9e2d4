package persistence

import (
	"fmt"
	"time"
)

// InsertEvent appends one event row. A (sessionID, seq) collision is an
// error — the caller (Session Manager) is responsible for a monotonic seq.
func (s *Store) InsertEvent(sessionID string, seq int64, eventType, payload string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT INTO events (session_id, seq, event_type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, seq, eventType, payload, formatTime(time.Now().UTC()),
	)
	if err != nil {
		return 0, fmt.Errorf("insert event session=%s seq=%d: %w", sessionID, seq, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted event id: %w", err)
	}
	return id, nil
}

// EventsSince returns events for sessionID with seq > afterSeq, ascending,
// capped at limit rows.
func (s *Store) EventsSince(sessionID string, afterSeq int64, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, session_id, seq, event_type, payload, created_at FROM events
		 WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		sessionID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("events since %s/%d: %w", sessionID, afterSeq, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var createdAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.EventType, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	if out == nil {
		out = []Event{}
	}
	return out, nil
}

// LatestSeq returns the highest seq recorded for sessionID, or 0 if none.
func (s *Store) LatestSeq(sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seq int64
	err := s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest seq %s: %w", sessionID, err)
	}
	return seq, nil
}

// SearchEvents runs an FTS5 full-text search over event_type/payload,
// optionally restricted to one session. The query is quoted verbatim so
// FTS5 operator syntax (AND/OR/NOT/column filters) in user input is treated
// as literal text rather than interpreted.
func (s *Store) SearchEvents(query string, sessionID string, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	quoted := quoteFTSQuery(query)

	sqlQuery := `
		SELECT e.id, e.session_id, e.seq, e.event_type, e.payload, e.created_at
		FROM events e
		JOIN events_fts ON events_fts.rowid = e.id
		WHERE events_fts MATCH ?`
	args := []any{quoted}
	if sessionID != "" {
		sqlQuery += ` AND e.session_id = ?`
		args = append(args, sessionID)
	}
	sqlQuery += ` ORDER BY e.seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var createdAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.EventType, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search results: %w", err)
	}
	if out == nil {
		out = []Event{}
	}
	return out, nil
}

// quoteFTSQuery wraps query in double quotes and escapes any embedded
// double quote, so FTS5's query-syntax operators never apply to user input.
func quoteFTSQuery(query string) string {
	escaped := ""
	for _, r := range query {
		if r == '"' {
			escaped += `""`
		} else {
			escaped += string(r)
		}
	}
	return `"` + escaped + `"`
}
