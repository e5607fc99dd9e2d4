package persistence

import (
	"database/sql"
	"fmt"
	"time"
)

// CreatePending inserts a new unresolved pending approval row.
func (s *Store) CreatePending(requestID, sessionID, tool, target, risk, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO pending_approvals (request_id, session_id, tool, target, risk, payload, created_at, resolved_at, resolution)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL, '')`,
		requestID, sessionID, tool, target, risk, payload, formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("create pending %s: %w", requestID, err)
	}
	return nil
}

// GetPending returns the unresolved pending approval with requestID, or
// (nil, nil) if it doesn't exist or is already resolved.
func (s *Store) GetPending(requestID string) (*PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT request_id, session_id, tool, target, risk, payload, created_at, resolved_at, resolution
		 FROM pending_approvals WHERE request_id = ? AND resolved_at IS NULL`, requestID,
	)
	pa, err := scanPending(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending %s: %w", requestID, err)
	}
	return pa, nil
}

// PendingForSession returns every unresolved pending approval for sessionID.
func (s *Store) PendingForSession(sessionID string) ([]PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT request_id, session_id, tool, target, risk, payload, created_at, resolved_at, resolution
		 FROM pending_approvals WHERE session_id = ? AND resolved_at IS NULL ORDER BY created_at ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("pending for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []PendingApproval
	for rows.Next() {
		pa, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		out = append(out, *pa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	if out == nil {
		out = []PendingApproval{}
	}
	return out, nil
}

// ResolvePending sets resolved_at/resolution for requestID.
func (s *Store) ResolvePending(requestID string, resolution Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE pending_approvals SET resolved_at = ?, resolution = ? WHERE request_id = ?`,
		formatTime(time.Now().UTC()), string(resolution), requestID,
	)
	if err != nil {
		return fmt.Errorf("resolve pending %s: %w", requestID, err)
	}
	return nil
}

// CountPendingUnresolved returns the number of unresolved pending approvals
// for sessionID, used to enforce the per-session pending cap.
func (s *Store) CountPendingUnresolved(sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM pending_approvals WHERE session_id = ? AND resolved_at IS NULL`, sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending %s: %w", sessionID, err)
	}
	return count, nil
}

func scanPending(row rowScanner) (*PendingApproval, error) {
	var pa PendingApproval
	var createdAt string
	var resolvedAt sql.NullString
	var resolution string

	err := row.Scan(&pa.RequestID, &pa.SessionID, &pa.Tool, &pa.Target, &pa.Risk, &pa.Payload, &createdAt, &resolvedAt, &resolution)
	if err != nil {
		return nil, err
	}
	pa.CreatedAt = parseTime(createdAt)
	if resolvedAt.Valid && resolvedAt.String != "" {
		t := parseTime(resolvedAt.String)
		pa.ResolvedAt = &t
	}
	pa.Resolution = Resolution(resolution)
	return &pa, nil
}
