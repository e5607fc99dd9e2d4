package persistence

import (
	"fmt"
	"regexp"
	"time"

	"github.com/pyyush/agent-pager-sub000/internal/risk"
)

// AddTrustRule inserts a new auto-approval rule and returns its id.
func (s *Store) AddTrustRule(rule TrustRule) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.Exec(
		`INSERT INTO trust_rules (tool, target_pattern, risk_max, scope, session_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rule.Tool, rule.TargetPattern, rule.RiskMax, string(rule.Scope), rule.SessionID, formatTime(rule.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("add trust rule: %w", err)
	}
	return res.LastInsertId()
}

// ClearSessionTrustRules removes every session-scoped trust rule for sessionID.
func (s *Store) ClearSessionTrustRules(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM trust_rules WHERE scope = 'session' AND session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("clear trust rules for %s: %w", sessionID, err)
	}
	return nil
}

// CheckTrustRule reports whether any stored rule auto-approves
// (tool, target, riskLevel) for sessionID, per spec.md §3: session-scoped
// rules are considered before global ones, first match wins.
func (s *Store) CheckTrustRule(tool, target string, riskLevel risk.Level, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT target_pattern, risk_max FROM trust_rules
		 WHERE tool = ? AND (
		   (scope = 'session' AND session_id = ?) OR scope = 'global'
		 )
		 ORDER BY CASE scope WHEN 'session' THEN 0 ELSE 1 END, id ASC`,
		tool, sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("check trust rule: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pattern, riskMax string
		if err := rows.Scan(&pattern, &riskMax); err != nil {
			return false, fmt.Errorf("scan trust rule: %w", err)
		}
		if !riskLevel.AtMost(risk.Level(riskMax)) {
			continue
		}
		if pattern != "" {
			matched, err := regexp.MatchString(pattern, target)
			if err != nil || !matched {
				continue
			}
		}
		return true, nil
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterate trust rules: %w", err)
	}
	return false, nil
}
