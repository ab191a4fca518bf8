package store

import (
	"fmt"
	"time"
)

type Session struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Name       string    `json:"name"`
	Role       string    `json:"role"`
	Model      string    `json:"model,omitempty"`
	Workspace  string    `json:"workspace,omitempty"`
	TurnBudget int       `json:"turn_budget"`
	TurnCount  int       `json:"turn_count"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (s *Store) SaveSession(sess *Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, run_id, name, role, model, workspace, turn_budget, turn_count, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			turn_count = excluded.turn_count,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP`,
		sess.ID, sess.RunID, sess.Name, sess.Role, sess.Model, sess.Workspace, sess.TurnBudget, sess.TurnCount, sess.Status)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Store) ListSessions(runID string) ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, name, role, COALESCE(model, ''), COALESCE(workspace, ''),
		       turn_budget, turn_count, status, created_at, updated_at
		FROM sessions
		WHERE run_id = ?
		ORDER BY created_at, name`, runID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.RunID, &sess.Name, &sess.Role, &sess.Model, &sess.Workspace,
			&sess.TurnBudget, &sess.TurnCount, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
