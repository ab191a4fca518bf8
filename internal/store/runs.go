package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Run struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Task         string          `json:"task"`
	Status       string          `json:"status"`
	TurnBudget   int             `json:"turn_budget"`
	Participants json.RawMessage `json:"participants"`
	Result       json.RawMessage `json:"result,omitempty"`
	Failure      json.RawMessage `json:"failure,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*Run, error) {
	r := &Run{}
	var participants string
	var result, failure *string
	err := scanner.Scan(&r.ID, &r.Kind, &r.Task, &r.Status, &r.TurnBudget, &participants, &result, &failure, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	r.Participants = json.RawMessage(participants)
	if result != nil {
		r.Result = json.RawMessage(*result)
	}
	if failure != nil {
		r.Failure = json.RawMessage(*failure)
	}
	return r, nil
}

const runColumns = `id, kind, task, status, turn_budget, participants, result, failure, started_at, completed_at`

// terminalStatuses lists run statuses that stamp completed_at.
const terminalStatuses = `('approved', 'completed', 'turn_exhausted', 'failed')`

func (s *Store) SaveRun(r *Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, kind, task, status, turn_budget, participants, result, failure)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			participants = excluded.participants,
			result = excluded.result,
			failure = excluded.failure,
			completed_at = CASE WHEN excluded.status IN `+terminalStatuses+` THEN CURRENT_TIMESTAMP ELSE completed_at END`,
		r.ID, r.Kind, r.Task, r.Status, r.TurnBudget, string(r.Participants), nullJSON(r.Result), nullJSON(r.Failure))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *Store) ListRuns() ([]Run, error) {
	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// CompletedRunIDs returns the ids of runs that reached a terminal status.
func (s *Store) CompletedRunIDs() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT id FROM runs WHERE status IN ` + terminalStatuses)
	if err != nil {
		return nil, fmt.Errorf("completed runs: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

func (s *Store) DeleteRun(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM log_entries WHERE run_id = ?`,
		`DELETE FROM sessions WHERE run_id = ?`,
		`DELETE FROM runs WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) UpdateRun(id string, status string, result, failure json.RawMessage) error {
	_, err := s.db.Exec(`
		UPDATE runs
		SET status = ?, result = ?, failure = ?,
		    completed_at = CASE WHEN ? IN `+terminalStatuses+` THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = ?`, status, nullJSON(result), nullJSON(failure), status, id)
	return err
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
