package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type LogEntry struct {
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	AgentID   string          `json:"agent_id"`
	Kind      string          `json:"kind"`
	Phase     string          `json:"phase,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// LogQuery narrows QueryLogEntries. Zero values match everything.
type LogQuery struct {
	AgentID string
	Kinds   []string
	FromSeq int64
	ToSeq   int64
	Limit   int
}

func (s *Store) AppendLogEntry(e *LogEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO log_entries (run_id, seq, ts, agent_id, kind, phase, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Seq, e.Timestamp.UTC(), e.AgentID, e.Kind, e.Phase, nullJSON(e.Detail))
	if err != nil {
		return fmt.Errorf("append log entry: %w", err)
	}
	return nil
}

func (s *Store) QueryLogEntries(runID string, q LogQuery) ([]LogEntry, error) {
	where := []string{"run_id = ?"}
	args := []any{runID}
	if q.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if len(q.Kinds) > 0 {
		where = append(where, "kind IN (?"+strings.Repeat(", ?", len(q.Kinds)-1)+")")
		for _, k := range q.Kinds {
			args = append(args, k)
		}
	}
	if q.FromSeq > 0 {
		where = append(where, "seq >= ?")
		args = append(args, q.FromSeq)
	}
	if q.ToSeq > 0 {
		where = append(where, "seq <= ?")
		args = append(args, q.ToSeq)
	}

	query := `SELECT run_id, seq, ts, agent_id, kind, COALESCE(phase, ''), detail
		FROM log_entries
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY seq`
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query log entries: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var detail *string
		if err := rows.Scan(&e.RunID, &e.Seq, &e.Timestamp, &e.AgentID, &e.Kind, &e.Phase, &detail); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		if detail != nil {
			e.Detail = json.RawMessage(*detail)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
