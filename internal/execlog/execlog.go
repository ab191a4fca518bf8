// Package execlog is the append-only, causally ordered record of a run.
// One Log exists per run; a single writer assigns sequence numbers so the
// order of entries is total even when exchanges run concurrently.
package execlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ErrLogWrite is returned once a sink has failed. It is fatal to the run:
// the log refuses every later append.
var ErrLogWrite = errors.New("execution log write failed")

// Event is what callers append. Detail is marshalled to JSON.
type Event struct {
	AgentID string
	Kind    Kind
	Phase   string
	Detail  any
}

// Entry is an immutable, sequenced log record.
type Entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	RunID     string          `json:"run_id"`
	AgentID   string          `json:"agent_id"`
	Kind      Kind            `json:"kind"`
	Phase     string          `json:"phase,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// Decode unmarshals the entry detail into v.
func (e Entry) Decode(v any) error {
	if len(e.Detail) == 0 {
		return fmt.Errorf("entry %d has no detail", e.Seq)
	}
	return json.Unmarshal(e.Detail, v)
}

// Sink receives every entry in sequence order. Write is called with the log
// lock held and must not call back into the log.
type Sink interface {
	Write(Entry) error
}

type Log struct {
	mu      sync.RWMutex
	runID   string
	seq     int64
	entries []Entry
	sinks   []Sink
	err     error
	closed  bool
	now     func() time.Time
}

func New(runID string, sinks ...Sink) *Log {
	return &Log{
		runID: runID,
		sinks: sinks,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (l *Log) RunID() string {
	return l.runID
}

// Append records ev and returns the sequenced entry. It only fails with an
// error wrapping ErrLogWrite.
func (l *Log) Append(ev Event) (Entry, error) {
	var detail json.RawMessage
	if ev.Detail != nil {
		data, err := json.Marshal(ev.Detail)
		if err != nil {
			return Entry{}, fmt.Errorf("%w: marshal %s detail: %v", ErrLogWrite, ev.Kind, err)
		}
		detail = data
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err != nil {
		return Entry{}, l.err
	}
	if l.closed {
		return Entry{}, fmt.Errorf("%w: log for run %s is closed", ErrLogWrite, l.runID)
	}

	entry := Entry{
		Seq:       l.seq + 1,
		Timestamp: l.now(),
		RunID:     l.runID,
		AgentID:   ev.AgentID,
		Kind:      ev.Kind,
		Phase:     ev.Phase,
		Detail:    detail,
	}
	for _, s := range l.sinks {
		if err := s.Write(entry); err != nil {
			l.err = fmt.Errorf("%w: seq %d: %v", ErrLogWrite, entry.Seq, err)
			slog.Error("execution log write failed", "run", l.runID, "seq", entry.Seq, "error", err)
			return Entry{}, l.err
		}
	}
	l.seq = entry.Seq
	l.entries = append(l.entries, entry)

	slog.Debug("log entry", "run", l.runID, "seq", entry.Seq, "agent", entry.AgentID, "kind", entry.Kind, "phase", entry.Phase)
	return entry, nil
}

// Err returns the latched write failure, if any.
func (l *Log) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

// Filter narrows Query. Zero values match everything; ToSeq is inclusive.
type Filter struct {
	AgentID string
	Kinds   []Kind
	Phase   string
	FromSeq int64
	ToSeq   int64
}

func (f Filter) match(e Entry) bool {
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	if f.Phase != "" && e.Phase != f.Phase {
		return false
	}
	if f.FromSeq > 0 && e.Seq < f.FromSeq {
		return false
	}
	if f.ToSeq > 0 && e.Seq > f.ToSeq {
		return false
	}
	return true
}

// Query returns the matching entries in sequence order.
func (l *Log) Query(f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if f.match(e) {
			out = append(out, e)
		}
	}
	return out
}

// Last returns the most recent entry matching f.
func (l *Log) Last(f Filter) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.entries) - 1; i >= 0; i-- {
		if f.match(l.entries[i]) {
			return l.entries[i], true
		}
	}
	return Entry{}, false
}

// Range returns the first and last sequence numbers recorded, or zeros for
// an empty log.
func (l *Log) Range() (first, last int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return 0, 0
	}
	return l.entries[0].Seq, l.entries[len(l.entries)-1].Seq
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Close stops the log from accepting entries. Entries stay queryable.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return l.err
}
