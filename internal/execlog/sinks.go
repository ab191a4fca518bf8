package execlog

import (
	"log/slog"

	"github.com/mtzanidakis/conclave/internal/natsbus"
	"github.com/mtzanidakis/conclave/internal/store"
)

// StoreSink persists entries to the log_entries table.
type StoreSink struct {
	store *store.Store
}

func NewStoreSink(s *store.Store) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) Write(e Entry) error {
	return s.store.AppendLogEntry(&store.LogEntry{
		RunID:     e.RunID,
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		AgentID:   e.AgentID,
		Kind:      string(e.Kind),
		Phase:     e.Phase,
		Detail:    e.Detail,
	})
}

// BusSink publishes entries on events.run.<id> for live observers. Publish
// failures are logged and dropped; the bus is not the system of record.
type BusSink struct {
	client *natsbus.Client
}

func NewBusSink(c *natsbus.Client) *BusSink {
	return &BusSink{client: c}
}

func (b *BusSink) Write(e Entry) error {
	if err := b.client.PublishJSON(natsbus.TopicEventsRun(e.RunID), e); err != nil {
		slog.Warn("publish log entry failed", "run", e.RunID, "seq", e.Seq, "error", err)
	}
	return nil
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Entry) error

func (f SinkFunc) Write(e Entry) error {
	return f(e)
}
