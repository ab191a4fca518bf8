package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/store"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want map[string]string
	}{
		{
			name: "empty",
			args: []string{},
			want: map[string]string{},
		},
		{
			name: "multiple flags",
			args: []string{"--kind", "voting", "--task", "design a cache", "--budget", "3"},
			want: map[string]string{"kind": "voting", "task": "design a cache", "budget": "3"},
		},
		{
			name: "flag without value is ignored",
			args: []string{"--kind"},
			want: map[string]string{},
		},
		{
			name: "non-flag args ignored",
			args: []string{"positional", "--run", "r1"},
			want: map[string]string{"run": "r1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseArgs(tt.args)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("got[%q] = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func newExportStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_ = db.SaveRun(&store.Run{ID: "r1", Kind: "single_agent", Task: "t", Status: "completed", TurnBudget: 1, Participants: json.RawMessage(`[]`)})
	_ = db.SaveSession(&store.Session{ID: "s1", RunID: "r1", Name: "agent", Role: "single_agent", TurnBudget: 1, Status: "completed"})
	for i, kind := range []string{"run_started", "message_sent", "message_received", "run_completed"} {
		_ = db.AppendLogEntry(&store.LogEntry{RunID: "r1", Seq: int64(i + 1), Timestamp: time.Now(), AgentID: "s1", Kind: kind})
	}
	return db
}

func TestExportRun(t *testing.T) {
	db := newExportStore(t)

	var buf bytes.Buffer
	if err := exportRun(db, "r1", &buf, false); err != nil {
		t.Fatalf("export: %v", err)
	}
	var got runLog
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Run.ID != "r1" || len(got.Sessions) != 1 || len(got.Entries) != 4 {
		t.Errorf("unexpected export %+v", got)
	}

	if err := exportRun(db, "missing", &buf, false); err == nil {
		t.Error("expected error for unknown run")
	}
}

func TestExportRunCompressed(t *testing.T) {
	db := newExportStore(t)

	var buf bytes.Buffer
	if err := exportRun(db, "r1", &buf, true); err != nil {
		t.Fatalf("export: %v", err)
	}
	dec, err := zstd.NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()

	var got runLog
	if err := json.NewDecoder(dec).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Entries) != 4 || got.Entries[3].Kind != "run_completed" {
		t.Errorf("unexpected entries %+v", got.Entries)
	}
}
