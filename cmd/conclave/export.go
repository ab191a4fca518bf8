package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/conclave/internal/store"
)

// runLog is the exported form of a run: its record, sessions and full
// execution log.
type runLog struct {
	Run      *store.Run       `json:"run"`
	Sessions []store.Session  `json:"sessions"`
	Entries  []store.LogEntry `json:"entries"`
}

func runExport(args map[string]string) error {
	id := args["run"]
	if id == "" {
		return errors.New("--run is required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	out := io.Writer(os.Stdout)
	if path := args["out"]; path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		defer f.Close()
		out = f
	}
	compress := args["compress"] == "zstd" || strings.HasSuffix(args["out"], ".zst")
	return exportRun(db, id, out, compress)
}

func exportRun(db *store.Store, id string, w io.Writer, compress bool) error {
	run, err := db.GetRun(id)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", id)
	}
	sessions, err := db.ListSessions(id)
	if err != nil {
		return err
	}
	entries, err := db.QueryLogEntries(id, store.LogQuery{})
	if err != nil {
		return err
	}

	if !compress {
		return writeJSON(w, runLog{Run: run, Sessions: sessions, Entries: entries})
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	if err := writeJSON(enc, runLog{Run: run, Sessions: sessions, Entries: entries}); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode run log: %w", err)
	}
	return nil
}
