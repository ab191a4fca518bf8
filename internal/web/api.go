package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/conclave/internal/protocol"
	"github.com/mtzanidakis/conclave/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Runs
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("POST /api/runs", s.createRun)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.deleteRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.cancelRun)
	mux.HandleFunc("GET /api/runs/{id}/log", s.getRunLog)
	mux.HandleFunc("GET /api/runs/{id}/sessions", s.getRunSessions)

	// System
	mux.HandleFunc("GET /api/protocols", s.listProtocols)
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	active := s.activeSet()
	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, runToAPI(run, active[run.ID]))
	}
	jsonResponse(w, out)
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req protocol.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Kind == "" || req.Task == "" {
		jsonError(w, "kind and task are required", http.StatusBadRequest)
		return
	}

	id, err := s.runner.Start(r.Context(), req)
	if errors.Is(err, protocol.ErrRunExists) {
		jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Location", "/api/runs/"+id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": id, "status": "running"})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, runToAPI(*run, s.activeSet()[id]))
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.activeSet()[id] {
		jsonError(w, "run is still active, cancel it first", http.StatusConflict)
		return
	}
	if err := s.store.DeleteRun(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.runner.Cancel(id) {
		jsonError(w, "run is not active", http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"status": "cancelling"})
}

func (s *Server) getRunLog(w http.ResponseWriter, r *http.Request) {
	q, err := parseLogQuery(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := s.store.QueryLogEntries(r.PathValue("id"), q)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []store.LogEntry{}
	}
	jsonResponse(w, entries)
}

func (s *Server) getRunSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	jsonResponse(w, sessions)
}

func (s *Server) listProtocols(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, protocol.Kinds)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	runs, _ := s.store.ListRuns()
	byStatus := make(map[string]int)
	for _, run := range runs {
		byStatus[run.Status]++
	}

	jsonResponse(w, map[string]any{
		"status":      "ok",
		"version":     s.version,
		"uptime":      formatUptime(time.Since(s.startedAt)),
		"active_runs": len(s.runner.Active()),
		"total_runs":  len(runs),
		"runs":        byStatus,
		"nats":        s.nats != nil,
	})
}

func (s *Server) activeSet() map[string]bool {
	ids := s.runner.Active()
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// parseLogQuery reads ?agent=, ?kind= (repeatable or comma separated),
// ?from=, ?to= and ?limit=.
func parseLogQuery(r *http.Request) (store.LogQuery, error) {
	v := r.URL.Query()
	q := store.LogQuery{AgentID: v.Get("agent")}
	for _, k := range v["kind"] {
		for _, kind := range strings.Split(k, ",") {
			if kind = strings.TrimSpace(kind); kind != "" {
				q.Kinds = append(q.Kinds, kind)
			}
		}
	}

	ints := []struct {
		name string
		set  func(int64)
	}{
		{"from", func(n int64) { q.FromSeq = n }},
		{"to", func(n int64) { q.ToSeq = n }},
		{"limit", func(n int64) { q.Limit = int(n) }},
	}
	for _, p := range ints {
		raw := v.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return q, fmt.Errorf("invalid %s: %q", p.name, raw)
		}
		p.set(n)
	}
	if q.FromSeq > 0 && q.ToSeq > 0 && q.FromSeq > q.ToSeq {
		return q, errors.New("from must not be after to")
	}
	return q, nil
}

func runToAPI(run store.Run, active bool) map[string]any {
	m := map[string]any{
		"id":           run.ID,
		"kind":         run.Kind,
		"task":         run.Task,
		"status":       run.Status,
		"turn_budget":  run.TurnBudget,
		"participants": run.Participants,
		"active":       active,
		"started_at":   run.StartedAt,
	}
	if run.CompletedAt != nil {
		m["completed_at"] = *run.CompletedAt
		m["duration"] = run.CompletedAt.Sub(run.StartedAt).Round(time.Second).String()
	}
	if len(run.Result) > 0 {
		m["result"] = run.Result
	}
	if len(run.Failure) > 0 {
		m["failure"] = run.Failure
	}
	return m
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
