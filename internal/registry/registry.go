// Package registry owns the agent sessions of one run: identity, status,
// turn accounting and the per-session workspace.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/mtzanidakis/conclave/internal/execlog"
	"github.com/mtzanidakis/conclave/internal/message"
	"github.com/mtzanidakis/conclave/internal/store"
)

// RoleSpec describes a session to create. The id is always generated.
type RoleSpec struct {
	Role         string
	Name         string
	Archetype    string
	Model        string
	AllowedTools []string
	TurnBudget   int
}

type Registry struct {
	runID    string
	log      *execlog.Log
	store    *store.Store
	basePath string
	newID    func() string

	mu       sync.RWMutex
	sessions map[string]*Session
	byName   map[string]*Session
	order    []*Session
}

type Option func(*Registry)

// WithWorkspaces roots per-session workspaces at base/<run id>/<name>.
func WithWorkspaces(base string) Option {
	return func(r *Registry) { r.basePath = base }
}

// WithStore persists session state changes.
func WithStore(s *store.Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithIDGenerator replaces the uuid generator.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

func New(runID string, log *execlog.Log, opts ...Option) *Registry {
	r := &Registry{
		runID:    runID,
		log:      log,
		newID:    uuid.NewString,
		sessions: make(map[string]*Session),
		byName:   make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Create(spec RoleSpec) (*Session, error) {
	if spec.TurnBudget < 1 {
		return nil, fmt.Errorf("session %s: turn budget must be at least 1, got %d", spec.Name, spec.TurnBudget)
	}
	if spec.Name == "" {
		spec.Name = spec.Role
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("%w: id %s", ErrDuplicateIdentity, id)
	}
	if _, ok := r.byName[spec.Name]; ok {
		return nil, fmt.Errorf("%w: name %s", ErrDuplicateIdentity, spec.Name)
	}

	workspace := ""
	if r.basePath != "" {
		workspace = WorkspacePath(r.basePath, r.runID, spec.Name)
		if err := ensureWorkspace(workspace, spec.Archetype); err != nil {
			return nil, fmt.Errorf("workspace for %s: %w", spec.Name, err)
		}
	}

	s := newSession(id, r.runID, spec, workspace)
	if _, err := r.log.Append(execlog.Event{
		AgentID: id,
		Kind:    execlog.KindSessionCreated,
		Detail:  r.detail(s, ""),
	}); err != nil {
		return nil, err
	}

	r.sessions[id] = s
	r.byName[s.Name] = s
	r.order = append(r.order, s)
	r.persist(s)

	slog.Debug("session created", "run", r.runID, "id", id, "name", s.Name, "role", s.Role, "budget", s.TurnBudget)
	return s, nil
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// Lookup finds a session by its participant name.
func (r *Registry) Lookup(name string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: name %s", ErrUnknownSession, name)
	}
	return s, nil
}

// List returns the sessions in creation order.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Session(nil), r.order...)
}

// Terminate moves a non-terminal session to failed. Terminating a session
// that already ended is a no-op.
func (r *Registry) Terminate(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return r.end(s, StatusFailed)
}

// Close ends the run: every session still live is marked completed.
func (r *Registry) Close() error {
	for _, s := range r.List() {
		if err := r.end(s, StatusCompleted); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) end(s *Session, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return nil
	}
	from := s.status
	if err := s.setStatus(to); err != nil {
		return err
	}
	if _, err := r.log.Append(execlog.Event{
		AgentID: s.ID,
		Kind:    execlog.KindSessionEnded,
		Detail:  r.detail(s, from),
	}); err != nil {
		return err
	}
	r.persist(s)
	return nil
}

// BeginTurn claims the next turn of session id for req. It returns the
// transcript before req and the new turn number. A session without turns
// left moves to turn_exhausted and yields a *BudgetError.
func (r *Registry) BeginTurn(id string, req message.Message) ([]message.Message, int, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.status == StatusTurnExhausted:
		return nil, 0, s.budgetError()
	case s.status.Terminal():
		return nil, 0, fmt.Errorf("%w: %s is %s", ErrSessionClosed, s.Name, s.status)
	case s.turnCount >= s.TurnBudget:
		if err := r.transition(s, StatusTurnExhausted); err != nil {
			return nil, 0, err
		}
		return nil, 0, s.budgetError()
	}

	prior := append([]message.Message(nil), s.transcript...)
	if s.status == StatusIdle {
		if err := r.transition(s, StatusActive); err != nil {
			return nil, 0, err
		}
	}
	if err := s.setStatus(StatusAwaiting); err != nil {
		return nil, 0, err
	}
	s.turnCount++
	s.transcript = append(s.transcript, req)
	r.persist(s)
	return prior, s.turnCount, nil
}

// CompleteTurn records the response to the outstanding turn. A session that
// has used its last turn moves to turn_exhausted; the response still counts.
func (r *Registry) CompleteTurn(id string, resp message.Message) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusAwaiting {
		return fmt.Errorf("%w: %s has no outstanding turn (%s)", ErrInvalidTransition, s.Name, s.status)
	}
	s.transcript = append(s.transcript, resp)
	if err := s.setStatus(StatusActive); err != nil {
		return err
	}
	if s.turnCount >= s.TurnBudget {
		if err := r.transition(s, StatusTurnExhausted); err != nil {
			return err
		}
	}
	r.persist(s)
	return nil
}

// FailTurn marks the session failed after its outstanding exchange errored.
func (r *Registry) FailTurn(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return nil
	}
	if err := r.transition(s, StatusFailed); err != nil {
		return err
	}
	r.persist(s)
	return nil
}

// transition applies and logs a status change. Caller holds s.mu.
func (r *Registry) transition(s *Session, to Status) error {
	from := s.status
	if err := s.setStatus(to); err != nil {
		return err
	}
	_, err := r.log.Append(execlog.Event{
		AgentID: s.ID,
		Kind:    execlog.KindSessionStatus,
		Detail:  r.detail(s, from),
	})
	return err
}

func (r *Registry) detail(s *Session, from Status) execlog.SessionDetail {
	return execlog.SessionDetail{
		Name:       s.Name,
		Role:       s.Role,
		Model:      s.Model,
		Workspace:  s.Workspace,
		TurnBudget: s.TurnBudget,
		TurnCount:  s.turnCount,
		From:       string(from),
		Status:     string(s.status),
	}
}

func (r *Registry) persist(s *Session) {
	if r.store == nil {
		return
	}
	err := r.store.SaveSession(&store.Session{
		ID:         s.ID,
		RunID:      s.RunID,
		Name:       s.Name,
		Role:       s.Role,
		Model:      s.Model,
		Workspace:  s.Workspace,
		TurnBudget: s.TurnBudget,
		TurnCount:  s.turnCount,
		Status:     string(s.status),
	})
	if err != nil {
		slog.Warn("persist session failed", "run", r.runID, "session", s.ID, "error", err)
	}
}

// WorkspacePath is the output directory of session name in run runID.
func WorkspacePath(base, runID, name string) string {
	return filepath.Join(base, runID, name)
}

// ensureWorkspace creates the session output directory and writes the
// archetype to AGENT.md so external tooling running in the directory can
// pick it up.
func ensureWorkspace(dir, archetype string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	if archetype == "" {
		return nil
	}
	if err := os.WriteFile(filepath.Join(dir, "AGENT.md"), []byte(archetype), 0o644); err != nil {
		return fmt.Errorf("create AGENT.md: %w", err)
	}
	return nil
}
