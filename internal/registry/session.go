package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mtzanidakis/conclave/internal/message"
)

type Status string

const (
	StatusIdle          Status = "idle"
	StatusActive        Status = "active"
	StatusAwaiting      Status = "awaiting_response"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusTurnExhausted Status = "turn_exhausted"
)

// Terminal reports whether no further exchange can happen in s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTurnExhausted
}

var transitions = map[Status][]Status{
	StatusIdle:     {StatusActive, StatusCompleted, StatusFailed},
	StatusActive:   {StatusAwaiting, StatusCompleted, StatusFailed, StatusTurnExhausted},
	StatusAwaiting: {StatusActive, StatusCompleted, StatusFailed, StatusTurnExhausted},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is one agent session. Identity fields are immutable after
// creation; mutable state is guarded and only changed through the registry.
type Session struct {
	ID           string
	RunID        string
	Name         string
	Role         string
	Archetype    string
	Model        string
	AllowedTools []string
	Workspace    string
	TurnBudget   int
	CreatedAt    time.Time

	// exchange serializes round-trips: one outstanding exchange per session.
	exchange chan struct{}

	mu         sync.Mutex
	status     Status
	turnCount  int
	transcript []message.Message
}

func newSession(id, runID string, spec RoleSpec, workspace string) *Session {
	return &Session{
		ID:           id,
		RunID:        runID,
		Name:         spec.Name,
		Role:         spec.Role,
		Archetype:    spec.Archetype,
		Model:        spec.Model,
		AllowedTools: spec.AllowedTools,
		Workspace:    workspace,
		TurnBudget:   spec.TurnBudget,
		CreatedAt:    time.Now().UTC(),
		exchange:     make(chan struct{}, 1),
		status:       StatusIdle,
	}
}

// Acquire waits for exclusive use of the session for one exchange.
func (s *Session) Acquire(ctx context.Context) error {
	select {
	case s.exchange <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Release() {
	<-s.exchange
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCount
}

// Transcript returns a copy of the exchanged messages in send order.
func (s *Session) Transcript() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message.Message(nil), s.transcript...)
}

// setStatus validates and applies a transition. Caller holds s.mu.
func (s *Session) setStatus(to Status) error {
	if s.status == to {
		return nil
	}
	if !canTransition(s.status, to) {
		return fmt.Errorf("%w: session %s %s -> %s", ErrInvalidTransition, s.Name, s.status, to)
	}
	s.status = to
	return nil
}

func (s *Session) budgetError() *BudgetError {
	return &BudgetError{
		AgentID:    s.ID,
		Name:       s.Name,
		TurnCount:  s.turnCount,
		Budget:     s.TurnBudget,
		Transcript: append([]message.Message(nil), s.transcript...),
	}
}
