package registry

import (
	"errors"
	"fmt"

	"github.com/mtzanidakis/conclave/internal/message"
)

var (
	ErrDuplicateIdentity  = errors.New("duplicate session identity")
	ErrUnknownSession     = errors.New("unknown session")
	ErrTurnBudgetExceeded = errors.New("turn budget exceeded")
	ErrSessionClosed      = errors.New("session closed")
	ErrInvalidTransition  = errors.New("invalid status transition")
)

// BudgetError is returned when a session has no turns left. Transcript is
// the session's state at the time of the refusal.
type BudgetError struct {
	AgentID    string
	Name       string
	TurnCount  int
	Budget     int
	Transcript []message.Message
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("session %s (%s): %v after %d/%d turns", e.Name, e.AgentID, ErrTurnBudgetExceeded, e.TurnCount, e.Budget)
}

func (e *BudgetError) Unwrap() error {
	return ErrTurnBudgetExceeded
}
