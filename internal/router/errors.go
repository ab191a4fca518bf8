package router

import (
	"errors"
	"fmt"
)

var ErrDispatch = errors.New("dispatch failed")

// DispatchError wraps an invocation failure for one target.
type DispatchError struct {
	AgentID string
	Name    string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%v: %s (%s): %v", ErrDispatch, e.Name, e.AgentID, e.Err)
}

func (e *DispatchError) Unwrap() []error {
	return []error{ErrDispatch, e.Err}
}
