package engine

import (
	"fmt"
	"strings"
)

// TransitionNotAllowedError carries every rule a rejected transition broke.
type TransitionNotAllowedError struct {
	DealID string
	From   string
	To     string
	Errors []string
}

func (e *TransitionNotAllowedError) Error() string {
	return fmt.Sprintf("transition %s -> %s rejected: %s", e.From, e.To, strings.Join(e.Errors, "; "))
}

type WIPLimitExceededError struct {
	Stage string
	Limit int
	Count int
}

func (e *WIPLimitExceededError) Error() string {
	return fmt.Sprintf("WIP limit exceeded for stage: %s", e.Stage)
}

// CircularDependencyError aborts a whole generation batch. Path starts and ends on the same task.
type CircularDependencyError struct {
	Path []string
}

func (e *CircularDependencyError) Error() string {
	return "circular dependency detected: " + strings.Join(e.Path, " -> ")
}

// PersistenceError wraps an infrastructure failure that forced a rollback.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// MissingReference is a dependency that could not be resolved and was dropped.
type MissingReference struct {
	Task      string `json:"task"`
	Type      string `json:"type"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

func (m MissingReference) String() string {
	return fmt.Sprintf("task %q: %s dependency %q dropped: %s", m.Task, m.Type, m.Reference, m.Reason)
}
