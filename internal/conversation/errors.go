// ABOUTME: Error types returned by the conversation service and orchestrator
// ABOUTME: Callers branch on them with errors.Is and errors.As

package conversation

import (
	"errors"
	"fmt"
)

// ErrThreadBusy is returned when another turn holds the thread's lease.
var ErrThreadBusy = errors.New("thread has an active turn")

// ValidationError reports a request field that is missing or out of range.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// PersistenceError reports a store write that failed after generation.
// Stage is "encode", "messages" or "metadata".
type PersistenceError struct {
	ThreadID string
	Stage    string
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting thread %s (%s): %v", e.ThreadID, e.Stage, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
