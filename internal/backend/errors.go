package backend

import (
	"errors"
	"fmt"
)

// Sentinel errors for launch and lifecycle failures. Callers branch on
// these with errors.Is.
var (
	// ErrExecutionActive means a second execution was attempted while one
	// is still running. Executions never queue.
	ErrExecutionActive = errors.New("an execution is already active")

	// ErrSetupRequired means the prepared runtime environment is missing.
	ErrSetupRequired = errors.New("runtime environment not prepared, run setup first")

	// ErrNoActiveExecution means an operation that needs a live execution
	// (user input, for instance) found none.
	ErrNoActiveExecution = errors.New("no active execution")

	// ErrEngineDown means the container engine daemon is unreachable.
	ErrEngineDown = errors.New("container engine unavailable")

	// ErrInputUnsupported means the backend cannot deliver user input.
	ErrInputUnsupported = errors.New("backend does not support user input")
)

// ExecError wraps a failure with the execution and operation it belongs to.
type ExecError struct {
	ExecID string
	Op     string
	Err    error
}

func (e *ExecError) Error() string {
	if e.ExecID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s (execution %s): %v", e.Op, e.ExecID, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

func execErr(id, op string, err error) *ExecError {
	return &ExecError{ExecID: id, Op: op, Err: err}
}
