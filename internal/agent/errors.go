package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors for agent operations.
var (
	// ErrAgentClosed indicates the agent's loop has shut down.
	ErrAgentClosed = errors.New("agent closed")

	// ErrBusy indicates a prompt arrived while a turn is already running.
	ErrBusy = errors.New("agent busy")

	// ErrNoProvider indicates no model provider is configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrNoSession indicates an operation that needs a session backend was
	// invoked without one.
	ErrNoSession = errors.New("no session configured")

	// ErrToolNotFound indicates a requested tool is not registered or is
	// filtered out by the current configuration.
	ErrToolNotFound = errors.New("tool not found")
)

// FailureKind classifies a provider failure for the turn loop.
type FailureKind string

const (
	// FailureTransient means the turn may be retried with backoff.
	FailureTransient FailureKind = "transient"

	// FailurePermanent means the turn fails immediately.
	FailurePermanent FailureKind = "permanent"

	// FailureOverflow means the context window was exceeded and the
	// transcript should be compacted before retrying.
	FailureOverflow FailureKind = "overflow"
)

// TurnError wraps a provider failure with its classification and the
// attempt on which it occurred.
type TurnError struct {
	Kind    FailureKind
	Attempt int
	Cause   error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed (%s, attempt %d): %v", e.Kind, e.Attempt, e.Cause)
}

func (e *TurnError) Unwrap() error { return e.Cause }

// classifyFailure maps a provider error onto a failure kind using the
// substring pattern tables in retry.go. Overflow wins over everything;
// an error matching neither list is treated as permanent.
func classifyFailure(err error) FailureKind {
	if err == nil {
		return FailurePermanent
	}
	msg := err.Error()
	switch {
	case IsOverflow(msg):
		return FailureOverflow
	case IsRetryable(msg):
		return FailureTransient
	default:
		return FailurePermanent
	}
}
