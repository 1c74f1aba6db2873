package pipeline

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-translate/internal/queue"
)

// State is a pipeline lifecycle stage. Transitions only move forward.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	// ErrNotStarted is returned for operations that need a started session.
	ErrNotStarted = queue.ErrNotStarted
	// ErrInvalidState is returned when an operation is not allowed in the
	// pipeline's current state.
	ErrInvalidState = errors.New("pipeline: invalid state")
)

// CanceledError reports that a collaborator ended the session.
type CanceledError struct {
	Reason string
}

func (e *CanceledError) Error() string {
	return "pipeline: canceled by collaborator: " + e.Reason
}
