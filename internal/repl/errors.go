package repl

import (
	"errors"
	"fmt"
)

var (
	ErrEngineStartup       = errors.New("engine startup failed")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrExecutionFault      = errors.New("execution fault")
	ErrTimedOut            = errors.New("execution timed out")
	ErrInternal            = errors.New("internal error")
	ErrSessionTerminated   = errors.New("session terminated")
	ErrSessionNotFound     = errors.New("session not found")
	ErrHandleClosed        = errors.New("engine handle closed")
)

// StartupError reports an interpreter that could not be spawned or did not
// complete its readiness handshake.
type StartupError struct {
	Language Language
	Err      error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("starting %s interpreter: %v", e.Language, e.Err)
}

func (e *StartupError) Unwrap() []error {
	return []error{ErrEngineStartup, e.Err}
}

// statusError maps a non-completed status to its taxonomy error.
func statusError(s Status) error {
	switch s {
	case StatusCompleted:
		return nil
	case StatusTimedOut:
		return ErrTimedOut
	case StatusFaulted:
		return ErrExecutionFault
	default:
		return fmt.Errorf("%w: unknown status %d", ErrInternal, int(s))
	}
}
