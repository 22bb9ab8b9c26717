package storage

import (
	"context"
	"errors"
	"time"

	"github.com/suryatmodulus/microsandbox/internal/repl"
)

// ExecutionStatus is the outcome of a recorded execution, using the same
// names as the RPC responses.
type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "success"
	StatusError   ExecutionStatus = "error"
	StatusTimeout ExecutionStatus = "timeout"
)

// StatusOf maps an engine result to an ExecutionStatus.
func StatusOf(status repl.Status, err error) ExecutionStatus {
	switch {
	case status == repl.StatusTimedOut || errors.Is(err, repl.ErrTimedOut):
		return StatusTimeout
	case err != nil || status != repl.StatusCompleted:
		return StatusError
	default:
		return StatusSuccess
	}
}

var ErrNotFound = errors.New("not found")

// Execution is one recorded call to a REPL session.
type Execution struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Language   string          `json:"language"`
	Code       string          `json:"code"`
	Status     ExecutionStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
	Output     []repl.Line     `json:"output"`
	DurationMs int64           `json:"duration_ms"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewExecution builds the record of one engine call. err is the error
// returned alongside res, if any.
func NewExecution(code string, res repl.Result, err error) *Execution {
	e := &Execution{
		ID:         res.Execution,
		SessionID:  res.SessionID,
		Language:   string(res.Language),
		Code:       code,
		Status:     StatusOf(res.Status, err),
		Output:     res.Output,
		DurationMs: res.Duration.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// ExecutionListOptions controls filtering and pagination for ListExecutions.
type ExecutionListOptions struct {
	SessionID string
	Language  string
	Status    ExecutionStatus
	Limit     int
	Offset    int
}

// SessionSummary aggregates the executions of one session.
type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	Language   string    `json:"language"`
	Executions int       `json:"executions"`
	Failures   int       `json:"failures"`
	FirstAt    time.Time `json:"first_at"`
	LastAt     time.Time `json:"last_at"`
}

// Store is the persistence interface for execution history.
type Store interface {
	// RecordExecution inserts an execution. ID must be set by the caller;
	// a zero CreatedAt is set to now.
	RecordExecution(ctx context.Context, e *Execution) error

	// GetExecution returns an execution by ID or ID prefix.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// ListExecutions returns executions ordered newest first.
	ListExecutions(ctx context.Context, opts ExecutionListOptions) ([]Execution, error)

	// ListSessions summarizes every session that has history, most
	// recently active first.
	ListSessions(ctx context.Context, limit int) ([]SessionSummary, error)

	// DeleteSession removes all executions of a session and reports how
	// many were removed.
	DeleteSession(ctx context.Context, sessionID string) (int64, error)

	// Close releases resources.
	Close() error
}
