package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/suryatmodulus/microsandbox/internal/repl"
)

var ErrCommandNotAllowed = errors.New("command not allowed")

// ExecOpts describes a command execution request. Command is run directly,
// never through a shell.
type ExecOpts struct {
	Command string
	Args    []string
	// Timeout is capped by the policy. Zero means the policy maximum.
	Timeout time.Duration
	Dir     string
	Env     []string
}

// ExecResult is the output of a command execution.
type ExecResult struct {
	Command  string        `json:"command"`
	Args     []string      `json:"args"`
	ExitCode int           `json:"exit_code"`
	Success  bool          `json:"success"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Output   []repl.Line   `json:"output"`
	Duration time.Duration `json:"-"`
}

// Sandbox runs commands in a restricted environment.
type Sandbox interface {
	Exec(ctx context.Context, opts ExecOpts) (*ExecResult, error)
}
