package repl

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stream identifies which pipe an output line was read from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return fmt.Sprintf("stream(%d)", int(s))
	}
}

// MarshalJSON encodes the stream as "stdout" or "stderr".
func (s Stream) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts "stdout" or "stderr".
func (s *Stream) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "stdout":
		*s = Stdout
	case "stderr":
		*s = Stderr
	default:
		return fmt.Errorf("unknown stream %q", name)
	}
	return nil
}

// Line is one captured line of interpreter output.
type Line struct {
	Stream Stream `json:"stream"`
	Text   string `json:"text"`
}

// Status is the completion status of a single execution.
type Status int

const (
	StatusCompleted Status = iota
	StatusFaulted
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFaulted:
		return "faulted"
	case StatusTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Request asks an engine to evaluate code in a session.
type Request struct {
	Code      string
	Language  string
	SessionID string
	// Timeout bounds the execution. Zero waits until the code finishes or
	// the caller's context is done.
	Timeout time.Duration
}

// Result holds the output of one execution. It is populated even when
// Eval returns an error so partial output is never discarded.
type Result struct {
	Execution string
	Language  Language
	SessionID string
	Status    Status
	Output    []Line
	Duration  time.Duration
}
