package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/suryatmodulus/microsandbox/internal/repl"
)

const (
	killWait     = 2 * time.Second
	maxLineBytes = 64 << 10
)

// LocalSandbox runs commands as child processes of the server, each in its
// own process group.
type LocalSandbox struct {
	Policy Policy
	logger *zap.Logger
}

var _ Sandbox = (*LocalSandbox)(nil)

// NewLocalSandbox creates a sandbox with the given policy.
func NewLocalSandbox(policy Policy, logger *zap.Logger) *LocalSandbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalSandbox{Policy: policy, logger: logger.Named("sandbox")}
}

func (l *LocalSandbox) Exec(ctx context.Context, opts ExecOpts) (*ExecResult, error) {
	if !l.Policy.IsCommandAllowed(opts.Command) {
		return nil, fmt.Errorf("%w: %q", ErrCommandNotAllowed, opts.Command)
	}

	timeout := l.Policy.Timeout(opts.Timeout)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	if cmd.Dir == "" {
		cmd.Dir = l.Policy.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = killWait

	out := &lineSink{max: l.Policy.MaxOutputBytes}
	stdout := &streamWriter{sink: out, stream: repl.Stdout}
	stderr := &streamWriter{sink: out, stream: repl.Stderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", opts.Command, err)
	}
	err := cmd.Wait()
	stdout.flush()
	stderr.flush()

	res := &ExecResult{
		Command:  opts.Command,
		Args:     opts.Args,
		Output:   out.lines,
		Duration: time.Since(start),
	}
	if res.Args == nil {
		res.Args = []string{}
	}
	if res.Output == nil {
		res.Output = []repl.Line{}
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		res.ExitCode = -1
		res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case errors.Is(err, exec.ErrWaitDelay):
		res.ExitCode = cmd.ProcessState.ExitCode()
	default:
		return nil, fmt.Errorf("running %s: %w", opts.Command, err)
	}
	res.Success = res.ExitCode == 0 && !res.TimedOut

	l.logger.Debug("command finished",
		zap.String("command", opts.Command),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// lineSink collects lines from both streams in arrival order.
type lineSink struct {
	mu        sync.Mutex
	lines     []repl.Line
	size      int
	max       int
	truncated bool
}

func (s *lineSink) add(stream repl.Stream, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.truncated {
		return
	}
	s.size += len(text) + 1
	if s.max > 0 && s.size > s.max {
		s.truncated = true
		s.lines = append(s.lines, repl.Line{Stream: repl.Stderr, Text: "[output truncated]"})
		return
	}
	s.lines = append(s.lines, repl.Line{Stream: stream, Text: text})
}

// streamWriter splits one stream into lines. exec.Cmd copies each stream
// from its own goroutine, so a writer is never used concurrently.
type streamWriter struct {
	sink   *lineSink
	stream repl.Stream
	buf    []byte
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.sink.add(w.stream, strings.TrimSuffix(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLineBytes {
		w.flush()
	}
	return len(p), nil
}

func (w *streamWriter) flush() {
	if len(w.buf) > 0 {
		w.sink.add(w.stream, string(w.buf))
		w.buf = nil
	}
}
