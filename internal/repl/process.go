package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxOutputBytes = 1 << 20
	defaultKillGrace      = 2 * time.Second
	defaultFenceGrace     = 200 * time.Millisecond

	// lineBuffer is how many lines each reader may run ahead of the
	// executing call.
	lineBuffer = 256

	truncatedNotice = "[output truncated]"
)

// Limits bound a single execution and the cleanup of its interpreter.
type Limits struct {
	// MaxOutputBytes caps the output captured per call. Exceeding it kills
	// the interpreter.
	MaxOutputBytes int
	// KillGrace is how long to wait for a killed interpreter to exit
	// before retrying the kill.
	KillGrace time.Duration
	// FenceGrace is how long to wait for the stderr sentinel once the
	// stdout sentinel has been read.
	FenceGrace time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = defaultMaxOutputBytes
	}
	if l.KillGrace <= 0 {
		l.KillGrace = defaultKillGrace
	}
	if l.FenceGrace <= 0 {
		l.FenceGrace = defaultFenceGrace
	}
	return l
}

type driverRequest struct {
	Code     string `json:"code"`
	Sentinel string `json:"sentinel"`
}

type runResult struct {
	status Status
	lines  []Line
	reason string
}

// process is one interpreter subprocess speaking the driver protocol.
type process struct {
	profile Profile
	limits  Limits
	logger  *zap.Logger

	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdoutPipe io.ReadCloser
	stderrPipe io.ReadCloser
	stdout     <-chan string
	stderr     <-chan string

	// done stops the readers; exited is closed once cmd.Wait returns.
	done    chan struct{}
	exited  chan struct{}
	waitErr error

	// staleFences holds stderr sentinels of earlier calls that had not
	// arrived within the fence grace period.
	staleFences []string

	closeOnce sync.Once
}

// spawn starts an interpreter and completes the readiness handshake.
func spawn(ctx context.Context, profile Profile, limits Limits, logger *zap.Logger) (*process, error) {
	if err := profile.validate(); err != nil {
		return nil, &StartupError{Language: profile.Language, Err: err}
	}
	limits = limits.withDefaults()

	cmd := exec.Command(profile.Executable, profile.Args...)
	cmd.Env = append(os.Environ(), profile.Env...)
	cmd.Dir = profile.Dir
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &StartupError{Language: profile.Language, Err: fmt.Errorf("opening stdin: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &StartupError{Language: profile.Language, Err: fmt.Errorf("opening stdout: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &StartupError{Language: profile.Language, Err: fmt.Errorf("opening stderr: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return nil, &StartupError{Language: profile.Language, Err: err}
	}

	p := &process{
		profile:    profile,
		limits:     limits,
		cmd:        cmd,
		stdin:      stdin,
		stdoutPipe: stdout,
		stderrPipe: stderr,
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
	}
	p.logger = logger.With(zap.Int("pid", cmd.Process.Pid))
	p.startReaders()

	hctx := ctx
	if profile.StartupTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, profile.StartupTimeout)
		defer cancel()
	}
	res := p.runOnce(hctx, "", newSentinel(0))
	if res.status != StatusCompleted {
		p.terminate()
		return nil, &StartupError{Language: profile.Language, Err: handshakeError(res)}
	}
	if len(res.lines) > 0 {
		p.logger.Debug("interpreter banner", zap.Int("lines", len(res.lines)))
	}
	p.logger.Debug("interpreter ready")
	return p, nil
}

func handshakeError(res runResult) error {
	var msg string
	switch res.status {
	case StatusTimedOut:
		msg = "readiness handshake timed out"
	default:
		msg = "interpreter exited during readiness handshake"
		if res.reason != "" {
			msg = "readiness handshake failed: " + res.reason
		}
	}
	var stderr []string
	for _, l := range res.lines {
		if l.Stream == Stderr {
			stderr = append(stderr, l.Text)
		}
	}
	if n := len(stderr); n > 5 {
		stderr = stderr[n-5:]
	}
	if len(stderr) > 0 {
		msg += ": " + strings.Join(stderr, "; ")
	}
	return errors.New(msg)
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) startReaders() {
	stdout := make(chan string, lineBuffer)
	stderr := make(chan string, lineBuffer)
	p.stdout, p.stderr = stdout, stderr

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		readLines(p.stdoutPipe, stdout, p.done, p.limits.MaxOutputBytes)
	}()
	go func() {
		defer wg.Done()
		readLines(p.stderrPipe, stderr, p.done, p.limits.MaxOutputBytes)
	}()
	go func() {
		// Wait must not run before the pipes have been drained.
		wg.Wait()
		p.waitErr = p.cmd.Wait()
		close(p.exited)
	}()
}

// readLines splits r into lines and sends them on out until EOF or done.
// Lines longer than maxLine are split so a guest cannot grow a single
// line without bound.
func readLines(r io.Reader, out chan<- string, done <-chan struct{}, maxLine int) {
	defer close(out)
	br := bufio.NewReader(r)
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) && len(buf) < maxLine {
			continue
		}
		if len(buf) > 0 {
			line := strings.TrimSuffix(string(buf), "\n")
			line = strings.TrimSuffix(line, "\r")
			buf = buf[:0]
			select {
			case out <- line:
			case <-done:
				return
			}
		}
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}

// collector accumulates output for one call and enforces the byte cap.
type collector struct {
	lines    []Line
	size     int
	max      int
	overflow bool
}

// add appends a line and reports whether the cap still holds.
func (c *collector) add(stream Stream, text string) bool {
	if c.overflow {
		return false
	}
	c.size += len(text) + 1
	if c.size > c.max {
		c.overflow = true
		c.lines = append(c.lines, Line{Stream: Stderr, Text: truncatedNotice})
		return false
	}
	c.lines = append(c.lines, Line{Stream: stream, Text: text})
	return true
}

func (c *collector) result(status Status, reason string) runResult {
	return runResult{status: status, lines: c.lines, reason: reason}
}

// runOnce sends code to the driver and collects output until the stdout
// sentinel, a fault, or ctx is done. A done ctx is reported as
// StatusTimedOut; the caller is responsible for killing the process.
func (p *process) runOnce(ctx context.Context, code, sentinel string) runResult {
	c := collector{max: p.limits.MaxOutputBytes}

	req, err := json.Marshal(driverRequest{Code: code, Sentinel: sentinel})
	if err != nil {
		return c.result(StatusFaulted, fmt.Sprintf("encoding request: %v", err))
	}
	req = append(req, '\n')

	// The write happens off the select loop: a hung interpreter that stops
	// reading stdin must not block the deadline.
	written := make(chan error, 1)
	go func() {
		_, err := p.stdin.Write(req)
		written <- err
	}()

	stdout, stderr := p.stdout, p.stderr
	fenced := false
	for {
		select {
		case err := <-written:
			written = nil
			if err != nil {
				p.drainStderr(&c, stderr)
				return c.result(StatusFaulted, fmt.Sprintf("writing request: %v", err))
			}

		case line, ok := <-stdout:
			if !ok {
				p.drainStderr(&c, stderr)
				return c.result(StatusFaulted, "interpreter exited")
			}
			if text, found := cutSentinel(line, sentinel); found {
				if text != "" && !c.add(Stdout, text) {
					return c.result(StatusFaulted, "output limit exceeded")
				}
				if !fenced {
					p.awaitFence(&c, stderr, sentinel)
				}
				if c.overflow {
					return c.result(StatusFaulted, "output limit exceeded")
				}
				return c.result(StatusCompleted, "")
			}
			if !c.add(Stdout, line) {
				return c.result(StatusFaulted, "output limit exceeded")
			}

		case line, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			line, keep := p.dropStaleFence(line)
			if !keep {
				continue
			}
			if text, found := cutSentinel(line, sentinel); found {
				fenced = true
				if text == "" {
					continue
				}
				line = text
			}
			if !c.add(Stderr, line) {
				return c.result(StatusFaulted, "output limit exceeded")
			}
			if p.isFatal(line) {
				return c.result(StatusFaulted, "fatal interpreter error")
			}

		case <-ctx.Done():
			return c.result(StatusTimedOut, ctx.Err().Error())
		}
	}
}

// awaitFence collects trailing stderr until the call's stderr sentinel
// arrives or the grace period ends. A late fence is remembered so it can
// be discarded when it eventually shows up.
func (p *process) awaitFence(c *collector, stderr <-chan string, sentinel string) {
	if stderr == nil {
		return
	}
	timer := time.NewTimer(p.limits.FenceGrace)
	defer timer.Stop()
	for {
		select {
		case line, ok := <-stderr:
			if !ok {
				return
			}
			line, keep := p.dropStaleFence(line)
			if !keep {
				continue
			}
			if text, found := cutSentinel(line, sentinel); found {
				if text != "" {
					c.add(Stderr, text)
				}
				return
			}
			c.add(Stderr, line)
		case <-timer.C:
			p.staleFences = append(p.staleFences, sentinel)
			return
		}
	}
}

// drainStderr picks up whatever the interpreter wrote to stderr before
// exiting, which usually explains why it exited.
func (p *process) drainStderr(c *collector, stderr <-chan string) {
	if stderr == nil {
		return
	}
	timer := time.NewTimer(p.limits.FenceGrace)
	defer timer.Stop()
	for {
		select {
		case line, ok := <-stderr:
			if !ok {
				return
			}
			if line, keep := p.dropStaleFence(line); keep {
				if !c.add(Stderr, line) {
					return
				}
			}
		case <-timer.C:
			return
		}
	}
}

func (p *process) dropStaleFence(line string) (string, bool) {
	for i, fence := range p.staleFences {
		if text, found := cutSentinel(line, fence); found {
			p.staleFences = append(p.staleFences[:i], p.staleFences[i+1:]...)
			return text, text != ""
		}
	}
	return line, true
}

func (p *process) isFatal(line string) bool {
	for _, pattern := range p.profile.FatalPatterns {
		if pattern != "" && strings.Contains(line, pattern) {
			return true
		}
	}
	return false
}

// terminate kills the interpreter's process group and waits for it to
// exit. The kill is retried once; after that the failure is only logged.
func (p *process) terminate() {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		if err := killProcessGroup(p.cmd); err != nil {
			p.logger.Debug("kill interpreter", zap.Error(err))
		}
		close(p.done)
		if p.waitExit() {
			return
		}

		p.logger.Warn("interpreter did not exit after kill, retrying")
		if err := killProcessGroup(p.cmd); err != nil {
			p.logger.Debug("kill interpreter", zap.Error(err))
		}
		// Descendants that left the group can hold the pipes open.
		_ = p.stdoutPipe.Close()
		_ = p.stderrPipe.Close()
		if !p.waitExit() {
			p.logger.Error("giving up on interpreter that will not exit")
		}
	})
}

func (p *process) waitExit() bool {
	timer := time.NewTimer(p.limits.KillGrace)
	defer timer.Stop()
	select {
	case <-p.exited:
		p.logger.Debug("interpreter exited", zap.NamedError("wait", p.waitErr))
		return true
	case <-timer.C:
		return false
	}
}
