package repl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateStarting State = iota
	StateIdle
	StateExecuting
	StateFaulted
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	case StateFaulted:
		return "faulted"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SessionInfo is a point-in-time snapshot of a Session.
type SessionInfo struct {
	Language   Language `json:"language"`
	ID         string   `json:"session_id"`
	State      State    `json:"state"`
	Executions uint64   `json:"executions"`
	PID        int      `json:"pid,omitempty"`
}

type spawnFunc func(ctx context.Context) (*process, error)

// Session binds a session id to one interpreter subprocess. Calls are
// executed one at a time in the order they arrive.
type Session struct {
	lang   Language
	id     string
	spawn  spawnFunc
	logger *zap.Logger

	// lock is held by the running call, or by the initial spawn.
	lock *fifoLock

	// ctx is cancelled by Terminate and interrupts queued and running calls.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	proc       *process
	startErr   error
	executions uint64
}

// newSession returns a Session in StateStarting and spawns its interpreter
// in the background. Calls made before the spawn finishes queue behind it.
func newSession(lang Language, id string, spawn spawnFunc, logger *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		lang:   lang,
		id:     id,
		spawn:  spawn,
		logger: logger.With(zap.String("session_id", id)),
		ctx:    ctx,
		cancel: cancel,
		lock:   newFIFOLock(),
		state:  StateStarting,
	}
	s.lock.TryLock()
	go s.start()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Language() Language { return s.lang }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		Language:   s.lang,
		ID:         s.id,
		State:      s.state,
		Executions: s.executions,
	}
	if s.proc != nil {
		info.PID = s.proc.pid()
	}
	return info
}

func (s *Session) start() {
	defer s.lock.Unlock()
	proc, err := s.spawn(s.ctx)

	s.mu.Lock()
	if s.state == StateTerminated || s.ctx.Err() != nil {
		s.state = StateTerminated
		s.mu.Unlock()
		if proc != nil {
			s.logger.Info("session terminated during startup, discarding interpreter")
			proc.terminate()
		}
		return
	}
	defer s.mu.Unlock()
	if err != nil {
		s.logger.Warn("interpreter failed to start", zap.Error(err))
		s.state = StateFaulted
		s.startErr = err
		return
	}
	s.proc = proc
	s.state = StateIdle
}

// Execute runs code in the session's interpreter. A non-positive timeout
// waits until the code finishes or ctx is done. The returned Result holds
// all output captured, including when an error is returned.
func (s *Session) Execute(ctx context.Context, code string, timeout time.Duration) (Result, error) {
	res := Result{Language: s.lang, SessionID: s.id}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if err := s.lock.Lock(ctx); err != nil {
		if s.ctx.Err() != nil {
			return res, ErrSessionTerminated
		}
		res.Status = StatusTimedOut
		return res, fmt.Errorf("%w: waiting for session %s: %v", ErrTimedOut, s.id, err)
	}
	defer s.lock.Unlock()

	proc, err := s.prepare(ctx)
	if err != nil {
		res.Status = StatusFaulted
		return res, err
	}

	s.mu.Lock()
	s.state = StateExecuting
	s.executions++
	n := s.executions
	s.mu.Unlock()

	runCtx := ctx
	if timeout > 0 {
		var cancelRun context.CancelFunc
		runCtx, cancelRun = context.WithTimeout(ctx, timeout)
		defer cancelRun()
	}

	start := time.Now()
	out := proc.runOnce(runCtx, code, newSentinel(n))
	res.Duration = time.Since(start)
	res.Status = out.status
	res.Output = out.lines

	s.finish(proc, out)
	return res, statusError(out.status)
}

// prepare returns a ready interpreter, respawning one if the previous
// interpreter faulted or timed out. The execution lock must be held.
func (s *Session) prepare(ctx context.Context) (*process, error) {
	s.mu.Lock()
	if s.state == StateTerminated || s.ctx.Err() != nil {
		s.mu.Unlock()
		return nil, ErrSessionTerminated
	}
	if err := s.startErr; err != nil {
		s.startErr = nil
		s.mu.Unlock()
		return nil, err
	}
	if s.proc != nil && s.state == StateIdle {
		proc := s.proc
		s.mu.Unlock()
		return proc, nil
	}
	s.state = StateStarting
	s.mu.Unlock()

	s.logger.Info("respawning interpreter")
	proc, err := s.spawn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateFaulted
		return nil, err
	}
	s.proc = proc
	s.state = StateIdle
	return proc, nil
}

// finish records the outcome of a call. Any status other than completed
// discards the interpreter along with its state.
func (s *Session) finish(proc *process, out runResult) {
	s.mu.Lock()
	if out.status == StatusCompleted {
		s.state = StateIdle
		s.mu.Unlock()
		return
	}
	s.proc = nil
	if s.ctx.Err() != nil {
		s.state = StateTerminated
	} else {
		s.state = StateFaulted
	}
	s.mu.Unlock()

	s.logger.Warn("discarding interpreter",
		zap.Stringer("status", out.status),
		zap.String("reason", out.reason),
		zap.Int("pid", proc.pid()),
	)
	proc.terminate()
}

// Terminate stops the session. A running call is interrupted and reported
// as timed out; queued calls fail with ErrSessionTerminated. Terminate
// waits for the running call to finish unless ctx is done first.
func (s *Session) Terminate(ctx context.Context) error {
	s.cancel()
	if err := s.lock.Lock(ctx); err != nil {
		s.mu.Lock()
		s.state = StateTerminated
		s.mu.Unlock()
		return fmt.Errorf("terminating session %s: %w", s.id, err)
	}
	defer s.lock.Unlock()

	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.state = StateTerminated
	s.mu.Unlock()

	if proc != nil {
		proc.terminate()
	}
	return nil
}
