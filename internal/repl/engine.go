package repl

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultSessionID is used when a request names no session.
const DefaultSessionID = "default"

var errEngineClosed = fmt.Errorf("%w: engine shut down", ErrHandleClosed)

// Engine runs sessions for a single language.
type Engine struct {
	profile  Profile
	limits   Limits
	logger   *zap.Logger
	sessions *registry
}

// NewEngine returns an Engine for profile.Language. No interpreter is
// started until Probe or Eval is called.
func NewEngine(profile Profile, limits Limits, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		profile: profile,
		limits:  limits.withDefaults(),
		logger:  logger.Named("engine").With(zap.String("language", string(profile.Language))),
	}
	e.sessions = newRegistry(func(id string) *Session {
		return newSession(profile.Language, id, e.spawn, e.logger.Named("session"))
	})
	return e
}

func (e *Engine) Language() Language { return e.profile.Language }

func (e *Engine) Profile() Profile { return e.profile }

func (e *Engine) spawn(ctx context.Context) (*process, error) {
	return spawn(ctx, e.profile, e.limits, e.logger)
}

// Probe starts a throwaway interpreter, completes the readiness handshake
// and kills it again.
func (e *Engine) Probe(ctx context.Context) error {
	p, err := e.spawn(ctx)
	if err != nil {
		return err
	}
	p.terminate()
	return nil
}

// Eval runs code in the session named sessionID, creating it on first use.
func (e *Engine) Eval(ctx context.Context, sessionID, code string, timeout time.Duration) (Result, error) {
	if sessionID == "" {
		sessionID = DefaultSessionID
	}
	s, err := e.sessions.getOrCreate(sessionID)
	if err != nil {
		return Result{Language: e.profile.Language, SessionID: sessionID}, err
	}

	id := uuid.NewString()
	res, err := s.Execute(ctx, code, timeout)
	res.Execution = id

	fields := []zap.Field{
		zap.String("session_id", sessionID),
		zap.String("execution_id", id),
		zap.Stringer("status", res.Status),
		zap.Duration("duration", res.Duration),
		zap.Int("lines", len(res.Output)),
	}
	if err != nil {
		e.logger.Warn("execution failed", append(fields, zap.Error(err))...)
	} else {
		e.logger.Debug("execution completed", fields...)
	}
	return res, err
}

// Sessions returns a snapshot of every session of this engine.
func (e *Engine) Sessions() []SessionInfo {
	sessions := e.sessions.list()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// CloseSession terminates one session. The next Eval with the same id
// starts from a fresh interpreter.
func (e *Engine) CloseSession(ctx context.Context, id string) error {
	s, ok := e.sessions.remove(id)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrSessionNotFound, e.profile.Language, id)
	}
	return s.Terminate(ctx)
}

// Shutdown terminates all sessions and rejects further calls.
func (e *Engine) Shutdown(ctx context.Context) error {
	if err := e.sessions.closeAll(ctx); err != nil {
		return fmt.Errorf("shutting down %s engine: %w", e.profile.Language, err)
	}
	return nil
}
