package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/suryatmodulus/microsandbox/internal/repl"
	"github.com/suryatmodulus/microsandbox/internal/sandbox"
	"github.com/suryatmodulus/microsandbox/internal/storage"
)

const jsonrpcVersion = "2.0"

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

const (
	methodReplRun      = "sandbox.repl.run"
	methodReplSessions = "sandbox.repl.sessions"
	methodReplClose    = "sandbox.repl.close"
	methodCommandRun   = "sandbox.command.run"

	// methodReplOutput is a server-to-client notification on websockets.
	methodReplOutput = "sandbox.repl.output"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func newRPCError(code int, format string, args ...any) *rpcError {
	return &rpcError{Code: code, Message: fmt.Sprintf(format, args...)}
}

type replRunParams struct {
	Code      string `json:"code"`
	Language  string `json:"language"`
	SessionID string `json:"session_id"`
	// TimeoutSeconds and its alias Timeout are whole or fractional seconds.
	TimeoutSeconds *float64 `json:"timeout_seconds"`
	Timeout        *float64 `json:"timeout"`
}

type replRunResult struct {
	Status      storage.ExecutionStatus `json:"status"`
	Output      []repl.Line             `json:"output"`
	ExecutionID string                  `json:"execution_id,omitempty"`
	SessionID   string                  `json:"session_id"`
	Language    string                  `json:"language"`
	DurationMs  int64                   `json:"duration_ms"`
	Error       string                  `json:"error,omitempty"`
}

type replCloseParams struct {
	Language  string `json:"language"`
	SessionID string `json:"session_id"`
}

type commandRunParams struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Timeout *float64 `json:"timeout"`
}

type outputNotification struct {
	ExecutionID string      `json:"execution_id"`
	SessionID   string      `json:"session_id"`
	Stream      repl.Stream `json:"stream"`
	Text        string      `json:"text"`
}

// notifyFunc pushes a notification to the caller, when the transport
// supports it.
type notifyFunc func(method string, params any)

func decodeParams(raw json.RawMessage, v any) *rpcError {
	if len(raw) == 0 {
		return newRPCError(codeInvalidParams, "missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return newRPCError(codeInvalidParams, "invalid params: %v", err)
	}
	return nil
}

func seconds(v *float64) (time.Duration, *rpcError) {
	if v == nil {
		return 0, nil
	}
	if *v < 0 || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, newRPCError(codeInvalidParams, "timeout must be a non-negative number of seconds")
	}
	return time.Duration(*v * float64(time.Second)), nil
}

// dispatch runs one JSON-RPC call.
func (s *Server) dispatch(ctx context.Context, req *rpcRequest, notify notifyFunc) (any, *rpcError) {
	if req.JSONRPC != jsonrpcVersion {
		return nil, newRPCError(codeInvalidRequest, "jsonrpc must be %q", jsonrpcVersion)
	}
	switch req.Method {
	case "":
		return nil, newRPCError(codeInvalidRequest, "missing method")
	case methodReplRun:
		return s.replRun(ctx, req.Params, notify)
	case methodReplSessions:
		return map[string]any{"sessions": nonNil(s.engine.Sessions())}, nil
	case methodReplClose:
		return s.replClose(ctx, req.Params)
	case methodCommandRun:
		if s.sandbox == nil {
			return nil, newRPCError(codeMethodNotFound, "method %s is disabled", req.Method)
		}
		return s.commandRun(ctx, req.Params)
	default:
		return nil, newRPCError(codeMethodNotFound, "method not found: %s", req.Method)
	}
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func (s *Server) replRun(ctx context.Context, raw json.RawMessage, notify notifyFunc) (any, *rpcError) {
	var p replRunParams
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}
	if p.Language == "" {
		return nil, newRPCError(codeInvalidParams, "language is required")
	}
	if p.SessionID == "" {
		p.SessionID = repl.DefaultSessionID
	}
	timeout, rerr := seconds(p.TimeoutSeconds)
	if rerr != nil {
		return nil, rerr
	}
	if p.TimeoutSeconds == nil {
		if timeout, rerr = seconds(p.Timeout); rerr != nil {
			return nil, rerr
		}
	}
	if timeout == 0 {
		timeout = s.defaultTimeout
	}

	res, err := s.engine.Eval(ctx, repl.Request{
		Code:      p.Code,
		Language:  p.Language,
		SessionID: p.SessionID,
		Timeout:   timeout,
	})
	switch {
	case errors.Is(err, repl.ErrUnsupportedLanguage):
		return nil, newRPCError(codeInvalidParams, "%v", err)
	case errors.Is(err, repl.ErrHandleClosed), errors.Is(err, repl.ErrInternal):
		return nil, newRPCError(codeInternalError, "%v", err)
	}

	out := replRunResult{
		Status:      storage.StatusOf(res.Status, err),
		Output:      nonNil(res.Output),
		ExecutionID: res.Execution,
		SessionID:   p.SessionID,
		Language:    string(res.Language),
		DurationMs:  res.Duration.Milliseconds(),
	}
	if err != nil {
		out.Error = err.Error()
	}

	if notify != nil {
		for _, l := range out.Output {
			notify(methodReplOutput, outputNotification{
				ExecutionID: out.ExecutionID,
				SessionID:   out.SessionID,
				Stream:      l.Stream,
				Text:        l.Text,
			})
		}
	}
	s.record(ctx, p.Code, res, err)
	return out, nil
}

// record stores an execution in the history. Failures are only logged.
func (s *Server) record(ctx context.Context, code string, res repl.Result, err error) {
	if s.store == nil || res.Execution == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.RecordExecution(ctx, storage.NewExecution(code, res, err)); err != nil {
		s.logger.Warn("recording execution", zap.String("execution_id", res.Execution), zap.Error(err))
	}
}

func (s *Server) replClose(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p replCloseParams
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}
	if p.Language == "" || p.SessionID == "" {
		return nil, newRPCError(codeInvalidParams, "language and session_id are required")
	}
	err := s.engine.CloseSession(ctx, p.Language, p.SessionID)
	switch {
	case err == nil:
		return map[string]any{"closed": true, "session_id": p.SessionID}, nil
	case errors.Is(err, repl.ErrUnsupportedLanguage), errors.Is(err, repl.ErrSessionNotFound):
		return nil, newRPCError(codeInvalidParams, "%v", err)
	default:
		return nil, newRPCError(codeInternalError, "%v", err)
	}
}

func (s *Server) commandRun(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p commandRunParams
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}
	if p.Command == "" {
		return nil, newRPCError(codeInvalidParams, "command is required")
	}
	timeout, rerr := seconds(p.Timeout)
	if rerr != nil {
		return nil, rerr
	}
	if p.Args == nil {
		p.Args = []string{}
	}

	res, err := s.sandbox.Exec(ctx, sandbox.ExecOpts{Command: p.Command, Args: p.Args, Timeout: timeout})
	switch {
	case errors.Is(err, sandbox.ErrCommandNotAllowed):
		return nil, newRPCError(codeInvalidParams, "%v", err)
	case err != nil:
		// The command never ran; report it the way a shell would.
		return &sandbox.ExecResult{
			Command:  p.Command,
			Args:     p.Args,
			ExitCode: -1,
			Output:   []repl.Line{{Stream: repl.Stderr, Text: err.Error()}},
		}, nil
	}
	return res, nil
}
