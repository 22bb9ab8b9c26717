// Package mcpserver exposes the REPL engines and the command sandbox as
// MCP tools.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/suryatmodulus/microsandbox/internal/repl"
	"github.com/suryatmodulus/microsandbox/internal/sandbox"
	"github.com/suryatmodulus/microsandbox/internal/storage"
)

// maxTextBytes bounds the text returned by a single tool call.
const maxTextBytes = 16000

// Engine is the subset of *repl.Handle used by the tools.
type Engine interface {
	Eval(ctx context.Context, req repl.Request) (repl.Result, error)
	Languages() []repl.Language
	Sessions() []repl.SessionInfo
}

// Tools holds the dependencies of the tool handlers.
type Tools struct {
	engine         Engine
	sandbox        sandbox.Sandbox
	store          storage.Store
	logger         *zap.Logger
	defaultTimeout time.Duration
}

// Options configures the MCP server. Sandbox and Store may be nil.
type Options struct {
	Version        string
	Sandbox        sandbox.Sandbox
	Store          storage.Store
	Logger         *zap.Logger
	DefaultTimeout time.Duration
}

// New builds an MCP server with repl_run and repl_sessions, plus
// command_run when a sandbox is configured.
func New(engine Engine, opts Options) *server.MCPServer {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	t := &Tools{
		engine:         engine,
		sandbox:        opts.Sandbox,
		store:          opts.Store,
		logger:         opts.Logger,
		defaultTimeout: opts.DefaultTimeout,
	}

	s := server.NewMCPServer("portal", opts.Version)

	var langs []string
	for _, l := range engine.Languages() {
		langs = append(langs, string(l))
	}

	s.AddTool(mcp.Tool{
		Name: "repl_run",
		Description: fmt.Sprintf("Run code in a persistent REPL session. Variables and imports survive "+
			"between calls with the same session_id. Supported languages: %s.", strings.Join(langs, ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Interpreter language (" + strings.Join(langs, ", ") + ")",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session to run in (optional, defaults to \"default\")",
				},
				"timeout_seconds": map[string]any{
					"type":        "number",
					"description": "Maximum run time in seconds (optional)",
				},
			},
			Required: []string{"language", "code"},
		},
	}, t.handleReplRun)

	s.AddTool(mcp.Tool{
		Name:        "repl_sessions",
		Description: "List live REPL sessions and their state.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, t.handleReplSessions)

	if t.sandbox != nil {
		s.AddTool(mcp.Tool{
			Name:        "command_run",
			Description: "Run an allowed command directly, without a shell, and return its output and exit code.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"command": map[string]any{
						"type":        "string",
						"description": "Command to run",
					},
					"args": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Command arguments (optional)",
					},
					"timeout_seconds": map[string]any{
						"type":        "number",
						"description": "Maximum run time in seconds (optional)",
					},
				},
				Required: []string{"command"},
			},
		}, t.handleCommandRun)
	}

	return s
}

// ServeStdio serves s over stdin and stdout until stdin is closed.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func (t *Tools) handleReplRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	language, _ := args["language"].(string)
	code, _ := args["code"].(string)
	sessionID, _ := args["session_id"].(string)
	if language == "" || code == "" {
		return errResult("error: 'language' and 'code' are required"), nil
	}
	timeout := t.defaultTimeout
	if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	res, err := t.engine.Eval(ctx, repl.Request{
		Code:      code,
		Language:  language,
		SessionID: sessionID,
		Timeout:   timeout,
	})
	if errors.Is(err, repl.ErrUnsupportedLanguage) || errors.Is(err, repl.ErrHandleClosed) {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	t.record(ctx, code, res, err)

	text := formatLines(res.Output)
	if err != nil {
		if text != "" {
			text += "\n"
		}
		text += fmt.Sprintf("%s: %v", storage.StatusOf(res.Status, err), err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: truncate(text)}},
		IsError: err != nil,
	}, nil
}

func (t *Tools) record(ctx context.Context, code string, res repl.Result, err error) {
	if t.store == nil || res.Execution == "" {
		return
	}
	if err := t.store.RecordExecution(context.WithoutCancel(ctx), storage.NewExecution(code, res, err)); err != nil {
		t.logger.Warn("recording execution", zap.String("execution_id", res.Execution), zap.Error(err))
	}
}

func (t *Tools) handleReplSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions := t.engine.Sessions()
	if len(sessions) == 0 {
		return textResult("no live sessions"), nil
	}
	var b strings.Builder
	for _, s := range sessions {
		fmt.Fprintf(&b, "%s\t%s\t%s\t%d executions\n", s.Language, s.ID, s.State, s.Executions)
	}
	return textResult(strings.TrimSuffix(b.String(), "\n")), nil
}

func (t *Tools) handleCommandRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	command, _ := args["command"].(string)
	if command == "" {
		return errResult("error: 'command' is required"), nil
	}
	var cmdArgs []string
	if raw, ok := args["args"].([]any); ok {
		for _, a := range raw {
			s, ok := a.(string)
			if !ok {
				return errResult("error: 'args' must be an array of strings"), nil
			}
			cmdArgs = append(cmdArgs, s)
		}
	}
	var timeout time.Duration
	if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	result, err := t.sandbox.Exec(ctx, sandbox.ExecOpts{Command: command, Args: cmdArgs, Timeout: timeout})
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	text := formatLines(result.Output)
	switch {
	case result.TimedOut:
		text += "\ntimed out"
	case result.ExitCode != 0:
		text += fmt.Sprintf("\nexit code: %d", result.ExitCode)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: truncate(strings.TrimPrefix(text, "\n"))}},
		IsError: !result.Success,
	}, nil
}

// formatLines renders stdout first, then stderr under a STDERR: heading.
func formatLines(lines []repl.Line) string {
	var stdout, stderr []string
	for _, l := range lines {
		if l.Stream == repl.Stderr {
			stderr = append(stderr, l.Text)
		} else {
			stdout = append(stdout, l.Text)
		}
	}
	var b strings.Builder
	b.WriteString(strings.Join(stdout, "\n"))
	if len(stderr) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("STDERR:\n" + strings.Join(stderr, "\n"))
	}
	return b.String()
}

func truncate(text string) string {
	if len(text) > maxTextBytes {
		return text[:maxTextBytes] + "\n... (output truncated)"
	}
	return text
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
