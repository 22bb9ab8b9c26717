package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/suryatmodulus/microsandbox/internal/repl"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start an interactive REPL session",
	Long: `Start an interactive session backed by a persistent interpreter.

End a line with \ to continue the input on the next line. Ctrl+C
interrupts the running code; the session then restarts with a fresh
interpreter.

Examples:
  portal repl
  portal repl -l node --session scratch`,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().StringVarP(&languageFlag, "language", "l", "python", "Language (python, nodejs)")
	replCmd.Flags().StringVarP(&sessionFlag, "session", "s", repl.DefaultSessionID, "Session id recorded in history")
	replCmd.Flags().DurationVarP(&timeoutFlag, "timeout", "t", 0, "Execution timeout (overrides config)")
	rootCmd.AddCommand(replCmd)
}

// inputBuffer joins lines that end with a backslash.
type inputBuffer struct {
	lines []string
}

// add appends a line and reports whether the input is complete.
func (b *inputBuffer) add(line string) (string, bool) {
	if rest, ok := strings.CutSuffix(line, `\`); ok {
		b.lines = append(b.lines, rest)
		return "", false
	}
	b.lines = append(b.lines, line)
	code := strings.Join(b.lines, "\n")
	b.lines = nil
	return code, true
}

func (b *inputBuffer) pending() bool { return len(b.lines) > 0 }

func (b *inputBuffer) reset() { b.lines = nil }

func runRepl(cmd *cobra.Command, args []string) error {
	lang, err := repl.ParseLanguage(languageFlag)
	if err != nil {
		return err
	}

	cfg, err := quietConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	handle, err := startEngines(context.Background(), cfg, logger, string(lang))
	if err != nil {
		return err
	}
	defer handle.Shutdown(context.Background())

	timeout := cfg.Execution.DefaultTimeout
	if timeoutFlag > 0 {
		timeout = timeoutFlag
	}

	fmt.Printf("Portal %s REPL (session %s)\n", lang, sessionFlag)
	fmt.Printf("Type /help for commands, /quit to exit\n\n")

	prompt := fmt.Sprintf("\033[36m%s>\033[0m ", lang)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), "portal_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Per-request cancellation: Ctrl+C interrupts the running code, not
	// the whole app.
	var (
		reqMu     sync.Mutex
		reqCancel context.CancelFunc
	)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			reqMu.Lock()
			if reqCancel != nil {
				reqCancel()
			}
			reqMu.Unlock()
		}
	}()

	var buf inputBuffer
	for {
		if buf.pending() {
			rl.SetPrompt("... ")
		} else {
			rl.SetPrompt(prompt)
		}

		input, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) && buf.pending() {
				buf.reset()
				continue
			}
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		if !buf.pending() {
			trimmed := strings.TrimSpace(input)
			if trimmed == "" {
				continue
			}
			if trimmed == "exit" || trimmed == "quit" {
				fmt.Println("Goodbye!")
				return nil
			}
			if strings.HasPrefix(trimmed, "/") {
				if quit := handleReplCommand(handle, lang, trimmed); quit {
					return nil
				}
				continue
			}
		}

		code, complete := buf.add(input)
		if !complete {
			continue
		}

		reqCtx, cancel := context.WithCancel(context.Background())
		reqMu.Lock()
		reqCancel = cancel
		reqMu.Unlock()
		res, evalErr := handle.Eval(reqCtx, repl.Request{
			Code:      code,
			Language:  string(lang),
			SessionID: sessionFlag,
			Timeout:   timeout,
		})
		wasInterrupted := reqCtx.Err() != nil
		cancel()
		reqMu.Lock()
		reqCancel = nil
		reqMu.Unlock()

		recordExecution(store, logger, code, res, evalErr)
		printLines(os.Stdout, os.Stderr, res.Output)
		switch {
		case evalErr == nil:
		case wasInterrupted:
			fmt.Println("(interrupted, interpreter restarted)")
		default:
			fmt.Printf("\033[31merror: %s\033[0m\n", evalErr)
		}
	}
}

// handleReplCommand runs a slash command and reports whether to exit.
func handleReplCommand(handle *repl.Handle, lang repl.Language, input string) bool {
	switch strings.ToLower(strings.Fields(input)[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Goodbye!")
		return true
	case "/reset":
		err := handle.CloseSession(context.Background(), string(lang), sessionFlag)
		if err != nil && !errors.Is(err, repl.ErrSessionNotFound) {
			fmt.Printf("\033[31merror: %s\033[0m\n", err)
			break
		}
		fmt.Println("Session reset.")
	case "/sessions":
		for _, s := range handle.Sessions() {
			fmt.Printf("%-8s %-20s %-10s %d executions\n", s.Language, s.ID, s.State, s.Executions)
		}
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help      - Show this help")
		fmt.Println("  /reset     - Restart the interpreter, clearing all state")
		fmt.Println("  /sessions  - Show live sessions")
		fmt.Println("  /quit      - Exit")
		fmt.Println(`  End a line with \ to continue on the next line.`)
	default:
		fmt.Printf("Unknown command: %s (try /help)\n", input)
	}
	return false
}
