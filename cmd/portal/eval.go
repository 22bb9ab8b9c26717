package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/suryatmodulus/microsandbox/internal/config"
	"github.com/suryatmodulus/microsandbox/internal/repl"
	"github.com/suryatmodulus/microsandbox/internal/storage"
)

var (
	languageFlag string
	sessionFlag  string
	timeoutFlag  time.Duration
	jsonFlag     bool
)

var evalCmd = &cobra.Command{
	Use:   "eval [code]",
	Short: "Evaluate code once and print its output",
	Long: `Evaluate code in a fresh interpreter and print its output.

Code is taken from the arguments, or from stdin when none are given or
the only argument is "-". Stdout and stderr of the code go to the
matching streams. The exit status is non-zero when the code times out
or the interpreter faults.

Examples:
  portal eval -l python 'print(1 + 1)'
  echo 'console.log(process.version)' | portal eval -l node`,
	RunE: runEval,
}

func init() {
	evalCmd.Flags().StringVarP(&languageFlag, "language", "l", "python", "Language (python, nodejs)")
	evalCmd.Flags().StringVarP(&sessionFlag, "session", "s", repl.DefaultSessionID, "Session id recorded in history")
	evalCmd.Flags().DurationVarP(&timeoutFlag, "timeout", "t", 0, "Execution timeout (overrides config)")
	evalCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the result as JSON")
	rootCmd.AddCommand(evalCmd)
}

// quietConfig loads the config for interactive commands, which only log
// warnings unless asked otherwise.
func quietConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if logLevelFlag == "" {
		cfg.Log.Level = "warn"
	}
	return cfg, nil
}

func readCode(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

func runEval(cmd *cobra.Command, args []string) error {
	code, err := readCode(args, cmd.InOrStdin())
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	handle, err := startEngines(ctx, cfg, logger, languageFlag)
	if err != nil {
		return err
	}
	defer handle.Shutdown(context.Background())

	timeout := cfg.Execution.DefaultTimeout
	if timeoutFlag > 0 {
		timeout = timeoutFlag
	}

	res, evalErr := handle.Eval(ctx, repl.Request{
		Code:      code,
		Language:  languageFlag,
		SessionID: sessionFlag,
		Timeout:   timeout,
	})
	recordExecution(store, logger, code, res, evalErr)

	if jsonFlag {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(storage.NewExecution(code, res, evalErr)); err != nil {
			return err
		}
	} else {
		printLines(cmd.OutOrStdout(), cmd.ErrOrStderr(), res.Output)
	}
	return evalErr
}

// printLines writes each line to the stream it came from.
func printLines(stdout, stderr io.Writer, lines []repl.Line) {
	for _, l := range lines {
		w := stdout
		if l.Stream == repl.Stderr {
			w = stderr
		}
		fmt.Fprintln(w, l.Text)
	}
}

func recordExecution(store storage.Store, logger *zap.Logger, code string, res repl.Result, err error) {
	if store == nil || res.Execution == "" {
		return
	}
	if err := store.RecordExecution(context.Background(), storage.NewExecution(code, res, err)); err != nil {
		logger.Warn("recording execution", zap.Error(err))
	}
}
