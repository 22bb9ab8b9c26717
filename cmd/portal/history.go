package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/suryatmodulus/microsandbox/internal/repl"
	"github.com/suryatmodulus/microsandbox/internal/storage"
)

var (
	listLimitFlag int
	showLimitFlag int
	exportFormat  string
	exportOutput  string
	forceFlag     bool
)

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"hist", "h"},
	Short:   "Browse recorded executions",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions with recorded executions",
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show the executions of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyGetCmd = &cobra.Command{
	Use:   "get <execution-id>",
	Short: "Show one execution by id or id prefix",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryGet,
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete the history of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryDelete,
}

var historyExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session as markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryExport,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyGetCmd, historyDeleteCmd, historyExportCmd)

	historyListCmd.Flags().IntVar(&listLimitFlag, "limit", 20, "Max sessions to show")
	historyShowCmd.Flags().IntVar(&showLimitFlag, "limit", 50, "Max executions to show")

	historyExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	historyExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	historyDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func historyStore() (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Storage.Enabled {
		return nil, errors.New("execution history is disabled (storage.enabled is false)")
	}
	return openStore(cfg)
}

// sessionExecutions returns every execution of a session, oldest first.
func sessionExecutions(ctx context.Context, store storage.Store, sessionID string, limit int) ([]storage.Execution, error) {
	execs, err := store.ListExecutions(ctx, storage.ExecutionListOptions{SessionID: sessionID, Limit: limit})
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	slices.Reverse(execs)
	return execs, nil
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	store, err := historyStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(context.Background(), listLimitFlag)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No history found.")
		return nil
	}

	fmt.Fprintf(out, "%-24s %-8s %-6s %-6s %s\n", "SESSION", "LANGUAGE", "RUNS", "FAILED", "LAST RUN")
	fmt.Fprintln(out, strings.Repeat("─", 64))
	for _, s := range sessions {
		fmt.Fprintf(out, "%-24s %-8s %-6d %-6d %s\n",
			truncate(s.SessionID, 22), s.Language, s.Executions, s.Failures, timeAgo(s.LastAt))
	}
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, err := historyStore()
	if err != nil {
		return err
	}
	defer store.Close()

	execs, err := sessionExecutions(context.Background(), store, args[0], showLimitFlag)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session:    %s\n", args[0])
	fmt.Fprintf(out, "Executions: %d\n", len(execs))
	fmt.Fprintln(out, strings.Repeat("─", 60))
	for _, e := range execs {
		printExecution(out, &e, 200)
	}
	return nil
}

func runHistoryGet(cmd *cobra.Command, args []string) error {
	store, err := historyStore()
	if err != nil {
		return err
	}
	defer store.Close()

	e, err := store.GetExecution(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("execution %s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Execution: %s\n", e.ID)
	fmt.Fprintf(out, "Session:   %s\n", e.SessionID)
	fmt.Fprintf(out, "Language:  %s\n", e.Language)
	fmt.Fprintf(out, "Created:   %s\n", e.CreatedAt.Format(time.RFC3339))
	printExecution(out, e, 0)
	return nil
}

// printExecution writes one execution. Code and output lines longer than
// maxLen are cut when maxLen is positive.
func printExecution(w io.Writer, e *storage.Execution, maxLen int) {
	cut := func(s string) string {
		if maxLen > 0 {
			return truncate(s, maxLen)
		}
		return s
	}

	color := "32"
	if e.Status != storage.StatusSuccess {
		color = "31"
	}
	fmt.Fprintf(w, "\n\033[%sm%s\033[0m %s (%dms)\n", color, e.Status, e.ID[:min(8, len(e.ID))], e.DurationMs)
	for _, line := range strings.Split(strings.TrimRight(e.Code, "\n"), "\n") {
		fmt.Fprintf(w, "\033[36m>\033[0m %s\n", cut(line))
	}
	for _, l := range e.Output {
		if l.Stream == repl.Stderr {
			fmt.Fprintf(w, "  \033[33m│ %s\033[0m\n", cut(l.Text))
		} else {
			fmt.Fprintf(w, "  \033[90m│\033[0m %s\n", cut(l.Text))
		}
	}
	if e.Error != "" {
		fmt.Fprintf(w, "  \033[31m%s\033[0m\n", e.Error)
	}
}

func runHistoryDelete(cmd *cobra.Command, args []string) error {
	store, err := historyStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	id := args[0]

	if !forceFlag {
		fmt.Fprintf(cmd.OutOrStdout(), "Delete the history of session %q? [y/N] ", id)
		var confirm string
		fmt.Fscanln(cmd.InOrStdin(), &confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
			return nil
		}
	}

	n, err := store.DeleteSession(ctx, id)
	if err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d executions of session %s\n", n, id)
	return nil
}

func runHistoryExport(cmd *cobra.Command, args []string) error {
	store, err := historyStore()
	if err != nil {
		return err
	}
	defer store.Close()

	execs, err := sessionExecutions(context.Background(), store, args[0], 0)
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(args[0], execs)
		if err != nil {
			return err
		}
		output = string(data)
	case "md", "markdown":
		output = storage.ExportMarkdown(args[0], execs)
	default:
		return fmt.Errorf("unknown export format %q (want md or json)", exportFormat)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Fprint(cmd.OutOrStdout(), output)
	return nil
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
