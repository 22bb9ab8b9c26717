package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/suryatmodulus/microsandbox/internal/repl"
)

// ExportMarkdown renders the executions of a session as a markdown
// document, oldest first.
func ExportMarkdown(sessionID string, execs []Execution) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Session %s\n\n", sessionID))
	if len(execs) > 0 {
		b.WriteString(fmt.Sprintf("- **Language:** %s\n", execs[0].Language))
		b.WriteString(fmt.Sprintf("- **Started:** %s\n", execs[0].CreatedAt.Format("2006-01-02 15:04:05")))
	}
	b.WriteString(fmt.Sprintf("- **Executions:** %d\n", len(execs)))
	b.WriteString("\n---\n\n")

	for i, e := range execs {
		b.WriteString(fmt.Sprintf("## %d. %s (%dms)\n\n", i+1, e.Status, e.DurationMs))
		b.WriteString(fmt.Sprintf("```%s\n%s\n```\n\n", fence(e.Language), strings.TrimRight(e.Code, "\n")))
		if e.Error != "" {
			b.WriteString(fmt.Sprintf("**Error:** %s\n\n", e.Error))
		}
		if len(e.Output) == 0 {
			continue
		}
		b.WriteString("```\n")
		for _, l := range e.Output {
			if l.Stream == repl.Stderr {
				b.WriteString("! ")
			}
			b.WriteString(l.Text)
			b.WriteString("\n")
		}
		b.WriteString("```\n\n")
	}

	return b.String()
}

func fence(language string) string {
	switch language {
	case string(repl.Node):
		return "javascript"
	default:
		return language
	}
}

// ExportJSON renders the executions of a session as formatted JSON.
func ExportJSON(sessionID string, execs []Execution) ([]byte, error) {
	export := struct {
		SessionID  string      `json:"session_id"`
		Executions []Execution `json:"executions"`
	}{
		SessionID:  sessionID,
		Executions: execs,
	}
	return json.MarshalIndent(export, "", "  ")
}
