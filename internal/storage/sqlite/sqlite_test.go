package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/suryatmodulus/microsandbox/internal/repl"
	"github.com/suryatmodulus/microsandbox/internal/storage"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(t *testing.T, s *SQLiteStore, e storage.Execution) *storage.Execution {
	t.Helper()
	if err := s.RecordExecution(context.Background(), &e); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	return &e
}

func TestRecordAndGetExecution(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	want := record(t, s, storage.Execution{
		ID:        "abc12345-0000-0000-0000-000000000000",
		SessionID: "s1",
		Language:  "python",
		Code:      "print(x)",
		Status:    storage.StatusSuccess,
		Output: []repl.Line{
			{Stream: repl.Stdout, Text: "10"},
			{Stream: repl.Stderr, Text: "warning"},
		},
		DurationMs: 12,
	})

	got, err := s.GetExecution(ctx, want.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at should not be zero")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("execution mismatch (-want +got):\n%s", diff)
	}
}

func TestGetExecutionByPrefix(t *testing.T) {
	s := testStore(t)
	e := record(t, s, storage.Execution{ID: "abc12345-0000", SessionID: "s1", Language: "python", Status: storage.StatusSuccess})

	got, err := s.GetExecution(context.Background(), "abc12345")
	if err != nil {
		t.Fatalf("GetExecution by prefix: %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("got ID %q, want %q", got.ID, e.ID)
	}
}

func TestGetExecutionAmbiguousPrefix(t *testing.T) {
	s := testStore(t)
	record(t, s, storage.Execution{ID: "abc-1", SessionID: "s1", Language: "python", Status: storage.StatusSuccess})
	record(t, s, storage.Execution{ID: "abc-2", SessionID: "s1", Language: "python", Status: storage.StatusSuccess})

	if _, err := s.GetExecution(context.Background(), "abc"); err == nil {
		t.Error("expected error for ambiguous prefix")
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetExecution(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordExecutionRequiresID(t *testing.T) {
	s := testStore(t)
	err := s.RecordExecution(context.Background(), &storage.Execution{SessionID: "s1", Status: storage.StatusSuccess})
	if err == nil {
		t.Error("expected error for execution without id")
	}
}

func TestListExecutionsFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	record(t, s, storage.Execution{ID: "e1", SessionID: "s1", Language: "python", Status: storage.StatusSuccess, CreatedAt: base})
	record(t, s, storage.Execution{ID: "e2", SessionID: "s1", Language: "python", Status: storage.StatusTimeout, CreatedAt: base.Add(time.Second)})
	record(t, s, storage.Execution{ID: "e3", SessionID: "s2", Language: "nodejs", Status: storage.StatusSuccess, CreatedAt: base.Add(2 * time.Second)})

	ids := func(execs []storage.Execution) []string {
		var out []string
		for _, e := range execs {
			out = append(out, e.ID)
		}
		return out
	}

	tests := []struct {
		name string
		opts storage.ExecutionListOptions
		want []string
	}{
		{"all newest first", storage.ExecutionListOptions{}, []string{"e3", "e2", "e1"}},
		{"by session", storage.ExecutionListOptions{SessionID: "s1"}, []string{"e2", "e1"}},
		{"by language", storage.ExecutionListOptions{Language: "nodejs"}, []string{"e3"}},
		{"by status", storage.ExecutionListOptions{Status: storage.StatusTimeout}, []string{"e2"}},
		{"paged", storage.ExecutionListOptions{Limit: 1, Offset: 1}, []string{"e2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListExecutions(ctx, tt.opts)
			if err != nil {
				t.Fatalf("ListExecutions: %v", err)
			}
			if diff := cmp.Diff(tt.want, ids(got)); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestListSessions(t *testing.T) {
	s := testStore(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	record(t, s, storage.Execution{ID: "e1", SessionID: "old", Language: "python", Status: storage.StatusSuccess, CreatedAt: base})
	record(t, s, storage.Execution{ID: "e2", SessionID: "new", Language: "python", Status: storage.StatusSuccess, CreatedAt: base.Add(time.Minute)})
	record(t, s, storage.Execution{ID: "e3", SessionID: "new", Language: "python", Status: storage.StatusError, CreatedAt: base.Add(2 * time.Minute)})

	got, err := s.ListSessions(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	want := []storage.SessionSummary{
		{SessionID: "new", Language: "python", Executions: 2, Failures: 1, FirstAt: base.Add(time.Minute), LastAt: base.Add(2 * time.Minute)},
		{SessionID: "old", Language: "python", Executions: 1, Failures: 0, FirstAt: base, LastAt: base},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("summaries mismatch (-want +got):\n%s", diff)
	}
}

func TestDeleteSession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	record(t, s, storage.Execution{ID: "e1", SessionID: "s1", Language: "python", Status: storage.StatusSuccess})
	record(t, s, storage.Execution{ID: "e2", SessionID: "s1", Language: "python", Status: storage.StatusSuccess})
	record(t, s, storage.Execution{ID: "e3", SessionID: "s2", Language: "python", Status: storage.StatusSuccess})

	n, err := s.DeleteSession(ctx, "s1")
	if err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d rows, want 2", n)
	}
	left, _ := s.ListExecutions(ctx, storage.ExecutionListOptions{})
	if len(left) != 1 || left[0].ID != "e3" {
		t.Errorf("unexpected remaining executions: %v", left)
	}

	if _, err := s.DeleteSession(ctx, "s1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	record(t, s, storage.Execution{ID: "e1", SessionID: "s1", Language: "python", Status: storage.StatusSuccess})
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.GetExecution(context.Background(), "e1"); err != nil {
		t.Errorf("GetExecution after reopen: %v", err)
	}
}
