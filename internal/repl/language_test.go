package repl

import (
	"errors"
	"testing"
)

func TestParseLanguage(t *testing.T) {
	tests := []struct {
		in   string
		want Language
		err  bool
	}{
		{"python", Python, false},
		{"Python3", Python, false},
		{" py ", Python, false},
		{"nodejs", Node, false},
		{"node", Node, false},
		{"JavaScript", Node, false},
		{"js", Node, false},
		{"ruby", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseLanguage(tt.in)
		if tt.err {
			if !errors.Is(err, ErrUnsupportedLanguage) {
				t.Errorf("ParseLanguage(%q): expected ErrUnsupportedLanguage, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseLanguage(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestStartupErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := error(&StartupError{Language: Python, Err: cause})
	if !errors.Is(err, ErrEngineStartup) {
		t.Error("expected ErrEngineStartup")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be preserved")
	}
	if got, want := err.Error(), "starting python interpreter: boom"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestStatusError(t *testing.T) {
	if err := statusError(StatusCompleted); err != nil {
		t.Errorf("completed: %v", err)
	}
	if err := statusError(StatusTimedOut); !errors.Is(err, ErrTimedOut) {
		t.Errorf("timed out: %v", err)
	}
	if err := statusError(StatusFaulted); !errors.Is(err, ErrExecutionFault) {
		t.Errorf("faulted: %v", err)
	}
	if err := statusError(Status(42)); !errors.Is(err, ErrInternal) {
		t.Errorf("unknown: %v", err)
	}
}
