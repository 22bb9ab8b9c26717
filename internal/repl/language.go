package repl

import (
	"fmt"
	"strings"
)

// Language is a guest language tag. The set of languages is closed: only
// the constants below can be started.
type Language string

const (
	Python Language = "python"
	Node   Language = "nodejs"
)

// Languages lists every language the engine knows how to drive.
func Languages() []Language {
	return []Language{Python, Node}
}

// ParseLanguage resolves a language name or alias to a Language.
func ParseLanguage(name string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "python", "python3", "py":
		return Python, nil
	case "nodejs", "node", "javascript", "js":
		return Node, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, name)
	}
}

func (l Language) String() string { return string(l) }
