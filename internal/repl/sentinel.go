package repl

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// newSentinel returns the end-of-call marker for execution n. The random
// part comes from a fresh v4 UUID so a guest that has seen earlier tokens
// still cannot predict the next one.
func newSentinel(n uint64) string {
	id := uuid.New()
	return fmt.Sprintf("__PORTAL_%d_%s__", n, hex.EncodeToString(id[:]))
}

// cutSentinel reports whether line ends with sentinel and returns the text
// before it. Guest output written without a trailing newline shares a line
// with the sentinel.
func cutSentinel(line, sentinel string) (string, bool) {
	return strings.CutSuffix(line, sentinel)
}
