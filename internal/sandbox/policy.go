package sandbox

import (
	"path/filepath"
	"slices"
	"time"
)

// Policy defines the limits applied to every command.
type Policy struct {
	MaxTimeout     time.Duration // Maximum execution time
	MaxOutputBytes int           // Output captured before truncation
	Allowed        []string      // Allowed command names; empty allows any
	Dir            string        // Default working directory
}

// DefaultPolicy returns the defaults used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxTimeout:     30 * time.Second,
		MaxOutputBytes: 1 << 20,
	}
}

// IsCommandAllowed checks a command against the allowlist. Entries match
// either the exact command or its base name.
func (p Policy) IsCommandAllowed(command string) bool {
	if command == "" {
		return false
	}
	if len(p.Allowed) == 0 {
		return true
	}
	return slices.Contains(p.Allowed, command) || slices.Contains(p.Allowed, filepath.Base(command))
}

// Timeout returns the effective timeout for a requested one.
func (p Policy) Timeout(requested time.Duration) time.Duration {
	if p.MaxTimeout <= 0 {
		return requested
	}
	if requested <= 0 || requested > p.MaxTimeout {
		return p.MaxTimeout
	}
	return requested
}
