package repl

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed drivers/python.py
var pythonDriver string

//go:embed drivers/node.js
var nodeDriver string

const defaultStartupTimeout = 10 * time.Second

// Profile is the spawn policy for one language's interpreter.
type Profile struct {
	Language       Language      `yaml:"-"`
	Executable     string        `yaml:"executable"`
	Args           []string      `yaml:"args"`
	Env            []string      `yaml:"env"`
	Dir            string        `yaml:"dir"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	// FatalPatterns are stderr substrings that mark the interpreter as
	// unusable even though it has not exited yet.
	FatalPatterns []string `yaml:"fatal_patterns"`
}

// DefaultProfile returns the built-in profile for lang.
func DefaultProfile(lang Language) Profile {
	switch lang {
	case Python:
		return Profile{
			Language:       Python,
			Executable:     "python3",
			Args:           []string{"-u", "-c", pythonDriver},
			Env:            []string{"PYTHONIOENCODING=utf-8", "PYTHONDONTWRITEBYTECODE=1"},
			StartupTimeout: defaultStartupTimeout,
			FatalPatterns:  []string{"Fatal Python error"},
		}
	case Node:
		return Profile{
			Language:       Node,
			Executable:     "node",
			Args:           []string{"-e", nodeDriver},
			Env:            []string{"NODE_NO_WARNINGS=1"},
			StartupTimeout: defaultStartupTimeout,
			FatalPatterns:  []string{"FATAL ERROR:"},
		}
	default:
		return Profile{Language: lang, StartupTimeout: defaultStartupTimeout}
	}
}

// LoadProfile reads a YAML profile from path on top of lang's defaults.
// Fields absent from the file keep their default values.
func LoadProfile(lang Language, path string) (Profile, error) {
	p := DefaultProfile(lang)
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("reading profile %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parsing profile %s: %w", path, err)
	}
	p.Language = lang
	return p, nil
}

func (p Profile) validate() error {
	if p.Language == "" {
		return fmt.Errorf("profile has no language")
	}
	if p.Executable == "" {
		return fmt.Errorf("profile for %s has no executable", p.Language)
	}
	return nil
}
