package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/suryatmodulus/microsandbox/internal/logging"
	"github.com/suryatmodulus/microsandbox/internal/repl"
)

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

type ExecutionConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes"`
	KillGrace      time.Duration `mapstructure:"kill_grace"`
	FenceGrace     time.Duration `mapstructure:"fence_grace"`
}

// EngineConfig configures one language. Executable and StartupTimeout
// override whatever the profile file says.
type EngineConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Required       bool          `mapstructure:"required"`
	Executable     string        `mapstructure:"executable"`
	Profile        string        `mapstructure:"profile"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
}

type CommandConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Allowed    []string      `mapstructure:"allowed"`
	MaxTimeout time.Duration `mapstructure:"max_timeout"`
}

type Config struct {
	Server    ServerConfig            `mapstructure:"server"`
	Log       logging.Config          `mapstructure:"log"`
	Storage   StorageConfig           `mapstructure:"storage"`
	Execution ExecutionConfig         `mapstructure:"execution"`
	Engines   map[string]EngineConfig `mapstructure:"engines"`
	Command   CommandConfig           `mapstructure:"command"`
}

// Load reads portal.yaml from the current directory or $HOME/.portal, or
// the file at path when it is set. A missing default file is not an
// error. Any key can be overridden with a PORTAL_ environment variable,
// e.g. PORTAL_SERVER_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("portal")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.portal")
	}
	v.SetEnvPrefix("portal")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Storage.DBPath = expandHome(cfg.Storage.DBPath)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 4444)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")

	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".portal", "history.db"))

	v.SetDefault("execution.default_timeout", time.Duration(0))
	v.SetDefault("execution.max_output_bytes", 1<<20)
	v.SetDefault("execution.kill_grace", 2*time.Second)
	v.SetDefault("execution.fence_grace", 200*time.Millisecond)

	for _, lang := range repl.Languages() {
		key := "engines." + string(lang)
		v.SetDefault(key+".enabled", true)
		v.SetDefault(key+".required", false)
		v.SetDefault(key+".executable", repl.DefaultProfile(lang).Executable)
		v.SetDefault(key+".profile", "")
		v.SetDefault(key+".startup_timeout", 10*time.Second)
	}

	v.SetDefault("command.enabled", true)
	v.SetDefault("command.allowed", []string{})
	v.SetDefault("command.max_timeout", 30*time.Second)
}

func expandHome(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		return filepath.Join(os.Getenv("HOME"), rest)
	}
	return os.ExpandEnv(path)
}

// Limits returns the per-execution limits shared by all engines.
func (c *Config) Limits() repl.Limits {
	return repl.Limits{
		MaxOutputBytes: c.Execution.MaxOutputBytes,
		KillGrace:      c.Execution.KillGrace,
		FenceGrace:     c.Execution.FenceGrace,
	}
}

// EngineConfigs resolves the profile of every enabled language.
func (c *Config) EngineConfigs() ([]repl.EngineConfig, error) {
	var out []repl.EngineConfig
	for _, lang := range repl.Languages() {
		ec, ok := c.Engines[string(lang)]
		if !ok || !ec.Enabled {
			continue
		}
		profile := repl.DefaultProfile(lang)
		if ec.Profile != "" {
			p, err := repl.LoadProfile(lang, expandHome(ec.Profile))
			if err != nil {
				return nil, err
			}
			profile = p
		}
		if ec.Executable != "" {
			profile.Executable = ec.Executable
		}
		if ec.StartupTimeout > 0 {
			profile.StartupTimeout = ec.StartupTimeout
		}
		out = append(out, repl.EngineConfig{Profile: profile, Required: ec.Required})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no engines enabled")
	}
	return out, nil
}

// Engine returns the settings of one language.
func (c *Config) Engine(lang repl.Language) (EngineConfig, error) {
	ec, ok := c.Engines[string(lang)]
	if !ok {
		return EngineConfig{}, fmt.Errorf("unknown engine: %s", lang)
	}
	return ec, nil
}
