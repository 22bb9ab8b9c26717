package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/suryatmodulus/microsandbox/internal/config"
	"github.com/suryatmodulus/microsandbox/internal/logging"
	"github.com/suryatmodulus/microsandbox/internal/repl"
	"github.com/suryatmodulus/microsandbox/internal/sandbox"
	"github.com/suryatmodulus/microsandbox/internal/storage"
	"github.com/suryatmodulus/microsandbox/internal/storage/sqlite"
)

var version = "dev"

var (
	configFlag   string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "portal",
	Short: "Portal - stateful code execution for Python and Node.js",
	Long: `Portal runs code in persistent Python and Node.js interpreters.

Each session keeps its own interpreter, so variables, imports and
functions defined by one call are visible to the next. Sessions are
served over JSON-RPC, MCP, or used directly from the command line.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./portal.yaml or ~/.portal/portal.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	return logger, nil
}

// startEngines starts the configured engines. When only is set, just that
// language is started and it must come up.
func startEngines(ctx context.Context, cfg *config.Config, logger *zap.Logger, only string) (*repl.Handle, error) {
	if only != "" {
		lang, err := repl.ParseLanguage(only)
		if err != nil {
			return nil, err
		}
		ec, err := cfg.Engine(lang)
		if err != nil {
			return nil, err
		}
		ec.Enabled = true
		cfg.Engines = map[string]config.EngineConfig{string(lang): ec}
	}

	engines, err := cfg.EngineConfigs()
	if err != nil {
		return nil, err
	}
	if only != "" {
		engines[0].Required = true
	}
	return repl.StartEngines(ctx, repl.Config{
		Engines: engines,
		Limits:  cfg.Limits(),
	}, repl.WithLogger(logger))
}

// openStore opens the history database, or returns nil when history is
// disabled.
func openStore(cfg *config.Config) (storage.Store, error) {
	if !cfg.Storage.Enabled {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

// newSandbox returns the command sandbox, or nil when commands are
// disabled.
func newSandbox(cfg *config.Config, logger *zap.Logger) sandbox.Sandbox {
	if !cfg.Command.Enabled {
		return nil
	}
	policy := sandbox.DefaultPolicy()
	policy.Allowed = cfg.Command.Allowed
	if cfg.Command.MaxTimeout > 0 {
		policy.MaxTimeout = cfg.Command.MaxTimeout
	}
	if cfg.Execution.MaxOutputBytes > 0 {
		policy.MaxOutputBytes = cfg.Execution.MaxOutputBytes
	}
	return sandbox.NewLocalSandbox(policy, logger)
}
