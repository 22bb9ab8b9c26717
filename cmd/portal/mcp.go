package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/suryatmodulus/microsandbox/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the REPL engines as MCP tools over stdio",
	Long: `Serve repl_run, repl_sessions and command_run as MCP tools on
stdin and stdout. Logs always go to stderr in this mode.

Example tool server entry:
  portal:
    binary: portal
    args: ["mcp"]`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the protocol.
	if cfg.Log.OutputPath == "" || cfg.Log.OutputPath == "stdout" {
		cfg.Log.OutputPath = "stderr"
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	handle, err := startEngines(context.Background(), cfg, logger, "")
	if err != nil {
		return err
	}
	defer handle.Shutdown(context.Background())

	s := mcpserver.New(handle, mcpserver.Options{
		Version:        version,
		Sandbox:        newSandbox(cfg, logger),
		Store:          store,
		Logger:         logger,
		DefaultTimeout: cfg.Execution.DefaultTimeout,
	})
	return mcpserver.ServeStdio(s)
}
