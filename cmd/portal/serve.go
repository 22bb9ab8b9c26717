package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/suryatmodulus/microsandbox/internal/server"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the JSON-RPC server",
	Long: `Start the portal HTTP server.

JSON-RPC calls are served at POST /api/v1/rpc and over a websocket at
/api/v1/ws. Interpreters are started before the server begins listening.

Examples:
  portal serve
  portal serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	handle, err := startEngines(ctx, cfg, logger, "")
	if err != nil {
		return fmt.Errorf("starting engines: %w", err)
	}

	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(handle, store, newSandbox(cfg, logger),
		server.WithLogger(logger),
		server.WithDefaultTimeout(cfg.Execution.DefaultTimeout),
		server.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	)

	// Graceful shutdown on SIGINT/SIGTERM
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		shutdown(shutdownCtx, srv, handle, logger)
	}()

	serveErr := srv.Start(port)
	stop()
	<-drained
	return serveErr
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// shutdown drains the HTTP server while the engines stop. Stopping the
// engines ends in-flight calls, so the drain does not wait on them.
func shutdown(ctx context.Context, srv, engines shutdowner, logger *zap.Logger) {
	var g errgroup.Group
	g.Go(func() error {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		if err := engines.Shutdown(ctx); err != nil {
			logger.Warn("engine shutdown", zap.Error(err))
		}
		return nil
	})
	_ = g.Wait()
}
