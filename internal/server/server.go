package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/suryatmodulus/microsandbox/internal/repl"
	"github.com/suryatmodulus/microsandbox/internal/sandbox"
	"github.com/suryatmodulus/microsandbox/internal/storage"
)

// Engine is the execution surface the server exposes. *repl.Handle
// implements it.
type Engine interface {
	Eval(ctx context.Context, req repl.Request) (repl.Result, error)
	Languages() []repl.Language
	Sessions() []repl.SessionInfo
	CloseSession(ctx context.Context, language, id string) error
}

// Server is the JSON-RPC server for the portal API.
type Server struct {
	engine  Engine
	store   storage.Store
	sandbox sandbox.Sandbox
	conns   *ConnManager
	logger  *zap.Logger
	router  chi.Router

	mu   sync.Mutex
	http *http.Server

	defaultTimeout  time.Duration
	shutdownTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithDefaultTimeout sets the timeout applied to REPL calls that do not
// carry one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Server) { s.defaultTimeout = d }
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// New creates a new Server. store and sb may be nil, which disables
// execution history and sandbox.command.run respectively.
func New(engine Engine, store storage.Store, sb sandbox.Sandbox, opts ...Option) *Server {
	s := &Server{
		engine:          engine,
		store:           store,
		sandbox:         sb,
		conns:           NewConnManager(),
		logger:          zap.NewNop(),
		router:          chi.NewRouter(),
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("server")
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket (no JSON content-type)
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(jsonContentType)

			r.Get("/health", s.handleHealth)
			r.Post("/rpc", s.handleRPC)

			// Live sessions
			r.Get("/sessions", s.handleListSessions)
			r.Delete("/sessions/{id}", s.handleCloseSession)

			// History
			r.Get("/sessions/{id}/executions", s.handleListExecutions)
			r.Get("/executions/{id}", s.handleGetExecution)
		})
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening on the given port. It returns nil once the server
// has been shut down.
func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", port, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.logger.Info("portal server listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server. Open websocket connections are
// closed and their in-flight calls cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.conns.CloseAll()

	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
