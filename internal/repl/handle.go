package repl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EngineConfig enables one language.
type EngineConfig struct {
	Profile Profile
	// Required makes StartEngines fail when this engine cannot start.
	// Otherwise the language is left out and reported as unsupported.
	Required bool
}

// Config is the input to StartEngines.
type Config struct {
	Engines []EngineConfig
	Limits  Limits
}

type options struct {
	logger *zap.Logger
}

// Option configures StartEngines.
type Option func(*options)

// WithLogger sets the logger shared by all engines.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Handle is the entry point to every started Engine.
type Handle struct {
	engines map[Language]*Engine
	logger  *zap.Logger

	closed   atomic.Bool
	shutdown sync.Once
}

// StartEngines probes every configured engine in parallel. A failing
// required engine fails startup; a failing optional engine is logged and
// its language becomes unsupported.
func StartEngines(ctx context.Context, cfg Config, opts ...Option) (*Handle, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if len(cfg.Engines) == 0 {
		return nil, fmt.Errorf("%w: no engines configured", ErrEngineStartup)
	}

	engines := make([]*Engine, len(cfg.Engines))
	seen := make(map[Language]bool)
	for i, ec := range cfg.Engines {
		lang := ec.Profile.Language
		if seen[lang] {
			return nil, fmt.Errorf("%w: %s configured twice", ErrEngineStartup, lang)
		}
		seen[lang] = true
		engines[i] = NewEngine(ec.Profile, cfg.Limits, o.logger)
	}

	failed := make([]error, len(engines))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range engines {
		g.Go(func() error {
			err := e.Probe(gctx)
			if err == nil {
				return nil
			}
			if cfg.Engines[i].Required {
				return err
			}
			failed[i] = err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	h := &Handle{
		engines: make(map[Language]*Engine),
		logger:  o.logger,
	}
	var errs []error
	for i, e := range engines {
		if err := failed[i]; err != nil {
			o.logger.Warn("language disabled", zap.String("language", string(e.Language())), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		h.engines[e.Language()] = e
	}
	if len(h.engines) == 0 {
		return nil, fmt.Errorf("no interpreter could be started: %w", errors.Join(errs...))
	}
	o.logger.Info("engines started", zap.Stringers("languages", h.Languages()))
	return h, nil
}

// Languages returns the languages that can be evaluated, sorted.
func (h *Handle) Languages() []Language {
	out := make([]Language, 0, len(h.engines))
	for lang := range h.engines {
		out = append(out, lang)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (h *Handle) engine(language string) (*Engine, error) {
	if h.closed.Load() {
		return nil, ErrHandleClosed
	}
	lang, err := ParseLanguage(language)
	if err != nil {
		return nil, err
	}
	e, ok := h.engines[lang]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not enabled", ErrUnsupportedLanguage, lang)
	}
	return e, nil
}

// Eval routes req to the engine for req.Language.
func (h *Handle) Eval(ctx context.Context, req Request) (Result, error) {
	e, err := h.engine(req.Language)
	if err != nil {
		return Result{SessionID: req.SessionID}, err
	}
	res, err := e.Eval(ctx, req.SessionID, req.Code, req.Timeout)
	if errors.Is(err, errEngineClosed) {
		err = ErrHandleClosed
	}
	return res, err
}

// Sessions lists the sessions of every engine.
func (h *Handle) Sessions() []SessionInfo {
	var out []SessionInfo
	for _, lang := range h.Languages() {
		out = append(out, h.engines[lang].Sessions()...)
	}
	return out
}

// CloseSession terminates one session of the given language.
func (h *Handle) CloseSession(ctx context.Context, language, id string) error {
	e, err := h.engine(language)
	if err != nil {
		return err
	}
	return e.CloseSession(ctx, id)
}

// Shutdown terminates every session of every engine, interrupting running
// calls. Only the first call has any effect.
func (h *Handle) Shutdown(ctx context.Context) error {
	var err error
	h.shutdown.Do(func() {
		h.closed.Store(true)
		var g errgroup.Group
		for _, e := range h.engines {
			g.Go(func() error {
				return e.Shutdown(ctx)
			})
		}
		err = g.Wait()
		h.logger.Info("engines stopped", zap.Error(err))
	})
	return err
}
