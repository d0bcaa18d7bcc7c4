// Package app wires the voxlink subsystems into a running client.
//
// The App struct owns the full lifecycle: New creates the journal and the
// session manager, Run opens one session and serves telemetry until the
// session ends or ctx is cancelled, and Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithJournal,
// WithPresenter, WithTickerFactory, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/health"
	"github.com/MrWong99/voxlink/internal/journal"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/scheduler"
	"github.com/MrWong99/voxlink/internal/transport"
)

// stopTimeout bounds the stop message and close handshake when Run is
// cancelled.
const stopTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry

	presenter    transport.Presenter
	metrics      *observe.Metrics
	tickers      scheduler.TickerFactory
	levelVar     *slog.LevelVar
	configPath   string
	watchOpts    []config.WatcherOption
	onSpeechUnit func(sessionID string, size int)

	// Subsystems, initialised in New and torn down in Shutdown.
	store     journal.Store
	ownsStore bool
	recorder  *journal.Recorder
	sessions  *SessionManager

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithJournal injects a journal store instead of creating one from config.
// The App does not close an injected store.
func WithJournal(s journal.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPresenter sets the presenter that receives every non-speech message.
func WithPresenter(p transport.Presenter) Option {
	return func(a *App) { a.presenter = p }
}

// WithMetrics replaces the global metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTickerFactory overrides the session clocks. Used in tests.
func WithTickerFactory(f scheduler.TickerFactory) Option {
	return func(a *App) { a.tickers = f }
}

// WithLevelVar lets config reloads change the log level of the installed
// handler.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithConfigPath enables hot reload: Run watches path and applies log level
// and video changes to the running session.
func WithConfigPath(path string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.configPath = path
		a.watchOpts = opts
	}
}

// WithSpeechUnitHook is called with the size of every reassembled speech
// asset.
func WithSpeechUnitHook(fn func(sessionID string, size int)) Option {
	return func(a *App) { a.onSpeechUnit = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. The registry comes from main.go and resolves the
// capture, playback and video backends named in cfg.
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if registry == nil {
		return nil, errors.New("app: registry must not be nil")
	}
	a := &App{
		cfg:      cfg,
		registry: registry,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Journal ───────────────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		return nil, fmt.Errorf("app: init journal: %w", err)
	}

	// ── 2. Recorder ──────────────────────────────────────────────────────
	a.recorder = journal.NewRecorder(a.store, a.presenter)
	a.closers = append(a.closers, func() error {
		if dropped := a.recorder.Close(); dropped > 0 {
			slog.Warn("journal entries dropped", "count", dropped)
		}
		return nil
	})
	if a.ownsStore {
		a.closers = append(a.closers, a.store.Close)
	}

	// ── 3. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:        cfg,
		Registry:      registry,
		Presenter:     a.recorder,
		Metrics:       a.metrics,
		TickerFactory: a.tickers,
		OnSpeechUnit:  a.onSpeechUnit,
	})

	return a, nil
}

// initJournal connects to PostgreSQL when a DSN is configured, opens the
// journal file when a path is configured, and falls back to an in-memory
// journal otherwise.
func (a *App) initJournal(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Journal.PostgresDSN
	if dsn == "" {
		if path := a.cfg.Journal.Path; path != "" {
			fs, err := journal.NewFileStore(path)
			if err != nil {
				return err
			}
			a.store = fs
			a.ownsStore = true
			slog.Info("journal: appending to file", "path", path)
			return nil
		}
		a.store = journal.NewMemoryStore()
		slog.Debug("journal: using in-memory store")
		return nil
	}

	store, err := journal.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.ownsStore = true
	slog.Info("journal: connected to postgres")
	return nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Journal returns the journal store.
func (a *App) Journal() journal.Store { return a.store }

// Handler returns the telemetry HTTP handler: /metrics, /healthz and /readyz.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observe.MetricsHandler())
	health.New(
		health.Session(func() (string, time.Time) {
			info := a.sessions.Info()
			return info.SessionID, info.StartedAt
		}),
		health.Ping("journal", a.store),
	).Register(mux)
	return observe.Middleware(a.metrics, observe.WithSessionID(a.activeSessionID))(mux)
}

// activeSessionID returns the open session's id, or "" when none is open.
func (a *App) activeSessionID() string {
	return a.sessions.Info().SessionID
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens a session and blocks until it ends or ctx is cancelled. On
// cancellation the session is stopped with a stop message and a normal
// close. Run returns the error that ended the session, or nil for a clean
// stop or a normal close by the service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.onConfigChange, a.watchOpts...)
		if err != nil {
			return fmt.Errorf("app: watch config: %w", err)
		}
		defer w.Stop()
	}

	sess, err := a.sessions.Start(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// ── Session ──────────────────────────────────────────────────────────
	g.Go(func() error {
		// A session that ends on its own ends the run.
		defer cancel()
		select {
		case <-sess.Done():
			return sess.Err()
		case <-gctx.Done():
			stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(gctx), stopTimeout)
			defer stopCancel()
			if err := a.sessions.Stop(stopCtx); err != nil {
				return fmt.Errorf("app: stop session: %w", err)
			}
			return nil
		}
	})

	// ── Telemetry ────────────────────────────────────────────────────────
	if addr := a.cfg.Telemetry.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("telemetry listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: telemetry server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(gctx), stopTimeout)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	slog.Info("app running", "session_id", sess.SessionID())
	return g.Wait()
}

// onConfigChange applies the hot-reloadable parts of a config reload.
func (a *App) onConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect on the next start", "sections", d.RestartRequired)
	}
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", string(d.NewLogLevel))
	}
	a.sessions.ApplyDiff(d)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the active session, then runs the closers in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.sessions.Stop(ctx); err != nil {
			slog.Warn("session stop error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
