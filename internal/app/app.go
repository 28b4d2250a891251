// Package app wires all NovaFlow subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithHistoryStore,
// WithSettingsStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/novaflow/internal/config"
	"github.com/MrWong99/novaflow/internal/generate"
	"github.com/MrWong99/novaflow/internal/health"
	"github.com/MrWong99/novaflow/internal/history"
	"github.com/MrWong99/novaflow/internal/history/filestore"
	"github.com/MrWong99/novaflow/internal/history/pgstore"
	"github.com/MrWong99/novaflow/internal/history/redisstore"
	"github.com/MrWong99/novaflow/internal/intent"
	"github.com/MrWong99/novaflow/internal/knowledge"
	"github.com/MrWong99/novaflow/internal/observe"
	"github.com/MrWong99/novaflow/internal/server"
	"github.com/MrWong99/novaflow/internal/settings"
	"github.com/MrWong99/novaflow/internal/speech"
	"github.com/MrWong99/novaflow/internal/tools"
	"github.com/MrWong99/novaflow/internal/turn"
	"github.com/MrWong99/novaflow/pkg/provider/llm"
	"github.com/MrWong99/novaflow/pkg/provider/search"
	"github.com/MrWong99/novaflow/pkg/provider/stt"
	"github.com/MrWong99/novaflow/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM    llm.Provider
	STT    stt.Provider
	TTS    tts.Provider
	Search search.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems: initialised in New, torn down in Shutdown.
	history   history.Store
	settings  *settings.Store
	knowledge *knowledge.Store
	metrics   *observe.Metrics
	webhook   *http.Client
	sessions  *SessionManager
	watcher   *settings.Watcher
	handler   http.Handler
	httpSrv   *http.Server

	// connCancel ends the base context of every connection, which closes
	// hijacked websockets that http.Server.Shutdown does not track.
	connCancel context.CancelFunc

	ready chan struct{}
	addr  net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce    sync.Once
	shutdownErr error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a chat-history store instead of creating one from
// config. The caller keeps ownership and closes it.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithSettingsStore injects a settings store instead of opening the
// configured file.
func WithSettingsStore(s *settings.Store) Option {
	return func(a *App) { a.settings = s }
}

// WithKnowledgeStore injects a document catalog instead of opening the data
// directory.
func WithKnowledgeStore(s *knowledge.Store) Option {
	return func(a *App) { a.knowledge = s }
}

// WithMetrics injects the metric instruments instead of the global ones.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithWebhookClient replaces the HTTP client used by the email tool.
func WithWebhookClient(c *http.Client) Option {
	return func(a *App) { a.webhook = c }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any store.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		ready:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}

	// ── 1. Stores ────────────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init history: %w", err)
	}
	if err := a.initSettings(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init settings: %w", err)
	}
	if err := a.initKnowledge(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init knowledge: %w", err)
	}

	// ── 2. Turn pipeline ─────────────────────────────────────────────────
	deps, synth := a.turnDeps()
	a.sessions = NewSessionManager(deps, turn.Config{
		SampleRate:      cfg.Turn.SampleRate,
		Channels:        cfg.Turn.Channels,
		Language:        cfg.Turn.Language,
		MinCapture:      cfg.Turn.MinCapture,
		FinalizeTimeout: cfg.Turn.FinalizeTimeout,
		HistoryWindow:   cfg.Turn.HistoryWindow,
	})

	// ── 3. HTTP server ───────────────────────────────────────────────────
	srv := server.New(server.Deps{
		History:   a.history,
		Settings:  a.settings,
		Knowledge: a.knowledge,
		Sessions:  a.sessions,
		Speech:    synth,
		Health:    health.New(a.checkers()...),
	}, server.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxUploadBytes: int64(cfg.Server.MaxUploadSizeMB) << 20,
		Metrics:        a.metrics,
	})
	a.handler = srv.Handler()

	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	a.connCancel = connCancel
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return connCtx },
	}

	// ── 4. Settings watcher ──────────────────────────────────────────────
	a.watcher = settings.NewWatcher(a.settings,
		settings.WithInterval(cfg.Storage.SettingsPollInterval),
		settings.WithOnChange(func(s settings.Snapshot) {
			slog.Info("settings reloaded from disk", "voice", s.VoiceID, "conversation_type", s.ConversationType)
		}),
	)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initHistory opens the configured chat-history backend or keeps the
// injected one.
func (a *App) initHistory(ctx context.Context) error {
	if a.history != nil {
		return nil
	}

	st := a.cfg.Storage
	var (
		store history.Store
		err   error
	)
	switch st.History {
	case config.HistoryRedis:
		store, err = redisstore.New(ctx, redisstore.Options{
			Addr:     st.RedisAddr,
			Password: st.RedisPassword,
			DB:       st.RedisDB,
		})
	case config.HistoryPostgres:
		store, err = pgstore.New(ctx, st.PostgresDSN)
	default:
		store, err = filestore.New(filepath.Join(st.DataDir, "chats"))
	}
	if err != nil {
		return err
	}
	a.history = store
	a.closers = append(a.closers, store.Close)
	slog.Info("chat history ready", "backend", st.History)
	return nil
}

// initSettings opens the settings file, creating it from the defaults.
func (a *App) initSettings() error {
	if a.settings != nil {
		return nil
	}
	store, err := settings.Open(a.cfg.Storage.SettingsFile)
	if err != nil {
		return err
	}
	a.settings = store
	return nil
}

// initKnowledge opens the upload directory and indexes what is already
// there.
func (a *App) initKnowledge() error {
	if a.knowledge != nil {
		return nil
	}
	store, err := knowledge.Open(a.cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	a.knowledge = store
	slog.Info("knowledge base ready", "dir", store.Dir(), "documents", store.Len())
	return nil
}

// turnDeps builds the per-turn collaborators shared by every session.
func (a *App) turnDeps() (turn.Deps, *speech.Synthesizer) {
	cfg, p := a.cfg, a.providers

	toolOpts := []tools.Option{
		tools.WithDocuments(tools.NewDocumentLookup(a.knowledge)),
		tools.WithEmail(tools.NewEmailDispatch(a.cfg.Webhook.URL, a.webhookClient())),
		tools.WithTimeout(stageTimeout(cfg.Providers.Search, cfg.Turn.ToolTimeout)),
		tools.WithEmailTimeout(cfg.Webhook.Timeout),
		tools.WithMetrics(a.metrics),
	}
	if p.Search != nil {
		toolOpts = append(toolOpts, tools.WithWebSearch(tools.NewWebSearch(p.Search), cfg.Providers.Search.Name))
	}

	var synth *speech.Synthesizer
	if p.TTS != nil {
		synth = speech.New(p.TTS, speech.Config{
			Timeout:      stageTimeout(cfg.Providers.TTS, cfg.Turn.SynthesisTimeout),
			ProviderName: cfg.Providers.TTS.Name,
			Metrics:      a.metrics,
		})
	}

	deps := turn.Deps{
		Settings: a.settings,
		Router:   intent.NewRouter(a.knowledge),
		Tools:    tools.NewExecutor(toolOpts...),
		Generator: generate.New(p.LLM, generate.Config{
			Timeout:       stageTimeout(cfg.Providers.LLM, cfg.Turn.GenerationTimeout),
			HistoryWindow: cfg.Turn.HistoryWindow,
			Temperature:   cfg.Turn.Temperature,
			MaxTokens:     cfg.Turn.MaxReplyTokens,
			ProviderName:  cfg.Providers.LLM.Name,
			Metrics:       a.metrics,
		}),
		STT:     p.STT,
		Speech:  synth,
		History: a.history,
		Catalog: a.knowledge,
		Metrics: a.metrics,
	}
	return deps, synth
}

func (a *App) webhookClient() *http.Client {
	if a.webhook != nil {
		return a.webhook
	}
	return &http.Client{Timeout: a.cfg.Webhook.Timeout}
}

// checkers lists the readiness probes served at /readyz.
func (a *App) checkers() []health.Checker {
	return []health.Checker{
		{Name: "history", Check: a.history.Ping},
		{Name: "knowledge", Check: func(context.Context) error {
			info, err := os.Stat(a.knowledge.Dir())
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", a.knowledge.Dir())
			}
			return nil
		}},
		{Name: "llm", Check: func(context.Context) error {
			if a.providers.LLM == nil {
				return errors.New("not configured")
			}
			return nil
		}},
	}
}

// stageTimeout prefers the provider's own timeout over the stage default.
func stageTimeout(entry config.ProviderEntry, fallback time.Duration) time.Duration {
	if entry.Timeout > 0 {
		return entry.Timeout
	}
	return fallback
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the routed HTTP handler. Tests serve it with httptest.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the live session registry.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Ready is closed once Run is listening.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Addr returns the bound listen address. It is nil until [App.Ready] is
// closed.
func (a *App) Addr() net.Addr {
	select {
	case <-a.ready:
		return a.addr
	default:
		return nil
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and polls the settings file until ctx is cancelled or the
// server fails. On cancellation it shuts the app down within the configured
// timeout and returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.addr = ln.Addr()
	close(a.ready)
	slog.Info("app running", "addr", a.addr.String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.watcher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, ends every websocket and session, then
// runs the closers. It respects the context deadline: if ctx expires before
// all steps finish, the remaining closers are skipped and the context error
// is returned. Calling it again returns the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Count(), "closers", len(a.closers))

		if err := a.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		a.connCancel()

		if err := a.sessions.CloseAll(ctx); err != nil {
			slog.Warn("shutdown deadline exceeded while closing sessions")
			a.shutdownErr = err
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				a.shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return a.shutdownErr
}

// closeAll releases what New opened before it failed.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
	a.closers = nil
}
