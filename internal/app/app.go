// Package app wires all voxbridge subsystems into a running application.
//
// The App struct owns the full lifecycle: New checks and assembles the
// subsystems, Run joins the room, serves HTTP and runs one orchestrator
// session per participant, and Shutdown tears everything down in order.
//
// For testing, inject mock providers through [Providers] and an
// already-bound listener through [WithListener].
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/orchestrator"
	"github.com/MrWong99/voxbridge/internal/pipeline"
	"github.com/MrWong99/voxbridge/internal/playback"
	"github.com/MrWong99/voxbridge/internal/resilience"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/provider/answer"
)

// shutdownTimeout bounds the HTTP server drain when Run's context ends.
const shutdownTimeout = 5 * time.Second

// defaultOutput is the bot track format used when the platform does not
// report its own.
var defaultOutput = audio.Format{SampleRate: 48000, Channels: 1}

// App owns all subsystem lifetimes and orchestrates the voice pipeline.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar

	vadBreaker *resilience.CircuitBreaker
	checkers   []health.Checker
	routes     []func(*http.ServeMux)
	listener   net.Listener
	output     audio.Format

	mu       sync.Mutex
	conn     audio.Connection
	sessions *SessionManager
	server   *http.Server

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithCheckers adds readiness checks served on /readyz.
func WithCheckers(checkers ...health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, checkers...) }
}

// WithRoutes lets the caller add routes (e.g. transport signaling) to the
// HTTP server's mux.
func WithRoutes(register func(*http.ServeMux)) Option {
	return func(a *App) { a.routes = append(a.routes, register) }
}

// WithListener serves HTTP on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithLevelVar lets configuration reloads change the log level through v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and the collaborator providers. It does not
// touch the network; that happens in Run.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if err := providers.validate(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a := &App{providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.cfg.Store(cfg)

	a.output = defaultOutput
	a.output.Channels = cfg.Transport.Channels
	if f, ok := providers.Audio.(interface{ Format() audio.Format }); ok {
		a.output = f.Format()
	}

	// One breaker for every session's VAD calls: the service is shared.
	a.vadBreaker = resilience.NewCircuitBreaker(breakerConfig(cfg, "vad", a.metrics))
	return a, nil
}

// Config returns the configuration new sessions are created with.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// ApplyConfig installs a reloaded configuration. Segmentation, VAD and
// pipeline settings apply to sessions created from now on; running sessions
// keep theirs. It is meant to be passed to [config.NewWatcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	a.cfg.Store(new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
	}
	slog.Info("app: configuration applied to new sessions",
		"log_level_changed", d.LogLevelChanged,
		"vad_changed", d.VADChanged,
		"segment_changed", d.SegmentChanged,
		"pipeline_changed", d.PipelineChanged,
	)
	if d.ResilienceChanged {
		slog.Warn("app: resilience settings change after restart")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: some settings change after restart", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config log level onto slog. Unknown levels map to Info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler returns the HTTP surface: /healthz, /readyz, /metrics, /sessions
// and any routes added with [WithRoutes], wrapped in request metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New(a.checkers...).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	mux.HandleFunc("GET /sessions", a.handleSessions)
	for _, register := range a.routes {
		register(mux)
	}
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleSessions(w http.ResponseWriter, _ *http.Request) {
	list := []SessionInfo{}
	if sm := a.sessionManager(); sm != nil {
		list = sm.Sessions()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run joins the configured room, starts the HTTP server and runs a session
// for every participant until ctx is cancelled. It returns ctx's error on a
// normal stop, or the first failure of the room join or the HTTP server.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()

	conn, err := a.providers.Audio.Connect(ctx, cfg.Transport.Room, cfg.Transport.Identity)
	if err != nil {
		return fmt.Errorf("app: connect to room %q: %w", cfg.Transport.Room, err)
	}
	var clearer answer.SessionClearer
	if c, ok := a.providers.Answer.(answer.SessionClearer); ok {
		clearer = c
	}
	sessions := NewSessionManager(conn, cfg.Transport.Identity, a.newSession, clearer)

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.mu.Lock()
	a.conn = conn
	a.sessions = sessions
	a.server = server
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if a.listener != nil {
			err = server.Serve(a.listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		sessions.Start(gctx)
		slog.Info("app running", "room", cfg.Transport.Room, "identity", cfg.Transport.Identity, "listen_addr", cfg.Server.ListenAddr)
		<-gctx.Done()
		sessions.Stop()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// newSession builds the pipeline and session for one participant from the
// current configuration.
func (a *App) newSession(userID string, out audio.FrameWriter) (*orchestrator.Session, error) {
	cfg := a.cfg.Load()

	pub := playback.New(a.output,
		playback.WithFrameDuration(time.Duration(cfg.Transport.FrameMs)*time.Millisecond),
		playback.WithMetrics(a.metrics),
	)
	p := pipeline.New(
		pipeline.NewTranscriber(a.providers.STT, cfg.STT.Language, cfg.STT.Timeout),
		pipeline.NewRetriever(a.providers.Answer, cfg.Answer.Timeout,
			pipeline.WithMaxRunes(cfg.Answer.MaxChars),
			pipeline.WithFallback(cfg.Answer.Fallback),
		),
		pipeline.NewSynthesizer(a.providers.TTS, cfg.TTS.Language, cfg.TTS.Timeout),
		pub,
		pipeline.WithMetrics(a.metrics),
		pipeline.WithPublishTimeout(cfg.Transport.PublishTimeout),
	)

	return orchestrator.NewSession(orchestrator.Config{
		UserID:  userID,
		VAD:     cfg.VADSession(),
		Segment: cfg.Segmentation(),
	}, a.providers.VAD, p, out,
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithVADBreaker(a.vadBreaker),
	)
}

func (a *App) sessionManager() *SessionManager {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions
}

// Sessions returns a snapshot of the live sessions. It is empty before Run.
func (a *App) Sessions() []SessionInfo {
	if sm := a.sessionManager(); sm != nil {
		return sm.Sessions()
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops all sessions, leaves the room and closes the HTTP server.
// It respects the context deadline: if ctx expires before the server has
// drained, the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		conn, sessions, server := a.conn, a.sessions, a.server
		a.mu.Unlock()

		slog.Info("shutting down")

		if sessions != nil {
			stopped := make(chan struct{})
			go func() {
				sessions.Stop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded while stopping sessions")
				shutdownErr = ctx.Err()
				return
			}
		}
		if conn != nil {
			if err := conn.Disconnect(); err != nil {
				slog.Warn("audio disconnect error", "err", err)
			}
		}
		if server != nil {
			if err := server.Shutdown(ctx); err != nil {
				shutdownErr = err
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
