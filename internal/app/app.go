// Package app wires all switchboard subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithProvider,
// WithInstructionStore, etc.). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	anyllm "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/phonelark/switchboard/internal/call"
	"github.com/phonelark/switchboard/internal/config"
	"github.com/phonelark/switchboard/internal/health"
	"github.com/phonelark/switchboard/internal/instructions"
	"github.com/phonelark/switchboard/internal/observe"
	"github.com/phonelark/switchboard/internal/resilience"
	"github.com/phonelark/switchboard/internal/summary"
	"github.com/phonelark/switchboard/internal/twilio"
	"github.com/phonelark/switchboard/pkg/audio"
	"github.com/phonelark/switchboard/pkg/provider/realtime"
	"github.com/phonelark/switchboard/pkg/provider/realtime/gemini"
)

const (
	defaultListenAddr = ":8080"

	// drainTimeout bounds how long shutdown waits for in-flight calls.
	drainTimeout = 15 * time.Second
)

// App owns all subsystem lifetimes and serves the relay's HTTP surface.
type App struct {
	cfg *config.Config
	log *slog.Logger

	provider realtime.Provider
	store    instructions.Store
	control  call.Controller
	breaker  *resilience.Breaker
	metrics  *observe.Metrics
	registry *prometheus.Registry
	summary  *summary.Service
	router   *call.Router
	server   *http.Server

	// closers are called in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects a realtime backend instead of building one from
// config.
func WithProvider(p realtime.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithInstructionStore injects an instruction store. The store is used
// as-is; the config default wrapping is skipped.
func WithInstructionStore(s instructions.Store) Option {
	return func(a *App) { a.store = s }
}

// WithControl injects a call controller instead of the REST client.
func WithControl(c call.Controller) Option {
	return func(a *App) { a.control = c }
}

// WithSummaryService injects a summary pipeline instead of building one
// from config.
func WithSummaryService(s *summary.Service) Option {
	return func(a *App) { a.summary = s }
}

// New creates an App by wiring all subsystems together. cfg must already be
// validated by the config loader.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initMetrics(ctx); err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}

	var checkers []health.Checker
	pinger, err := a.initInstructions(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: init instructions: %w", err)
	}
	if pinger != nil {
		checkers = append(checkers, health.PingChecker("instruction_store", pinger))
	}

	a.breaker = resilience.NewBreaker(resilience.Config{Name: "realtime-open"})
	checkers = append(checkers, health.BreakerChecker("ai_backend", a.breaker))

	if err := a.initProvider(); err != nil {
		return nil, fmt.Errorf("app: init realtime provider: %w", err)
	}
	if err := a.initSummary(ctx); err != nil {
		return nil, fmt.Errorf("app: init summary: %w", err)
	}

	if a.control == nil {
		a.control = twilio.NewCallControl(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken)
	}

	if err := a.initRouter(); err != nil {
		return nil, fmt.Errorf("app: init router: %w", err)
	}

	a.initServer(health.New(checkers...))
	return a, nil
}

// initMetrics sets up the OTel meter provider with the Prometheus exporter
// and builds the instrument set. Each App gets its own Prometheus registry
// so several instances can coexist in one process.
func (a *App) initMetrics(ctx context.Context) error {
	a.registry = prometheus.NewRegistry()
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{Registerer: a.registry})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(shutdownCtx)
	})

	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// initInstructions builds the instruction store from config unless one was
// injected. Returns a pinger for the readiness check when the store is
// database-backed.
func (a *App) initInstructions(ctx context.Context) (health.Pinger, error) {
	if a.store != nil {
		return nil, nil
	}

	fallback := instructions.Instruction{
		CompanyName: a.cfg.Instructions.DefaultCompany,
		Content:     a.cfg.Instructions.DefaultContent,
	}

	if dsn := a.cfg.Instructions.PostgresDSN; dsn != "" {
		pg, err := instructions.NewPGStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
		a.store = instructions.WithDefault(pg, fallback)
		return pg, nil
	}

	mem := instructions.NewMemStore(a.cfg.Instructions.TTL.Std())
	a.closers = append(a.closers, func() error {
		mem.Close()
		return nil
	})
	a.store = instructions.WithDefault(mem, fallback)
	return nil, nil
}

// initProvider builds the realtime backend named in config unless one was
// injected.
func (a *App) initProvider() error {
	if a.provider != nil {
		return nil
	}

	switch a.cfg.Realtime.Provider {
	case "gemini":
		var gopts []gemini.Option
		if a.cfg.Realtime.Model != "" {
			gopts = append(gopts, gemini.WithModel(a.cfg.Realtime.Model))
		}
		if t := a.cfg.Realtime.OpenTimeout.Std(); t > 0 {
			gopts = append(gopts, gemini.WithOpenTimeout(t))
		}
		a.provider = gemini.New(a.cfg.Realtime.APIKey, gopts...)
		return nil
	default:
		return fmt.Errorf("unknown realtime provider %q", a.cfg.Realtime.Provider)
	}
}

// initSummary builds the post-call summary pipeline when enabled.
func (a *App) initSummary(ctx context.Context) error {
	if a.summary != nil || !a.cfg.Summary.Enabled {
		return nil
	}

	var llmOpts []anyllm.Option
	if a.cfg.Summary.APIKey != "" {
		llmOpts = append(llmOpts, anyllm.WithAPIKey(a.cfg.Summary.APIKey))
	}
	summariser, err := summary.NewLLMSummariser(a.cfg.Summary.Provider, a.cfg.Summary.Model, llmOpts...)
	if err != nil {
		return err
	}

	var sink summary.Sink
	if dsn := a.cfg.Summary.PostgresDSN; dsn != "" {
		pg, err := summary.NewPGSink(ctx, dsn)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
		sink = pg
	} else {
		sink = &summary.LogSink{Logger: a.log}
	}

	a.summary = &summary.Service{
		Summariser: summariser,
		Sink:       sink,
		Logger:     a.log,
	}
	return nil
}

// initRouter assembles the media-stream router from the configured parts.
func (a *App) initRouter() error {
	entries := make([]call.Destination, 0, len(a.cfg.Transfer.Directory))
	for _, e := range a.cfg.Transfer.Directory {
		entries = append(entries, call.Destination{Label: e.Label, Number: e.Number})
	}
	directory := call.NewDirectory(entries, a.cfg.Transfer.FallbackOperator)

	var gate audio.Gate
	if a.cfg.Audio.GateEnabled {
		gate.Threshold = a.cfg.Audio.GateThreshold
		if gate.Threshold == 0 {
			gate.Threshold = audio.DefaultGateThreshold
		}
	}

	router, err := call.NewRouter(call.RouterConfig{
		Provider:     a.provider,
		Instructions: a.store,
		Directory:    directory,
		Voice:        a.cfg.Realtime.Voice,
		Gate:         gate,
		Control:      a.control,
		Breaker:      a.breaker,
		Summary:      a.summary,
		Metrics:      a.metrics,
		Logger:       a.log,
	})
	if err != nil {
		return err
	}
	a.router = router
	return nil
}

// initServer assembles the HTTP mux: voice webhook, media WebSocket,
// health endpoints, and the Prometheus scrape endpoint.
func (a *App) initServer(h *health.Handler) {
	voice := &twilio.VoiceWebhook{
		StreamURL: "wss://" + a.cfg.Server.PublicHost + "/media",
		Greeting:  a.cfg.Twilio.Greeting,
		Logger:    a.log,
	}
	var voiceHandler http.Handler = voice
	if a.cfg.Twilio.ValidateSignatures {
		voiceHandler = twilio.SignatureMiddleware(a.cfg.Twilio.AuthToken, voice)
	}

	mux := http.NewServeMux()
	mux.Handle("/voice", voiceHandler)
	mux.Handle("/media", a.router)
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	h.Register(mux)

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler returns the app's root HTTP handler. Exposed for tests that serve
// the app through httptest instead of a real listener.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Run serves HTTP until ctx is cancelled, then drains active calls and
// shuts the listener down.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()

		if err := a.router.Drain(drainCtx); err != nil {
			a.log.Warn("drain incomplete", "err", err, "active", a.router.ActiveSessions())
		}
		return a.server.Shutdown(drainCtx)
	})

	return g.Wait()
}

// Shutdown releases resources created in New, in reverse order. Safe to
// call more than once.
func (a *App) Shutdown() {
	a.stopOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
}
