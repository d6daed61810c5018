// Package app wires the micgraph subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the capture driver,
// permission gate and session controller from the config, Run serves the
// HTTP control surface until the context ends, and Shutdown tears everything
// down in order.
//
// For testing, inject doubles via functional options (WithRegistry, WithGate,
// etc.). When an option is not provided, New creates real implementations
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/micgraph/internal/config"
	"github.com/MrWong99/micgraph/internal/health"
	"github.com/MrWong99/micgraph/internal/observe"
	"github.com/MrWong99/micgraph/internal/resilience"
	"github.com/MrWong99/micgraph/internal/session"
	"github.com/MrWong99/micgraph/internal/worklets"
	"github.com/MrWong99/micgraph/pkg/audio/capture"
	"github.com/MrWong99/micgraph/pkg/audio/permission"
	"github.com/MrWong99/micgraph/pkg/audio/sink"
	"github.com/MrWong99/micgraph/pkg/audio/sink/opus"
)

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	// cfg is replaced by ApplyConfig while handlers read it.
	cfg     atomic.Pointer[config.Config]
	reg     *config.Registry
	log     *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics

	gate       permission.Gate
	driverMu   sync.RWMutex
	driver     capture.Driver
	controller *session.Controller
	health     *health.Handler

	metricsHandler http.Handler
	prompt         io.Reader
	promptOut      io.Writer

	// opus is the Opus sink of the running session, if any.
	opus atomic.Pointer[opus.Sink]

	observation metric.Registration
	handler     http.Handler
	server      *http.Server
	listener    net.Listener

	// Subsystems closed during Shutdown, in order.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry replaces the built-in driver and sink registry.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.reg = r }
}

// WithGate injects a permission gate instead of building one from
// permission.mode.
func WithGate(g permission.Gate) Option {
	return func(a *App) { a.gate = g }
}

// WithLogger sets the application logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar hands the app the level variable behind the logger so that
// log_level can be changed on config reload.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics injects metric instruments instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. The default serves the
// default Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithPrompt sets where permission.mode "prompt" reads answers from and
// writes questions to. The default is stdin and stderr.
func WithPrompt(in io.Reader, out io.Writer) Option {
	return func(a *App) { a.prompt, a.promptOut = in, out }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. It creates the capture driver but does not
// open any device; that happens on the first session start.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		log:       slog.Default(),
		prompt:    os.Stdin,
		promptOut: os.Stderr,
	}
	for _, o := range opts {
		o(a)
	}
	a.cfg.Store(cfg)
	if a.reg == nil {
		a.reg = NewRegistry(a.log)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	// ── 1. Capture driver ────────────────────────────────────────────────
	driver, err := a.driverFor(cfg.Capture)
	if err != nil {
		return nil, fmt.Errorf("app: create capture driver: %w", err)
	}
	a.driver = driver

	// ── 2. Permission gate ───────────────────────────────────────────────
	if a.gate == nil {
		a.gate = a.gateFor(cfg.Permission.Mode)
	}

	// ── 3. Session controller ────────────────────────────────────────────
	a.controller = session.New(a.gate, a.plan(cfg),
		session.WithLogger(a.log),
		session.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.controller.Shutdown(ctx)
	})

	// ── 4. Observable capture counters ───────────────────────────────────
	reg, err := a.metrics.ObserveCapture(a.controller.Counters)
	if err != nil {
		return nil, fmt.Errorf("app: observe capture counters: %w", err)
	}
	a.observation = reg
	a.closers = append(a.closers, reg.Unregister)

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.health = health.New(health.Checker{
		Name: "driver",
		Check: func(ctx context.Context) error {
			return health.DriverChecker(a.currentDriver()).Check(ctx)
		},
	})
	a.handler = observe.Middleware(a.metrics,
		observe.QuietRoutes("GET /metrics", "GET /healthz", "GET /readyz"),
	)(a.routes())

	return a, nil
}

// driverFor creates the capture driver named by c. With capture.fallback set
// it returns a [resilience.Driver] that opens on the fallback when the primary
// fails.
func (a *App) driverFor(c config.CaptureConfig) (capture.Driver, error) {
	primary, err := a.reg.CreateDriver(c)
	if err != nil {
		return nil, err
	}
	if c.Fallback == "" {
		return primary, nil
	}
	fc := c
	fc.Driver = c.Fallback
	fallback, err := a.reg.CreateDriver(fc)
	if err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}
	return resilience.NewDriver(resilience.BreakerConfig{
		ResetTimeout: c.FallbackCooldown,
		Logger:       a.log,
	}, primary, fallback), nil
}

func (a *App) currentDriver() capture.Driver {
	a.driverMu.RLock()
	defer a.driverMu.RUnlock()
	return a.driver
}

// gateFor builds the permission gate for mode.
func (a *App) gateFor(mode config.PermissionMode) permission.Gate {
	switch mode {
	case config.PermissionDeny:
		return permission.Static{Allowed: false}
	case config.PermissionPrompt:
		return &permission.Cached{Gate: permission.Prompt{
			Prompter: permission.TerminalPrompter(a.prompt, a.promptOut),
		}}
	default:
		return permission.Static{Allowed: true}
	}
}

// plan translates cfg into the session plan used on the next start.
func (a *App) plan(cfg *config.Config) session.Plan {
	return session.Plan{
		Driver: a.currentDriver(),
		Capture: capture.Config{
			SampleRate:   cfg.Capture.SampleRate,
			BufferFrames: cfg.Capture.BufferFrames,
			Channels:     cfg.Capture.Channels,
			DeviceName:   cfg.Capture.Device,
		},
		Worklet: worklets.Options{
			Kind:     cfg.Worklet.Kind,
			Channels: cfg.Worklet.Channels,
			Context:  cfg.Worklet.Context,
			Gain:     cfg.Worklet.GainValue(),
		},
		NewSink: func() (sink.Sink, error) { return a.newSink(cfg) },
	}
}

// newSink creates the destination sink for one session. An Opus sink is
// published to /ws/opus listeners until the session closes it.
func (a *App) newSink(cfg *config.Config) (sink.Sink, error) {
	s, err := a.reg.CreateSink(cfg)
	if err != nil {
		return nil, err
	}
	o, ok := s.(*opus.Sink)
	if !ok {
		return s, nil
	}
	a.opus.Store(o)
	return &publishedOpus{Sink: o, unpublish: func() { a.opus.CompareAndSwap(o, nil) }}, nil
}

// publishedOpus withdraws the sink from /ws/opus when the graph closes it.
type publishedOpus struct {
	*opus.Sink
	unpublish func()
}

func (p *publishedOpus) Close() error {
	p.unpublish()
	return p.Sink.Close()
}

// config returns the active configuration.
func (a *App) config() *config.Config { return a.cfg.Load() }

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.controller }

// Handler returns the HTTP handler serving the control surface.
func (a *App) Handler() http.Handler { return a.handler }

// Addr returns the address the HTTP server listens on, or "" before Run.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the HTTP server (when server.listen_addr is set) and, with
// session.autostart, the first session. It blocks until ctx is cancelled or
// the server fails.
func (a *App) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	cfg := a.config()

	if addr := cfg.Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen on %s: %w", addr, err)
		}
		a.listener = ln
		a.server = &http.Server{
			Handler:           a.handler,
			ReadHeaderTimeout: readHeaderTimeout,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		eg.Go(func() error {
			a.log.Info("http server listening", "addr", ln.Addr().String())
			if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
	}

	if cfg.Session.Autostart {
		eg.Go(func() error {
			state, err := a.controller.Toggle(ctx)
			if err != nil {
				// A failed autostart leaves the app usable through the API.
				a.log.Warn("autostart failed", "err", err)
				return nil
			}
			a.log.Info("autostart complete", "state", state)
			return nil
		})
	}

	eg.Go(func() error {
		<-ctx.Done()
		if a.server == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig reacts to a reloaded config. Log level and gain take effect
// immediately; other changes apply to the next session start. It has the
// signature of [config.ApplyFunc].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.GainChanged {
		if a.controller.PostGain(d.NewGain) {
			a.log.Info("gain updated", "gain", d.NewGain)
		}
	}
	if d.ListenAddrChanged {
		a.log.Warn("server.listen_addr changed; restart the process to apply", "addr", new.Server.ListenAddr)
	}
	if d.RestartRequired {
		if driverChanged(old.Capture, new.Capture) {
			driver, err := a.driverFor(new.Capture)
			if err != nil {
				a.log.Error("config reload: keeping previous capture driver", "err", err)
				return
			}
			a.driverMu.Lock()
			a.driver = driver
			a.driverMu.Unlock()
		}
		if new.Permission.Mode != old.Permission.Mode {
			a.controller.SetGate(a.gateFor(new.Permission.Mode))
		}
		a.controller.SetPlan(a.plan(new))
		a.log.Info("config reloaded; changes apply to the next session", "fields", d.RestartFields)
	}
	a.cfg.Store(new)
}

func driverChanged(old, new config.CaptureConfig) bool {
	return old.Driver != new.Driver || old.Synthetic != new.Synthetic ||
		old.Fallback != new.Fallback || old.FallbackCooldown != new.FallbackCooldown
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server and the running session, then releases the
// remaining subsystems. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
		}
		for _, closer := range a.closers {
			if err := closer(); err != nil {
				errs = append(errs, err)
			}
		}
		a.stopErr = errors.Join(errs...)
		if a.stopErr != nil {
			a.log.Warn("shutdown completed with errors", "err", a.stopErr)
		}
	})
	return a.stopErr
}
