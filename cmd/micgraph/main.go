// Command micgraph captures microphone audio into a processing graph and
// exposes a record toggle, live session events and metrics over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/micgraph/internal/app"
	"github.com/MrWong99/micgraph/internal/config"
	"github.com/MrWong99/micgraph/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file (empty: built-in defaults)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "micgraph: config file %q not found; pass -config \"\" to run with defaults\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "micgraph: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	logger, closeLog := newLogger(cfg.Server.LogFile, &level)
	defer closeLog()
	slog.SetDefault(logger)

	slog.Info("micgraph starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"driver", cfg.Capture.Driver,
		"worklet", cfg.Worklet.Kind,
		"destination", cfg.Destination.Kind,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.Setup(context.Background(), observe.WithServiceVersion(version))
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg,
		app.WithLogger(logger),
		app.WithLevelVar(&level),
		app.WithRegistry(app.NewRegistry(logger)),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		r, err := config.NewReloader(*configPath, application.ApplyConfig, config.WithReloadLogger(logger))
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			go r.Run(ctx)
			go reloadOnHangup(ctx, r)
		}
	}

	slog.Info("ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, r *config.Reloader) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := r.Reload()
			if err != nil {
				slog.Warn("SIGHUP reload rejected", "err", err)
				continue
			}
			slog.Info("SIGHUP reload", "changed", changed)
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newLogger writes text records to stderr and, when file is set, to a
// size-rotated log file.
func newLogger(file string, level *slog.LevelVar) (*slog.Logger, func()) {
	var (
		w       io.Writer = os.Stderr
		closeFn           = func() {}
	)
	if file != "" {
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, rotator)
		closeFn = func() { _ = rotator.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeFn
}
