// Command chatwatch is the entrypoint for the live-chat participant watcher.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the identity store (Postgres, SQLite or Badger) and runs migrations.
//   - Reads one broadcast's chat (YouTube or Twitch) and announces every
//     participant seen for the first time to a Telegram channel.
//   - Pings an external URL on an interval so idle-suspending hosts keep it up.
//   - Exposes a small HTTP server with health, status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM. The process exits non-zero when the
// watcher stops for any reason other than a shutdown signal.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chatwatch/chat"
	"github.com/onnwee/chatwatch/config"
	"github.com/onnwee/chatwatch/dedup"
	"github.com/onnwee/chatwatch/identity"
	"github.com/onnwee/chatwatch/keepalive"
	"github.com/onnwee/chatwatch/notify"
	"github.com/onnwee/chatwatch/pipeline"
	"github.com/onnwee/chatwatch/server"
	"github.com/onnwee/chatwatch/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		if chat.IsEnded(err) {
			slog.Warn("watcher stopped: broadcast ended", slog.Any("err", err))
		} else {
			slog.Error("watcher stopped", slog.Any("err", err))
		}
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT. Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// run wires the watcher and blocks until it stops. It returns nil only after a shutdown signal.
func run(cfg *config.Config) error {
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("chatwatch", "1.0.0")
	if err != nil {
		return err
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	store, err := identity.Open(openCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("failed to close identity store", slog.Any("err", err))
		}
	}()

	source, err := newSource(ctx, cfg)
	if err != nil {
		return err
	}

	dd, err := dedup.NewDeduplicator(store, cfg.DedupCacheSize)
	if err != nil {
		return err
	}
	defer dd.Close()

	dispatcher := newDispatcher(cfg, store)
	loop := newLoop(cfg, source, dd, dispatcher)

	startPprof()

	slog.Info("starting watcher",
		slog.String("platform", cfg.Platform),
		slog.String("broadcast", cfg.BroadcastID),
		slog.String("addr", cfg.HTTPAddr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := loop.Run(gctx)
		if err == nil && ctx.Err() == nil {
			// the group was cancelled by a sibling; report it as a stop, not a shutdown
			return errors.New("watcher stopped by a failing component")
		}
		return err
	})
	g.Go(func() error {
		(&keepalive.Pinger{URL: cfg.LivenessURL, Interval: cfg.LivenessInterval}).Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx, server.NewMux(server.Deps{
			Store:     store,
			Loop:      loop,
			Platform:  cfg.Platform,
			Broadcast: cfg.BroadcastID,
		}), cfg.HTTPAddr)
	})
	runErr := g.Wait()

	slog.Info("waiting for in-flight notifications", slog.Duration("grace", cfg.ShutdownGrace))
	graceCtx, cancelGrace := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownGrace)
	defer cancelGrace()
	if err := dispatcher.Wait(graceCtx); err != nil {
		slog.Warn("notifications abandoned at shutdown", slog.Any("err", err))
	}
	return runErr
}

// newDispatcher builds the Telegram delivery path; outcomes are written back to rec.
func newDispatcher(cfg *config.Config, rec notify.OutcomeRecorder) *notify.Dispatcher {
	return notify.NewDispatcher(&notify.TelegramSink{
		BaseURL:    cfg.TelegramAPIBase,
		Token:      cfg.TelegramBotToken,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}, notify.Options{
		Policy: notify.Policy{
			MaxAttempts: cfg.NotifyMaxAttempts,
			Initial:     cfg.NotifyBackoffInitial,
			Max:         cfg.NotifyBackoffMax,
			Multiplier:  2,
		},
		Concurrency: cfg.NotifyConcurrency,
		Timeout:     cfg.NotifyTimeout,
		Recorder:    rec,
	})
}

func newLoop(cfg *config.Config, source chat.Source, classifier pipeline.Classifier, dispatcher *notify.Dispatcher) *pipeline.Loop {
	return pipeline.New(source, classifier, notify.Formatter{AgentTag: cfg.NotifyAgentTag}, dispatcher, pipeline.Config{
		BroadcastID:            cfg.BroadcastID,
		Destination:            cfg.TelegramChannelID,
		BackoffInitial:         cfg.BackoffInitial,
		BackoffMax:             cfg.BackoffMax,
		BackoffMultiplier:      cfg.BackoffMultiplier,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		StoreRetryAttempts:     cfg.StoreRetryAttempts,
		StoreRetryInitial:      cfg.StoreRetryInitial,
	})
}

// startPprof enables profiling endpoints in debug mode (ENABLE_PPROF=1).
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
