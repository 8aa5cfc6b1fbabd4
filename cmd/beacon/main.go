package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/RoyalKiwi/beacon/internal/alert"
	"github.com/RoyalKiwi/beacon/internal/api"
	"github.com/RoyalKiwi/beacon/internal/config"
	"github.com/RoyalKiwi/beacon/internal/driver"
	"github.com/RoyalKiwi/beacon/internal/notify"
	"github.com/RoyalKiwi/beacon/internal/poller"
	"github.com/RoyalKiwi/beacon/internal/render"
	"github.com/RoyalKiwi/beacon/internal/secret"
	"github.com/RoyalKiwi/beacon/internal/store"
	"github.com/RoyalKiwi/beacon/internal/stream"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// buildInfo returns version, commit, build time, and VCS details from the
// embedded Go build info. ldflags-injected values take priority; VCS info
// from debug.ReadBuildInfo fills in anything left as default.
func buildInfo() (ver, sha, built, dirty string) {
	ver = version
	sha = commit
	built = buildTime
	dirty = "clean"

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if sha == "none" {
				sha = s.Value
			}
		case "vcs.time":
			if built == "unknown" {
				built = s.Value
			}
		case "vcs.modified":
			if s.Value == "true" {
				dirty = "dirty"
			}
		}
	}

	return
}

func main() {
	configPath := flag.String("config", "", "path to beacon.yml config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	ver, sha, built, dirty := buildInfo()

	if *showVersion {
		fmt.Printf("beacon %s\n  commit:    %s (%s)\n  built:     %s\n  go:        %s\n  platform:  %s/%s\n",
			ver, sha, dirty, built, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// .env values feed the BEACON_* overrides in config.Load. Missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, config.ErrConfigFileNotFound) {
			fmt.Fprintf(os.Stderr, "error: %s\n\n", err)
			fmt.Fprintf(os.Stderr, "Copy the example config to get started:\n")
			fmt.Fprintf(os.Stderr, "  cp beacon.example.yml %s\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "error: loading config (%s): %s\n", *configPath, err)
		}
		os.Exit(1)
	}

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("starting beacon",
		"version", ver,
		"commit", sha,
		"built", built,
		"dirty", dirty,
		"go", runtime.Version(),
		"listen", cfg.Listen,
	)

	st, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("opening database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	box, err := secret.NewBox(cfg.EncryptionKey)
	if err != nil {
		slog.Error("initializing credential encryption", "error", err)
		os.Exit(1)
	}

	factory := driver.NewFactory(box, cfg.Polling.HTTPTimeout.Duration)
	hub := stream.NewHub()
	dispatcher := notify.NewDispatcher(st, box)
	renderer := render.New(st)
	cooldown := alert.NewCooldown(st)

	aggregationWindow := cfg.Aggregation.Window.Duration
	if !cfg.Aggregation.Enabled {
		aggregationWindow = 0
	}
	pipeline := alert.NewPipeline(st, st, renderer, dispatcher, cooldown, aggregationWindow)

	statusPoller := poller.NewStatusPoller(st, factory, hub, pipeline, cfg.Polling.StatusInterval.Duration)
	metricPoller := poller.NewMetricPoller(st, factory, pipeline, cfg.Polling.MetricInterval.Duration)
	pruner := store.NewPruner(st, cfg.Retention.History.Duration)
	server := api.NewServer(cfg.Listen, st, statusPoller, metricPoller, pipeline, dispatcher)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return statusPoller.Run(ctx) })
	g.Go(func() error { return metricPoller.Run(ctx) })
	g.Go(func() error { return pruner.Run(ctx) })
	g.Go(func() error { return server.Run(ctx) })

	slog.Info("all components started",
		"status_interval", cfg.Polling.StatusInterval.Duration,
		"metric_interval", cfg.Polling.MetricInterval.Duration,
		"aggregation_window", aggregationWindow,
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "error", err)
	}

	// Drain any open digest windows before dropping connections.
	pipeline.FlushAll()
	hub.CloseAll()

	slog.Info("beacon stopped gracefully")
}
