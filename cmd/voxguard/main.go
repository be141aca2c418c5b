// Command voxguard captures microphone audio, streams it to the transcription
// backend over websocket, and maintains the local transcript and warning state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxguard/voxguard/internal/app"
	"github.com/voxguard/voxguard/internal/config"
	"github.com/voxguard/voxguard/internal/conn"
	"github.com/voxguard/voxguard/internal/health"
	"github.com/voxguard/voxguard/internal/observe"
	"github.com/voxguard/voxguard/internal/store"
	storepg "github.com/voxguard/voxguard/internal/store/postgres"
	"github.com/voxguard/voxguard/pkg/audio/portaudio"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "list capture devices and exit")
	flag.Parse()

	platform := portaudio.New()
	defer func() {
		if err := platform.Terminate(); err != nil {
			slog.Warn("portaudio terminate", "err", err)
		}
	}()

	if *listDevices {
		return printDevices(platform)
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxguard: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxguard: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so the config watcher can adjust it at
	// runtime without swapping the handler.
	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))

	slog.Info("voxguard starting",
		"version", version,
		"config", *configPath,
		"url", cfg.Server.URL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTel(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Transcript archive (optional) ─────────────────────────────────────────
	var archive *storepg.Archive
	if cfg.Store.ArchiveDSN != "" {
		archive, err = storepg.Open(ctx, cfg.Store.ArchiveDSN)
		if err != nil {
			slog.Error("failed to open transcript archive", "err", err)
			return 1
		}
		defer archive.Close()
		slog.Info("transcript archive connected")
	}

	// ── Connection manager ────────────────────────────────────────────────────
	// Built here rather than inside app.New so the readiness probe below can
	// observe the websocket status.
	mgr := conn.NewManager(app.ConnConfig(cfg))

	// ── Metrics and health endpoint ───────────────────────────────────────────
	if cfg.Server.MetricsAddr != "" {
		checkers := []health.Checker{{
			Name: "backend",
			Check: func(context.Context) error {
				if s := mgr.Status(); s != conn.StatusConnected {
					return fmt.Errorf("websocket %s", s)
				}
				return nil
			},
		}}
		if archive != nil {
			checkers = append(checkers, health.Checker{Name: "archive", Check: archive.Ping})
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		health.New(checkers...).Register(mux)

		srv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		slog.Info("metrics and health endpoint up", "addr", cfg.Server.MetricsAddr)
	}

	// ── Transcript store ──────────────────────────────────────────────────────
	// Built here rather than inside app.New so the config watcher below can
	// swap the watchlist on reload. The app owns its lifecycle from here on.
	storeCfg := store.Config{
		RecencyWindow: cfg.Store.RecencyWindow,
		TickInterval:  cfg.Store.TickInterval,
		Watchlist:     app.WatchlistFor(cfg.Keywords),
	}
	if archive != nil {
		storeCfg.Archive = archive
	}
	st := store.NewStore(storeCfg)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if !d.Any() {
			return
		}
		if d.LogLevelChanged {
			levelVar.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.WatchlistChanged {
			st.SetWatchlist(app.WatchlistFor(new.Keywords))
			slog.Info("keyword watchlist reloaded", "keywords", len(new.Keywords.Watchlist))
		}
		if d.VADChanged {
			slog.Info("vad thresholds changed, they apply on the next capture start")
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	application, err := app.New(cfg, platform, app.WithConn(mgr), app.WithStore(st))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("recording, press Ctrl+C to stop")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// printDevices lists the available capture devices on stdout.
func printDevices(platform *portaudio.Platform) int {
	devices, err := platform.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxguard: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Println("no capture devices found")
		return 0
	}
	for _, d := range devices {
		marker := " "
		if d.Default {
			marker = "*"
		}
		fmt.Printf("%s %-40s %d ch  %.0f Hz\n", marker, d.Name, d.MaxChannels, d.DefaultSampleRate)
	}
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
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
