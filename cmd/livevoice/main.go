// Command livevoice runs one voice conversation against a live model from the
// local microphone and speakers, with a line-based text console on stdin.
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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/health"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/orchestrator"
	"github.com/MrWong99/livevoice/pkg/audio/miniaudio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "livevoice.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the audio devices and exit")
	autoConnect := flag.Bool("connect", true, "connect as soon as the devices are open")
	flag.Parse()

	// A missing .env is fine; the environment may already carry the secrets.
	_ = godotenv.Load()

	if *listDevices {
		return printDevices()
	}

	// ── Configuration ──────────────────────────────────────────────────────────
	reloads := make(chan config.ConfigDiff, 1)
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.Empty() {
			return
		}
		select {
		case reloads <- d:
		default:
			slog.Warn("config reload skipped; previous reload still pending")
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livevoice: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livevoice: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ─────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("livevoice starting",
		"config", *configPath,
		"provider", cfg.Live.Provider,
		"vad_mode", cfg.Live.VADMode,
		"session_key", cfg.Server.SessionKey,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ──────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Collaborators ──────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	stack, err := build(ctx, cfg, reg, observe.NewSink(metrics))
	if err != nil {
		slog.Error("failed to build conversation", "err", err)
		return 1
	}
	defer stack.Close()
	orch := stack.orch

	printStartupSummary(cfg)

	// ── Run ────────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.ListenAddr != "" {
		srv := newAdminServer(cfg.Server.ListenAddr, metrics, stack.checkers()...)
		g.Go(func() error {
			slog.Info("admin server listening", "addr", cfg.Server.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		render(orch.Events())
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case d := <-reloads:
				applyReload(gctx, d, &level, orch)
			}
		}
	})

	g.Go(func() error {
		err := console(gctx, os.Stdin, orch, *autoConnect)
		// Leaving the console ends the program.
		stop()
		return err
	})

	// Closing the orchestrator ends the event stream, which ends render.
	g.Go(func() error {
		<-gctx.Done()
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := orch.Disconnect(dctx); err != nil && !errors.Is(err, orchestrator.ErrClosed) {
			slog.Warn("disconnect error", "err", err)
		}
		return orch.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyReload applies the hot-reloadable part of d and reports the rest.
func applyReload(ctx context.Context, d config.ConfigDiff, level *slog.LevelVar, orch *orchestrator.Orchestrator) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VADChanged {
		if err := orch.SetVAD(ctx, d.NewVAD); err != nil {
			slog.Warn("vad reconfigure rejected", "err", err)
		} else {
			slog.Info("vad reconfigured",
				"speech_threshold", d.NewVAD.SpeechThreshold,
				"silence_threshold", d.NewVAD.SilenceThreshold,
			)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

func newAdminServer(addr string, m *observe.Metrics, checkers ...health.Checker) *http.Server {
	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(m)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func printDevices() int {
	mctx, err := miniaudio.NewContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "livevoice: %v\n", err)
		return 1
	}
	defer mctx.Close()

	for _, kind := range []struct {
		label   string
		capture bool
	}{{"capture", true}, {"playback", false}} {
		names, err := mctx.Devices(kind.capture)
		if err != nil {
			fmt.Fprintf(os.Stderr, "livevoice: %v\n", err)
			return 1
		}
		fmt.Printf("%s devices:\n", kind.label)
		for _, n := range names {
			fmt.Printf("  %s\n", n)
		}
	}
	return 0
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("livevoice ready")
	fmt.Printf("  model:      %s (%s, %s)\n", orDefault(cfg.Live.Model, "provider default"), cfg.Live.Provider, cfg.Live.Modality)
	fmt.Printf("  turns:      %s vad", cfg.Live.VADMode)
	if cfg.Live.VADMode == live.VADClient {
		fmt.Printf(" (%s)", cfg.VAD.Engine)
	}
	fmt.Println()
	fmt.Printf("  guardrail:  %d rules\n", len(cfg.Guardrail.Rules))
	if cfg.Store.PostgresDSN != "" {
		fmt.Printf("  transcript: postgres, key %q\n", cfg.Server.SessionKey)
	} else {
		fmt.Println("  transcript: memory only")
	}
	fmt.Println("Type to chat. Commands: /connect /disconnect /mute /unmute /transcript /quit")
}

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

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
