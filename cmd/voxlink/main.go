// Command voxlink streams microphone audio and camera frames to a voice
// assistant service and plays back the speech it returns.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voxlink/internal/app"
	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/internal/video"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/beep"
	"github.com/MrWong99/voxlink/pkg/audio/command"
	"github.com/MrWong99/voxlink/pkg/audio/miniaudio"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxlink.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload log level and video settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxlink: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxlink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("voxlink starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceVersion: version,
		ClientTag:      cfg.Server.ClientTag,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithPresenter(newConsole(os.Stdout)),
		app.WithLevelVar(&level),
	}
	if *watch {
		opts = append(opts, app.WithConfigPath(*configPath))
	}
	application, err := app.New(ctx, cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("listening, press Ctrl+C to stop")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, audio.ErrCaptureUnavailable) {
			fmt.Fprintln(os.Stderr, "voxlink: microphone unavailable, check the device and its permissions")
		}
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the capture, playback and video factories
// that ship with voxlink into reg.
func registerBuiltinBackends(reg *config.Registry) {
	// ── Capture ───────────────────────────────────────────────────────────────

	reg.RegisterCapture(config.BackendMalgo, func(entry config.BackendEntry) (audio.Capture, error) {
		frames, err := entry.OptionInt("period_frames", 0)
		if err != nil {
			return nil, err
		}
		device, err := entry.OptionString("device", "")
		if err != nil {
			return nil, err
		}
		c, err := miniaudio.Open(miniaudio.WithPeriodFrames(frames), miniaudio.WithDeviceName(device))
		if err != nil {
			return nil, err
		}
		return c, nil
	})

	// ── Playback ──────────────────────────────────────────────────────────────

	reg.RegisterPlayback(config.BackendBeep, func(entry config.BackendEntry) (audio.Sink, error) {
		rate, err := entry.OptionInt("sample_rate", int(beep.DefaultSampleRate))
		if err != nil {
			return nil, err
		}
		bufferMS, err := entry.OptionInt("buffer_ms", 0)
		if err != nil {
			return nil, err
		}
		return beep.New(
			beep.WithSampleRate(rate),
			beep.WithBufferDuration(time.Duration(bufferMS)*time.Millisecond),
		), nil
	})

	reg.RegisterPlayback(config.BackendCommand, func(entry config.BackendEntry) (audio.Sink, error) {
		cmd, err := entry.OptionString("command", command.DefaultCommand)
		if err != nil {
			return nil, err
		}
		s, err := command.New(cmd)
		if err != nil {
			return nil, err
		}
		return s, nil
	})

	// ── Video ─────────────────────────────────────────────────────────────────

	reg.RegisterVideo(config.BackendFile, func(entry config.BackendEntry) (video.Source, error) {
		path, err := entry.OptionString("path", "")
		if err != nil {
			return nil, err
		}
		src, err := video.NewFileSource(path)
		if err != nil {
			return nil, err
		}
		return src, nil
	})

	for kind, names := range reg.Names() {
		for _, name := range names {
			slog.Debug("registered backend", "kind", kind, "name", name)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	url, err := transport.ResolveURL(cfg.Server.URL, cfg.Server.Origin)
	if err != nil {
		url = "(invalid)"
	}
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║            voxlink, startup summary           ║")
	fmt.Println("╠═══════════════════════════════════════════════╣")
	printRow("Service", url)
	printRow("Capture", orDefault(cfg.Audio.Capture.Name, config.BackendMalgo))
	printRow("Playback", orDefault(cfg.Playback.Sink.Name, config.BackendBeep))
	if name := cfg.Video.Source.Name; name != "" && name != config.BackendNone {
		printRow("Video", fmt.Sprintf("%s @ %d fps", name, video.ClampFPS(cfg.Video.FPS)))
	} else {
		printRow("Video", "(disabled)")
	}
	switch {
	case cfg.Journal.PostgresDSN != "":
		printRow("Journal", "postgres")
	case cfg.Journal.Path != "":
		printRow("Journal", cfg.Journal.Path)
	default:
		printRow("Journal", "memory")
	}
	if cfg.Telemetry.ListenAddr != "" {
		printRow("Telemetry", cfg.Telemetry.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 29 {
		value = value[:26] + "..."
	}
	fmt.Printf("║  %-12s: %-29s  ║\n", label, value)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
