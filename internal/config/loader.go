package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists known backend names per backend kind.
// Used by [Validate] to warn about unrecognised backend names.
var ValidBackendNames = map[string][]string{
	"capture":  {BackendMalgo},
	"playback": {BackendBeep, BackendCommand, BackendNone},
	"video":    {BackendFile, BackendNone},
}

// Limits enforced by [Validate].
const (
	maxFPS     = 15
	maxQuality = 100
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.URL == "" && cfg.Server.Origin == "" {
		errs = append(errs, errors.New("server.url or server.origin is required"))
	}
	if cfg.Server.URL != "" && cfg.Server.Origin != "" {
		slog.Warn("both server.url and server.origin are set; server.url wins")
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Unknown backend names only warn.
	validateBackendName("capture", cfg.Audio.Capture.Name)
	validateBackendName("playback", cfg.Playback.Sink.Name)
	validateBackendName("video", cfg.Video.Source.Name)

	// Audio
	if cfg.Audio.MaxPendingFrames < 0 {
		errs = append(errs, fmt.Errorf("audio.max_pending_frames %d must not be negative", cfg.Audio.MaxPendingFrames))
	}

	// Video
	if cfg.Video.FPS < 0 || cfg.Video.FPS > maxFPS {
		errs = append(errs, fmt.Errorf("video.fps %d is out of range [0, %d]", cfg.Video.FPS, maxFPS))
	}
	if cfg.Video.Width < 0 {
		errs = append(errs, fmt.Errorf("video.width %d must not be negative", cfg.Video.Width))
	}
	if cfg.Video.Quality < 0 || cfg.Video.Quality > maxQuality {
		errs = append(errs, fmt.Errorf("video.quality %d is out of range [1, %d]", cfg.Video.Quality, maxQuality))
	}
	if cfg.Video.Source.Name == BackendFile {
		if p, err := cfg.Video.Source.OptionString("path", ""); err != nil {
			errs = append(errs, fmt.Errorf("video.source: %w", err))
		} else if p == "" {
			errs = append(errs, errors.New("video.source.options.path is required for the file source"))
		}
	}
	if cfg.Video.FPS > 0 && (cfg.Video.Source.Name == "" || cfg.Video.Source.Name == BackendNone) {
		slog.Warn("video.fps is set but no video source is configured; video stays off")
	}

	// Playback
	if cfg.Playback.Sink.Name == BackendNone && cfg.Playback.InterruptOnStart {
		slog.Warn("playback.interrupt_on_start has no effect without a sink")
	}
	for i, fb := range cfg.Playback.Fallbacks {
		switch fb.Name {
		case "", BackendNone:
			errs = append(errs, fmt.Errorf("playback.fallbacks[%d]: a fallback needs a sink name", i))
		default:
			validateBackendName("playback", fb.Name)
		}
	}
	if cfg.Playback.Sink.Name == BackendNone && len(cfg.Playback.Fallbacks) > 0 {
		slog.Warn("playback.fallbacks are ignored when the sink is none")
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not found in
// the [ValidBackendNames] list for the given kind.
func validateBackendName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidBackendNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name; may be a typo or a backend registered elsewhere",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
