package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/internal/scheduler"
)

// DefaultWatchInterval is the polling interval of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// Watcher monitors a config file for changes and calls a callback when the
// file is modified. It polls with a [scheduler.Periodic] instead of relying on
// filesystem notifications.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	tickers  scheduler.TickerFactory
	poller   *scheduler.Periodic

	mu      sync.Mutex
	current *Config

	// last known file state for change detection
	lastMtime time.Time
	lastSize  int64
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchTicker replaces the polling clock. Used in tests with
// [scheduler.ManualTicker].
func WithWatchTicker(f scheduler.TickerFactory) WatcherOption {
	return func(w *Watcher) { w.tickers = f }
}

// NewWatcher creates a config file watcher. It loads the initial config
// immediately and starts polling in a background goroutine until [Watcher.Stop].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		tickers:  scheduler.TimeTicker,
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, info, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.lastHash = hash
	w.lastMtime = info.ModTime()
	w.lastSize = info.Size()

	w.poller = scheduler.New("config-watcher", func(context.Context) { w.check() },
		scheduler.WithTickerFactory(w.tickers))
	w.poller.Start(context.Background(), w.interval)
	return w, nil
}

// Path returns the watched file path.
func (w *Watcher) Path() string { return w.path }

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the file watcher and waits for an in-flight check to finish.
// It is safe to call more than once.
func (w *Watcher) Stop() {
	w.poller.Cancel()
}

// check reads the config file and, if it has changed and is valid, calls
// onChange and updates the current config.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.lastMtime) && info.Size() == w.lastSize
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, hash, newInfo, err := w.loadAndHash()
	if err != nil {
		slog.Warn("config watcher: failed to load config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	w.lastMtime = newInfo.ModTime()
	w.lastSize = newInfo.Size()
	if hash == w.lastHash {
		// Touched, same content.
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.lastHash = hash
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// Outside the lock so the callback may call Current.
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// loadAndHash reads the config file, parses and validates it, and returns the
// config alongside the content hash and file info. An invalid config is an
// error; the caller keeps the previous one.
func (w *Watcher) loadAndHash() (*Config, [sha256.Size]byte, os.FileInfo, error) {
	var zeroHash [sha256.Size]byte

	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zeroHash, nil, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zeroHash, nil, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zeroHash, nil, err
	}
	return cfg, sha256.Sum256(data), info, nil
}
