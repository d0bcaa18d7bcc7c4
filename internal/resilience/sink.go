package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ErrAllFailed is returned by [SinkFallback.Play] when no sink could start
// the asset.
var ErrAllFailed = errors.New("resilience: all sinks failed")

var _ audio.Sink = (*SinkFallback)(nil)

type sinkEntry struct {
	name    string
	sink    audio.Sink
	breaker *Breaker
}

// SinkFallback is an [audio.Sink] that plays each asset through the first
// sink, in registration order, that starts it. Every sink has its own
// [Breaker], so a sink that keeps failing is skipped until its cooldown ends.
// Only starting playback is covered; a playback that fails later is reported
// through its own Err.
type SinkFallback struct {
	cfg BreakerConfig

	mu      sync.RWMutex
	entries []sinkEntry
}

// NewSinkFallback creates a SinkFallback with primary as the preferred sink.
// cfg is copied for every breaker; its Name is replaced by the sink name. A
// nil cfg.Ignore ignores [audio.ErrInvalidAsset], so undecodable speech does
// not trip a healthy sink.
func NewSinkFallback(name string, primary audio.Sink, cfg BreakerConfig) *SinkFallback {
	if cfg.Ignore == nil {
		cfg.Ignore = invalidAsset
	}
	f := &SinkFallback{cfg: cfg}
	f.Add(name, primary)
	return f
}

func invalidAsset(err error) bool { return errors.Is(err, audio.ErrInvalidAsset) }

// Add appends a fallback sink.
func (f *SinkFallback) Add(name string, s audio.Sink) {
	cfg := f.cfg
	cfg.Name = "sink/" + name
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, sinkEntry{name: name, sink: s, breaker: NewBreaker(cfg)})
}

// Names returns the sink names in the order they are tried.
func (f *SinkFallback) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, len(f.entries))
	for i, e := range f.entries {
		names[i] = e.name
	}
	return names
}

// Play implements [audio.Sink].
func (f *SinkFallback) Play(ctx context.Context, asset []byte) (audio.Playback, error) {
	f.mu.RLock()
	entries := f.entries
	f.mu.RUnlock()

	var errs []error
	for _, e := range entries {
		var pb audio.Playback
		err := e.breaker.Do(func() error {
			var err error
			pb, err = e.sink.Play(ctx, asset)
			return err
		})
		if err == nil {
			return pb, nil
		}
		if invalidAsset(err) {
			// Every sink would reject it.
			return nil, fmt.Errorf("%s: %w", e.name, err)
		}
		if errors.Is(err, ErrOpen) {
			slog.Debug("resilience: skipping sink, circuit open", "sink", e.name)
		} else {
			slog.Warn("resilience: sink failed, trying next", "sink", e.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
