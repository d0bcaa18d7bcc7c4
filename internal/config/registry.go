package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/voxlink/internal/video"
	"github.com/MrWong99/voxlink/pkg/audio"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// Registry maps backend names to their constructor functions for each
// backend kind. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	capture  map[string]func(BackendEntry) (audio.Capture, error)
	playback map[string]func(BackendEntry) (audio.Sink, error)
	video    map[string]func(BackendEntry) (video.Source, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		capture:  make(map[string]func(BackendEntry) (audio.Capture, error)),
		playback: make(map[string]func(BackendEntry) (audio.Sink, error)),
		video:    make(map[string]func(BackendEntry) (video.Source, error)),
	}
}

// RegisterCapture registers a microphone capture factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCapture(name string, factory func(BackendEntry) (audio.Capture, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterPlayback registers a speech playback sink factory under name.
func (r *Registry) RegisterPlayback(name string, factory func(BackendEntry) (audio.Sink, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// RegisterVideo registers a video source factory under name.
func (r *Registry) RegisterVideo(name string, factory func(BackendEntry) (video.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.video[name] = factory
}

// CreateCapture opens a capture device using the factory registered under entry.Name.
// Returns [ErrBackendNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateCapture(entry BackendEntry) (audio.Capture, error) {
	r.mu.RLock()
	factory, ok := r.capture[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrBackendNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreatePlayback creates a playback sink using the factory registered under
// entry.Name. The name "none" always yields a nil sink, which discards speech.
func (r *Registry) CreatePlayback(entry BackendEntry) (audio.Sink, error) {
	if entry.Name == BackendNone {
		return nil, nil
	}
	r.mu.RLock()
	factory, ok := r.playback[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrBackendNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVideo creates a video source using the factory registered under
// entry.Name. An empty name or "none" yields a nil source, which disables video.
func (r *Registry) CreateVideo(entry BackendEntry) (video.Source, error) {
	if entry.Name == "" || entry.Name == BackendNone {
		return nil, nil
	}
	r.mu.RLock()
	factory, ok := r.video[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: video/%q", ErrBackendNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the registered backend names per kind, sorted.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"capture":  sortedKeys(r.capture),
		"playback": sortedKeys(r.playback),
		"video":    sortedKeys(r.video),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
