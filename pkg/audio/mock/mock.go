// Package mock provides in-memory mock implementations of the [audio.Capture],
// [audio.Sink], and [audio.Playback] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	capture := &mock.Capture{Rate: 48000}
//	sink := &mock.Sink{}
//	// ... hand both to the component under test ...
//	capture.Emit(audio.Frame{0.1, 0.2})
//	plays := sink.Plays()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.Capture].
// Set the exported fields before use; inspect the CallCount* fields after.
type Capture struct {
	mu sync.Mutex

	// Rate is returned by [Capture.SampleRate].
	Rate int

	// StartError is returned by [Capture.Start].
	StartError error

	// CloseError is returned by the first [Capture.Close] call.
	CloseError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	onFrame func(audio.Frame)
	closed  bool
}

// SampleRate implements [audio.Capture]. Returns Rate.
func (c *Capture) SampleRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Rate
}

// Start implements [audio.Capture]. Records onFrame so that [Capture.Emit] can
// deliver frames to it.
func (c *Capture) Start(_ context.Context, onFrame func(audio.Frame)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	if c.StartError != nil {
		return c.StartError
	}
	c.onFrame = onFrame
	return nil
}

// Close implements [audio.Capture]. After Close, Emit is a no-op.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	if c.closed {
		return nil
	}
	c.closed = true
	c.onFrame = nil
	return c.CloseError
}

// Emit delivers frame to the callback registered by Start, as the audio engine
// would. It reports whether a callback received the frame.
func (c *Capture) Emit(frame audio.Frame) bool {
	c.mu.Lock()
	cb := c.onFrame
	c.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(frame)
	return true
}

// Closed reports whether Close has been called.
func (c *Capture) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// Playback is a mock implementation of [audio.Playback]. It stays "playing"
// until the test calls [Playback.Finish] or the code under test calls Stop.
type Playback struct {
	// Asset is the data passed to [Sink.Play].
	Asset []byte

	mu        sync.Mutex
	stopCount int
	err       error
	done      chan struct{}
	once      sync.Once
}

func newPlayback(asset []byte) *Playback {
	return &Playback{Asset: asset, done: make(chan struct{})}
}

// Stop implements [audio.Playback].
func (p *Playback) Stop() {
	p.mu.Lock()
	p.stopCount++
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
}

// Done implements [audio.Playback].
func (p *Playback) Done() <-chan struct{} { return p.done }

// Err implements [audio.Playback].
func (p *Playback) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Finish ends playback as if the device completed (err == nil) or failed.
func (p *Playback) Finish(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
}

// StopCount returns how many times Stop was called.
func (p *Playback) StopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCount
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// PlayError is returned by [Sink.Play] when non-nil; no playback is recorded.
	PlayError error

	// Started, if non-nil, receives every playback as it is started.
	Started chan *Playback

	plays []*Playback
}

// Play implements [audio.Sink]. Records a new [Playback] for asset.
func (s *Sink) Play(_ context.Context, asset []byte) (audio.Playback, error) {
	s.mu.Lock()
	if s.PlayError != nil {
		err := s.PlayError
		s.mu.Unlock()
		return nil, err
	}
	p := newPlayback(asset)
	s.plays = append(s.plays, p)
	started := s.Started
	s.mu.Unlock()

	if started != nil {
		started <- p
	}
	return p, nil
}

// Plays returns a snapshot of all playbacks started so far, in order.
func (s *Sink) Plays() []*Playback {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Playback, len(s.plays))
	copy(out, s.plays)
	return out
}
