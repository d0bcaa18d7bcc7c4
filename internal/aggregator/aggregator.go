// Package aggregator turns the stream of small capture quanta into one PCM16
// unit per tick.
//
// Quanta are appended to a bounded pending queue from the audio engine's
// callback. On every tick the queue is swapped out wholesale, concatenated in
// arrival order, decimated to [audio.TargetSampleRate], quantised to
// little-endian int16 and handed to the [Sender] as a single pcm_audio unit.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/protocol"
	"github.com/MrWong99/voxlink/pkg/audio"
)

// DefaultMaxPending is the pending-queue bound used when none is configured.
// At 48 kHz and 128-sample quanta this is roughly 2.7 s of audio.
const DefaultMaxPending = 1000

// streamName labels audio ticks in metrics.
const streamName = "audio"

// Sender is the outbound side of a session as seen by the aggregator.
type Sender interface {
	// Writable reports whether the connection can take a unit right now.
	Writable() bool

	// SessionID returns the id to stamp on outbound units.
	SessionID() string

	// SendUnit writes one envelope and its payload.
	SendUnit(ctx context.Context, u protocol.Unit) error
}

// Option is a functional option for [New].
type Option func(*Aggregator)

// WithMaxPending bounds the pending queue to n frames. Non-positive values
// keep [DefaultMaxPending].
func WithMaxPending(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.maxPending = n
		}
	}
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// Aggregator buffers capture quanta between ticks.
//
// Enqueue may be called from the audio engine thread while Tick runs on the
// scheduler goroutine. Aggregator is safe for concurrent use.
type Aggregator struct {
	sender     Sender
	inputRate  int
	maxPending int
	metrics    *observe.Metrics

	mu       sync.Mutex
	pending  []audio.Frame
	dropped  int
	overflow bool
}

// New creates an Aggregator for a device delivering at inputRate Hz.
func New(sender Sender, inputRate int, opts ...Option) (*Aggregator, error) {
	if sender == nil {
		return nil, fmt.Errorf("aggregator: sender must not be nil")
	}
	if inputRate <= 0 {
		return nil, fmt.Errorf("aggregator: input rate must be positive, got %d", inputRate)
	}
	a := &Aggregator{
		sender:     sender,
		inputRate:  inputRate,
		maxPending: DefaultMaxPending,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a, nil
}

// Enqueue appends one captured frame. The aggregator takes ownership of
// frame. When the queue is full the oldest frame is dropped; a warning is
// logged once per overflow episode. Enqueue never blocks on I/O.
func (a *Aggregator) Enqueue(frame audio.Frame) {
	if len(frame) == 0 {
		return
	}
	ctx := context.Background()

	a.mu.Lock()
	var evicted int
	if len(a.pending) >= a.maxPending {
		evicted = len(a.pending) - a.maxPending + 1
		clear(a.pending[:evicted])
		a.pending = a.pending[evicted:]
		a.dropped += evicted
	}
	a.pending = append(a.pending, frame)
	warn := evicted > 0 && !a.overflow
	if evicted > 0 {
		a.overflow = true
	}
	a.mu.Unlock()

	a.metrics.FramesCaptured.Add(ctx, 1)
	if evicted > 0 {
		a.metrics.FramesDropped.Add(ctx, int64(evicted))
	}
	if warn {
		slog.Warn("aggregator: pending audio queue full, dropping oldest frames",
			"max_pending", a.maxPending)
	}
}

// Tick drains the queue and sends it as one PCM16 unit. If the sender is not
// writable nothing is drained, so frames keep accumulating up to the bound.
// Empty queues and empty conversions send nothing.
func (a *Aggregator) Tick(ctx context.Context) {
	if !a.sender.Writable() {
		a.metrics.RecordTickSkipped(ctx, streamName, observe.SkipNotWritable)
		return
	}

	frames := a.drain()
	if len(frames) == 0 {
		a.metrics.RecordTickSkipped(ctx, streamName, observe.SkipEmpty)
		return
	}

	samples := audio.Decimate(audio.Concat(frames), a.inputRate, audio.TargetSampleRate)
	pcm := audio.QuantizePCM16(samples)
	if len(pcm) == 0 {
		a.metrics.RecordTickSkipped(ctx, streamName, observe.SkipEmpty)
		return
	}

	if err := a.sender.SendUnit(ctx, protocol.NewPCMUnit(a.sender.SessionID(), pcm)); err != nil {
		a.metrics.RecordTickSkipped(ctx, streamName, observe.SkipError)
		slog.Debug("aggregator: send pcm unit", "err", err, "bytes", len(pcm))
		return
	}
	a.metrics.AudioBytesSent.Add(ctx, int64(len(pcm)))
}

// drain swaps the pending queue for a fresh one and returns the old contents.
// Draining ends any overflow episode.
func (a *Aggregator) drain() []audio.Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	frames := a.pending
	a.pending = nil
	if a.overflow {
		slog.Info("aggregator: pending audio queue recovered", "dropped_frames", a.dropped)
		a.overflow = false
		a.dropped = 0
	}
	return frames
}

// Discard drops all pending frames without sending them.
func (a *Aggregator) Discard() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = nil
	a.overflow = false
	a.dropped = 0
}

// Pending returns the number of frames waiting for the next tick.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// InputRate returns the capture rate the aggregator decimates from.
func (a *Aggregator) InputRate() int { return a.inputRate }
