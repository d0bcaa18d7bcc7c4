// Package speech reassembles speech assets streamed by the assistant service
// and hands each complete asset to an [audio.Sink].
//
// The service brackets every asset with tts_start and tts_end control
// messages and sends the asset itself as untyped binary messages in between.
// The [Assembler] is the only place that knows how to interpret those binary
// messages: they are chunks while it is Receiving and noise while it is Idle.
package speech

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/audio"
)

// State is the receive state of an [Assembler].
type State int

const (
	// Idle means no asset is being received; binary messages are discarded.
	Idle State = iota

	// Receiving means binary messages are chunks of the current asset.
	Receiving
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Receiving:
		return "receiving"
	default:
		return "unknown"
	}
}

// Option is a functional option for [New].
type Option func(*Assembler)

// WithInterruptOnStart makes tts_start stop the unit that is currently
// playing. By default the old unit keeps playing until the next unit is ready.
func WithInterruptOnStart(v bool) Option {
	return func(a *Assembler) { a.interruptOnStart = v }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Assembler) { a.metrics = m }
}

// WithOnUnit registers a callback invoked with the size of every assembled
// unit just before it is played.
func WithOnUnit(fn func(size int)) Option {
	return func(a *Assembler) { a.onUnit = fn }
}

// unit is one asset handed to the sink.
type unit struct {
	playback audio.Playback
	size     int

	// interrupted is set under Assembler.mu when the assembler stops the unit.
	interrupted bool
}

// Assembler is the Idle/Receiving state machine for inbound speech.
//
// At most one unit plays at a time. Playback errors are logged and counted,
// never returned.
//
// Assembler is safe for concurrent use.
type Assembler struct {
	sink             audio.Sink
	interruptOnStart bool
	metrics          *observe.Metrics
	onUnit           func(size int)

	mu      sync.Mutex
	state   State
	chunks  [][]byte
	current *unit

	watchers sync.WaitGroup
}

// New creates an Assembler that plays through sink. A nil sink assembles and
// counts units without playing them.
func New(sink audio.Sink, opts ...Option) *Assembler {
	a := &Assembler{sink: sink}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// State returns the current receive state.
func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// HandleStart processes tts_start: it enters Receiving and drops any partial
// chunk list left over from an asset that never ended.
func (a *Assembler) HandleStart(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == Receiving && len(a.chunks) > 0 {
		slog.Debug("speech: tts_start while receiving, dropping partial asset", "chunks", len(a.chunks))
	}
	a.state = Receiving
	a.chunks = nil
	if a.interruptOnStart {
		a.stopCurrentLocked()
	}
}

// HandleChunk processes one inbound binary message. While Receiving the data
// is copied and appended; while Idle it is discarded and counted.
func (a *Assembler) HandleChunk(ctx context.Context, data []byte) {
	a.mu.Lock()
	if a.state != Receiving {
		a.mu.Unlock()
		a.metrics.OutOfBandChunks.Add(ctx, 1)
		slog.Debug("speech: binary message outside tts_start/tts_end, discarding", "bytes", len(data))
		return
	}
	a.chunks = append(a.chunks, append([]byte(nil), data...))
	a.mu.Unlock()
}

// HandleEnd processes tts_end: it returns to Idle and, if any chunks arrived,
// plays them as one unit after stopping the previous unit.
func (a *Assembler) HandleEnd(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Receiving {
		slog.Debug("speech: tts_end while idle, ignoring")
		return
	}
	a.state = Idle
	chunks := a.chunks
	a.chunks = nil
	if len(chunks) == 0 {
		slog.Debug("speech: empty asset, nothing to play")
		return
	}

	asset := concat(chunks)
	a.metrics.PlaybackBytes.Record(ctx, int64(len(asset)))
	if a.onUnit != nil {
		a.onUnit(len(asset))
	}

	a.stopCurrentLocked()
	if a.sink == nil {
		a.metrics.RecordPlayback(ctx, observe.OutcomeCompleted)
		return
	}

	pb, err := a.sink.Play(ctx, asset)
	if err != nil {
		a.metrics.RecordPlayback(ctx, observe.OutcomeFailed)
		slog.Warn("speech: start playback", "err", err, "bytes", len(asset))
		return
	}
	u := &unit{playback: pb, size: len(asset)}
	a.current = u

	a.watchers.Add(1)
	go a.watch(u)
}

// watch waits for u to finish and releases it.
func (a *Assembler) watch(u *unit) {
	defer a.watchers.Done()
	<-u.playback.Done()

	ctx := context.Background()
	a.mu.Lock()
	if a.current == u {
		a.current = nil
	}
	interrupted := u.interrupted
	a.mu.Unlock()

	switch err := u.playback.Err(); {
	case interrupted:
		a.metrics.RecordPlayback(ctx, observe.OutcomeInterrupted)
	case err != nil:
		a.metrics.RecordPlayback(ctx, observe.OutcomeFailed)
		slog.Warn("speech: playback failed", "err", err, "bytes", u.size)
	default:
		a.metrics.RecordPlayback(ctx, observe.OutcomeCompleted)
	}
}

// stopCurrentLocked stops the playing unit, if any. a.mu must be held.
func (a *Assembler) stopCurrentLocked() {
	if a.current == nil {
		return
	}
	a.current.interrupted = true
	a.current.playback.Stop()
	a.current = nil
}

// Reset stops playback, drops partial chunks and returns to Idle.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopCurrentLocked()
	a.chunks = nil
	a.state = Idle
}

// Wait blocks until every started unit has been released.
func (a *Assembler) Wait() {
	a.watchers.Wait()
}

// Playing reports whether a unit is currently playing.
func (a *Assembler) Playing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != nil
}

func concat(chunks [][]byte) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
