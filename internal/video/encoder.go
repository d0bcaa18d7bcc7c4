// Package video snapshots a camera [Source] on a schedule, downsizes each
// frame, encodes it as JPEG and sends it as a video_frame unit.
package video

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/protocol"
)

// MaxFPS is the highest supported frame rate.
const MaxFPS = 15

// streamName labels video ticks in metrics.
const streamName = "video"

// ClampFPS limits fps to [0, MaxFPS]. Zero disables video.
func ClampFPS(fps int) int {
	return clampInt(fps, 0, MaxFPS)
}

// Interval returns the tick interval for fps after clamping, or 0 when video
// is disabled.
func Interval(fps int) time.Duration {
	fps = ClampFPS(fps)
	if fps == 0 {
		return 0
	}
	return time.Second / time.Duration(fps)
}

// Sender is the outbound side of a session as seen by the encoder.
type Sender interface {
	Writable() bool
	SessionID() string
	SendUnit(ctx context.Context, u protocol.Unit) error
}

// Option is a functional option for [NewEncoder].
type Option func(*Encoder)

// WithWidth sets the target frame width. Non-positive values keep
// [DefaultWidth].
func WithWidth(w int) Option {
	return func(e *Encoder) {
		if w > 0 {
			e.width = w
		}
	}
}

// WithQuality sets the initial JPEG quality (clamped to 1–100).
func WithQuality(q int) Option {
	return func(e *Encoder) { e.quality.Store(int64(ClampQuality(q))) }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Encoder) { e.metrics = m }
}

// Encoder turns source snapshots into video_frame units.
//
// Encoder is safe for concurrent use.
type Encoder struct {
	source  Source
	sender  Sender
	width   int
	quality atomic.Int64
	metrics *observe.Metrics

	errOnce sync.Once
}

// NewEncoder creates an Encoder reading from source and sending through sender.
// The caller keeps ownership of source.
func NewEncoder(source Source, sender Sender, opts ...Option) (*Encoder, error) {
	if source == nil {
		return nil, errors.New("video: source must not be nil")
	}
	if sender == nil {
		return nil, errors.New("video: sender must not be nil")
	}
	e := &Encoder{
		source: source,
		sender: sender,
		width:  DefaultWidth,
	}
	e.quality.Store(DefaultQuality)
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e, nil
}

// SetQuality changes the JPEG quality for subsequent frames.
func (e *Encoder) SetQuality(q int) {
	e.quality.Store(int64(ClampQuality(q)))
}

// Quality returns the current JPEG quality.
func (e *Encoder) Quality() int {
	return int(e.quality.Load())
}

// Tick captures, scales, encodes and sends one frame. Nothing is sent while
// the sender is not writable or the source has nothing new.
func (e *Encoder) Tick(ctx context.Context) {
	if !e.sender.Writable() {
		e.metrics.RecordTickSkipped(ctx, streamName, observe.SkipNotWritable)
		return
	}

	img, err := e.source.Frame(ctx)
	switch {
	case errors.Is(err, ErrNoFrame):
		e.metrics.RecordTickSkipped(ctx, streamName, observe.SkipNoFrame)
		return
	case errors.Is(err, ErrUnchanged):
		e.metrics.RecordTickSkipped(ctx, streamName, observe.SkipUnchanged)
		return
	case err != nil:
		e.metrics.RecordTickSkipped(ctx, streamName, observe.SkipError)
		e.errOnce.Do(func() {
			slog.Warn("video: read frame failed, further errors are logged at debug", "err", err)
		})
		slog.Debug("video: read frame", "err", err)
		return
	}

	start := time.Now()
	data, err := EncodeJPEG(ScaleToWidth(img, e.width), e.Quality())
	e.metrics.VideoEncodeDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		e.metrics.RecordTickSkipped(ctx, streamName, observe.SkipError)
		slog.Warn("video: encode frame", "err", err)
		return
	}
	if len(data) == 0 {
		e.metrics.RecordTickSkipped(ctx, streamName, observe.SkipEmpty)
		return
	}

	if err := e.sender.SendUnit(ctx, protocol.NewVideoUnit(e.sender.SessionID(), data)); err != nil {
		e.metrics.RecordTickSkipped(ctx, streamName, observe.SkipError)
		slog.Debug("video: send frame", "err", err, "bytes", len(data))
		return
	}
	e.metrics.VideoFramesSent.Add(ctx, 1)
}
