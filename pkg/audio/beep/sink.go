// Package beep provides an [audio.Sink] that decodes mp3 speech assets and
// plays them on the default output device via github.com/faiface/beep.
//
// The speaker is initialised lazily on the first [Sink.Play] at a fixed output
// rate; assets recorded at other rates are resampled on the fly.
package beep

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Sink     = (*Sink)(nil)
	_ audio.Playback = (*playback)(nil)
)

// DefaultSampleRate is the speaker output rate used unless overridden.
const DefaultSampleRate beep.SampleRate = 44100

// resampleQuality is the beep resampler quality (1 is lowest, 6 is highest).
const resampleQuality = 4

type decodeFunc func(io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error)

// Option is a functional option for [New].
type Option func(*Sink)

// WithSampleRate sets the speaker output rate.
func WithSampleRate(rate int) Option {
	return func(s *Sink) {
		if rate > 0 {
			s.rate = beep.SampleRate(rate)
		}
	}
}

// WithBufferDuration sets the speaker buffer length. Longer buffers are more
// robust against scheduling jitter but make Stop less immediate.
func WithBufferDuration(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.buffer = d
		}
	}
}

// Sink plays mp3 assets through the system speaker.
//
// Sink is safe for concurrent use.
type Sink struct {
	rate   beep.SampleRate
	buffer time.Duration

	initOnce sync.Once
	initErr  error

	// Overridable for tests.
	decode  decodeFunc
	initSpk func(beep.SampleRate, int) error
	play    func(beep.Streamer)
	lock    func()
	unlock  func()
}

// New creates a beep-backed Sink. The speaker is not touched until the first
// call to Play.
func New(opts ...Option) *Sink {
	s := &Sink{
		rate:    DefaultSampleRate,
		buffer:  100 * time.Millisecond,
		decode:  mp3.Decode,
		initSpk: speaker.Init,
		play:    func(st beep.Streamer) { speaker.Play(st) },
		lock:    speaker.Lock,
		unlock:  speaker.Unlock,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Play implements [audio.Sink]. The asset is decoded as mp3 and queued on the
// speaker; Play returns as soon as playback has started.
func (s *Sink) Play(_ context.Context, asset []byte) (audio.Playback, error) {
	s.initOnce.Do(func() {
		if err := s.initSpk(s.rate, s.rate.N(s.buffer)); err != nil {
			s.initErr = fmt.Errorf("beep: init speaker: %w", err)
		}
	})
	if s.initErr != nil {
		return nil, s.initErr
	}

	stream, format, err := s.decode(io.NopCloser(bytes.NewReader(asset)))
	if err != nil {
		return nil, fmt.Errorf("beep: decode asset: %w: %w", audio.ErrInvalidAsset, err)
	}

	var src beep.Streamer = stream
	if format.SampleRate != s.rate {
		src = beep.Resample(resampleQuality, format.SampleRate, s.rate, stream)
	}

	p := &playback{
		sink:   s,
		stream: stream,
		done:   make(chan struct{}),
	}
	p.ctrl = &beep.Ctrl{Streamer: beep.Seq(src, beep.Callback(p.finished))}
	s.play(p.ctrl)

	slog.Debug("beep: playback started",
		"bytes", len(asset),
		"source_rate", int(format.SampleRate),
		"duration", format.SampleRate.D(stream.Len()),
	)
	return p, nil
}

// playback is the handle for one asset on the speaker.
type playback struct {
	sink   *Sink
	stream beep.StreamSeekCloser
	ctrl   *beep.Ctrl

	once sync.Once
	done chan struct{}
	err  error
}

// finished runs on the speaker goroutine with the speaker lock held.
func (p *playback) finished() {
	p.err = p.stream.Err()
	go p.release()
}

// Stop implements [audio.Playback].
func (p *playback) Stop() {
	p.sink.lock()
	p.ctrl.Streamer = nil
	p.sink.unlock()
	p.release()
}

func (p *playback) release() {
	p.once.Do(func() {
		if err := p.stream.Close(); err != nil {
			slog.Debug("beep: close decoder", "err", err)
		}
		close(p.done)
	})
}

// Done implements [audio.Playback].
func (p *playback) Done() <-chan struct{} { return p.done }

// Err implements [audio.Playback].
func (p *playback) Err() error {
	p.sink.lock()
	defer p.sink.unlock()
	return p.err
}
