// Package miniaudio provides an [audio.Capture] implementation backed by the
// miniaudio library via github.com/gen2brain/malgo.
//
// The device is opened as mono float32 at its native sample rate. Every data
// callback is decoded into a freshly allocated [audio.Frame] and handed to the
// consumer, so the engine's buffer is never retained after the callback
// returns.
package miniaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Capture = (*Capture)(nil)

// Option is a functional option for [Open].
type Option func(*Capture)

// WithPeriodFrames sets the requested number of sample frames per device
// callback. Non-positive values keep [audio.DefaultQuantum].
func WithPeriodFrames(n int) Option {
	return func(c *Capture) {
		if n > 0 {
			c.periodFrames = n
		}
	}
}

// WithDeviceName selects the capture device whose name matches exactly.
// An empty name selects the system default.
func WithDeviceName(name string) Option {
	return func(c *Capture) { c.deviceName = name }
}

// Capture is an open microphone device.
//
// Capture is safe for concurrent use.
type Capture struct {
	periodFrames int
	deviceName   string

	ctx    *malgo.AllocatedContext
	device *malgo.Device
	rate   int

	mu      sync.Mutex
	onFrame func(audio.Frame)
	started bool

	closeOnce sync.Once
}

// Open initialises the audio backend and the capture device. Permission and
// device failures are reported here, wrapped with [audio.ErrCaptureUnavailable].
// Nothing is delivered until [Capture.Start].
func Open(opts ...Option) (*Capture, error) {
	c := &Capture{periodFrames: audio.DefaultQuantum}
	for _, o := range opts {
		o(c)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio: backend", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w: %w", audio.ErrCaptureUnavailable, err)
	}
	c.ctx = mctx

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = 0 // device native rate
	cfg.PeriodSizeInFrames = uint32(c.periodFrames)
	cfg.Alsa.NoMMap = 1

	if c.deviceName != "" {
		id, err := c.findDevice(c.deviceName)
		if err != nil {
			c.freeContext()
			return nil, err
		}
		cfg.Capture.DeviceID = id.Pointer()
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) { c.deliver(input) },
	})
	if err != nil {
		c.freeContext()
		return nil, fmt.Errorf("miniaudio: init capture device: %w: %w", audio.ErrCaptureUnavailable, err)
	}
	c.device = dev
	c.rate = int(dev.SampleRate())

	slog.Info("miniaudio: capture device open",
		"format", audio.Format{SampleRate: c.rate, Channels: 1}.String(),
		"period_frames", c.periodFrames,
	)
	return c, nil
}

func (c *Capture) findDevice(name string) (malgo.DeviceID, error) {
	infos, err := c.ctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceID{}, fmt.Errorf("miniaudio: enumerate devices: %w: %w", audio.ErrCaptureUnavailable, err)
	}
	for _, info := range infos {
		if info.Name() == name {
			return info.ID, nil
		}
	}
	return malgo.DeviceID{}, fmt.Errorf("miniaudio: capture device %q not found: %w", name, audio.ErrCaptureUnavailable)
}

// SampleRate implements [audio.Capture].
func (c *Capture) SampleRate() int { return c.rate }

// Start implements [audio.Capture].
func (c *Capture) Start(_ context.Context, onFrame func(audio.Frame)) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("miniaudio: capture already started")
	}
	if c.device == nil {
		c.mu.Unlock()
		return fmt.Errorf("miniaudio: capture closed")
	}
	c.onFrame = onFrame
	c.started = true
	c.mu.Unlock()

	if err := c.device.Start(); err != nil {
		return fmt.Errorf("miniaudio: start capture: %w", err)
	}
	return nil
}

// Close implements [audio.Capture]. Only the first call reports a stop
// failure.
func (c *Capture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.onFrame = nil
		dev := c.device
		c.device = nil
		c.mu.Unlock()

		if dev != nil {
			if err := dev.Stop(); err != nil {
				err = fmt.Errorf("miniaudio: stop capture: %w", err)
			}
			dev.Uninit()
		}
		c.freeContext()
	})
	return err
}

func (c *Capture) freeContext() {
	if c.ctx == nil {
		return
	}
	_ = c.ctx.Uninit()
	c.ctx.Free()
	c.ctx = nil
}

// deliver runs on the audio engine thread. A panic in the consumer must not
// unwind into the engine.
func (c *Capture) deliver(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("miniaudio: frame consumer panicked", "panic", r)
		}
	}()

	c.mu.Lock()
	cb := c.onFrame
	c.mu.Unlock()
	if cb == nil || len(raw) == 0 {
		return
	}
	cb(audio.DecodeFloat32LE(raw))
}
