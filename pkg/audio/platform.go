// Package audio defines the interfaces and types for local audio I/O within
// voxlink, plus the pure sample conversions used by the outbound pipeline.
//
// The two primary abstractions are:
//
//   - [Capture]: a microphone device delivering fixed-size [Frame] quanta from
//     the audio engine's own thread.
//   - [Sink]: an output device that plays one complete speech asset and
//     returns a [Playback] handle for it.
//
// Implementations live in adapter packages (audio/malgo, audio/beep,
// audio/command). The interfaces are intentionally narrow so that the session
// and assembler stay decoupled from device details.
//
// This package lives under pkg/ because external code (third-party device
// adapters) is expected to implement [Capture] and [Sink].
package audio

import (
	"context"
	"errors"
)

// ErrCaptureUnavailable is wrapped by capture constructors when the device
// cannot be opened (missing permission, no input device, backend failure).
var ErrCaptureUnavailable = errors.New("audio: capture device unavailable")

// ErrInvalidAsset is wrapped by sinks when an asset cannot be decoded.
var ErrInvalidAsset = errors.New("audio: invalid asset")

// Capture is an open microphone device.
//
// A Capture is obtained from an adapter constructor, which is where permission
// and device-access failures surface. It delivers nothing until
// [Capture.Start] is called.
//
// Implementations must be safe for concurrent use.
type Capture interface {
	// SampleRate reports the device's input sample rate in Hz. It is known as
	// soon as the device is open and never changes afterwards.
	SampleRate() int

	// Start begins delivery. onFrame is invoked from the audio engine's
	// callback context once per quantum with a frame the callee now owns. It
	// must not block. ctx bounds the start call only.
	Start(ctx context.Context, onFrame func(Frame)) error

	// Close stops delivery and releases the device. It is safe to call Close
	// more than once; subsequent calls are no-ops and return nil.
	Close() error
}

// Playback is the handle for one asset handed to a [Sink].
type Playback interface {
	// Stop cuts playback short. Safe to call at any time and more than once.
	Stop()

	// Done is closed once playback has finished, failed, or been stopped, and
	// all resources held for the asset have been released.
	Done() <-chan struct{}

	// Err returns the playback failure, if any. Only meaningful after Done is
	// closed. A stopped playback reports nil.
	Err() error
}

// Sink plays complete speech assets (for example an mp3 file assembled from
// streamed chunks).
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// Play starts playing asset and returns immediately. The sink takes
	// ownership of asset. An error means playback never started.
	Play(ctx context.Context, asset []byte) (Playback, error)
}
