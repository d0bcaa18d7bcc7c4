// Package observe provides application-wide observability primitives for
// voxlink: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxlink metrics.
const meterName = "github.com/MrWong99/voxlink"

// Skip reasons recorded on [Metrics.TicksSkipped].
const (
	SkipNotWritable = "not_writable"
	SkipEmpty       = "empty"
	SkipNoFrame     = "no_frame"
	SkipUnchanged   = "unchanged"
	SkipError       = "error"
)

// Playback outcomes recorded on [Metrics.PlaybackUnits].
const (
	OutcomeCompleted   = "completed"
	OutcomeInterrupted = "interrupted"
	OutcomeFailed      = "failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Outbound audio ---

	// FramesCaptured counts capture quanta accepted into the pending queue.
	FramesCaptured metric.Int64Counter

	// FramesDropped counts quanta evicted from a full pending queue.
	FramesDropped metric.Int64Counter

	// AudioBytesSent counts PCM16 payload bytes written to the connection.
	AudioBytesSent metric.Int64Counter

	// TicksSkipped counts scheduler ticks that sent nothing. Use with attributes:
	//   attribute.String("stream", "audio"|"video"), attribute.String("reason", ...)
	TicksSkipped metric.Int64Counter

	// --- Outbound video ---

	// VideoFramesSent counts JPEG frames written to the connection.
	VideoFramesSent metric.Int64Counter

	// VideoEncodeDuration tracks scale + JPEG encode latency.
	VideoEncodeDuration metric.Float64Histogram

	// --- Inbound ---

	// InboundMessages counts decoded control messages. Use with attribute:
	//   attribute.String("type", ...)
	InboundMessages metric.Int64Counter

	// MalformedMessages counts inbound text messages that failed to decode.
	// Use with attribute attribute.String("reason", "malformed"|"unknown_type").
	MalformedMessages metric.Int64Counter

	// OutOfBandChunks counts binary messages received while no speech asset
	// was being assembled.
	OutOfBandChunks metric.Int64Counter

	// PlaybackUnits counts speech assets handed to the sink. Use with attribute:
	//   attribute.String("outcome", ...)
	PlaybackUnits metric.Int64Counter

	// PlaybackBytes tracks the size of assembled speech assets.
	PlaybackBytes metric.Int64Histogram

	// --- Sessions ---

	// ActiveSessions tracks the number of open transport sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration tracks how long sessions stay open.
	SessionDuration metric.Float64Histogram

	// --- Telemetry endpoint ---

	// TelemetryRequestDuration tracks /metrics, /healthz and /readyz latency
	// by path and status class.
	TelemetryRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// per-frame encode work.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for session
// lifetimes.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 300, 900, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Outbound audio.
	if met.FramesCaptured, err = m.Int64Counter("voxlink.audio.frames_captured",
		metric.WithDescription("Capture quanta accepted into the pending queue."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxlink.audio.frames_dropped",
		metric.WithDescription("Capture quanta evicted because the pending queue was full."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesSent, err = m.Int64Counter("voxlink.audio.bytes_sent",
		metric.WithDescription("PCM16 payload bytes sent to the service."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.TicksSkipped, err = m.Int64Counter("voxlink.ticks_skipped",
		metric.WithDescription("Scheduler ticks that sent nothing, by stream and reason."),
	); err != nil {
		return nil, err
	}

	// Outbound video.
	if met.VideoFramesSent, err = m.Int64Counter("voxlink.video.frames_sent",
		metric.WithDescription("JPEG frames sent to the service."),
	); err != nil {
		return nil, err
	}
	if met.VideoEncodeDuration, err = m.Float64Histogram("voxlink.video.encode.duration",
		metric.WithDescription("Latency of scaling and JPEG-encoding one frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Inbound.
	if met.InboundMessages, err = m.Int64Counter("voxlink.inbound.messages",
		metric.WithDescription("Decoded inbound control messages by type."),
	); err != nil {
		return nil, err
	}
	if met.MalformedMessages, err = m.Int64Counter("voxlink.inbound.malformed",
		metric.WithDescription("Inbound text messages that could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.OutOfBandChunks, err = m.Int64Counter("voxlink.speech.out_of_band_chunks",
		metric.WithDescription("Binary messages received outside a speech asset."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnits, err = m.Int64Counter("voxlink.speech.playback_units",
		metric.WithDescription("Speech assets played, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackBytes, err = m.Int64Histogram("voxlink.speech.asset_size",
		metric.WithDescription("Size of assembled speech assets."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Sessions.
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxlink.active_sessions",
		metric.WithDescription("Number of open transport sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voxlink.session.duration",
		metric.WithDescription("Lifetime of transport sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	if met.TelemetryRequestDuration, err = m.Float64Histogram("voxlink.telemetry.request.duration",
		metric.WithDescription("Telemetry endpoint latency by path and status class."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTickSkipped records one skipped tick for stream with reason.
func (m *Metrics) RecordTickSkipped(ctx context.Context, stream, reason string) {
	m.TicksSkipped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stream", stream),
			attribute.String("reason", reason),
		),
	)
}

// RecordInbound records one decoded inbound message of msgType.
func (m *Metrics) RecordInbound(ctx context.Context, msgType string) {
	m.InboundMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}

// RecordMalformed records one inbound message that failed to decode.
func (m *Metrics) RecordMalformed(ctx context.Context, reason string) {
	m.MalformedMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordPlayback records one speech asset with its outcome.
func (m *Metrics) RecordPlayback(ctx context.Context, outcome string) {
	m.PlaybackUnits.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
