// Package transport owns one connection to the assistant service and every
// component that lives for the duration of that connection.
//
// A [Session] dials the service's WebSocket endpoint, announces itself with a
// hello message, starts microphone capture feeding the audio aggregator, runs
// the audio and video schedulers, and dispatches inbound messages to the
// speech assembler and a [Presenter]. Every failure path funnels into a single
// idempotent teardown; there is no reconnect.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxlink/internal/aggregator"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/protocol"
	"github.com/MrWong99/voxlink/internal/scheduler"
	"github.com/MrWong99/voxlink/internal/speech"
	"github.com/MrWong99/voxlink/internal/video"
	"github.com/MrWong99/voxlink/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ aggregator.Sender = (*Session)(nil)
	_ video.Sender      = (*Session)(nil)
)

// ErrClosed is returned when sending on a session that is not writable.
var ErrClosed = errors.New("transport: session closed")

const (
	// DefaultAudioInterval is the aggregation tick of the outbound audio.
	DefaultAudioInterval = 100 * time.Millisecond

	// DefaultClientTag identifies this client in the hello message.
	DefaultClientTag = "voxlink"

	// readLimit bounds a single inbound message.
	readLimit = 4 << 20

	// minWriteTimeout is the floor of the per-unit write deadline.
	minWriteTimeout = 2 * time.Second

	// closeGrace is how long a normal close waits for an in-flight write
	// before the connection is dropped.
	closeGrace = time.Second
)

// Config holds everything a [Session] needs. Capture must already be open:
// device and permission failures are expected to surface before any
// connection is made.
type Config struct {
	// URL is an explicit ws:// or wss:// endpoint. Takes precedence over Origin.
	URL string

	// Origin is the http(s) origin of the service; the endpoint is derived
	// from it (see [ResolveURL]).
	Origin string

	// ClientTag is sent in hello. Default: [DefaultClientTag].
	ClientTag string

	// Capture is the open microphone. Required. The session closes it on
	// teardown.
	Capture audio.Capture

	// MaxPendingFrames bounds the outbound audio queue.
	MaxPendingFrames int

	// AudioInterval is the aggregation tick. Default: [DefaultAudioInterval].
	AudioInterval time.Duration

	// WriteTimeout bounds writing one outbound unit. A unit that cannot be
	// written in time ends the session. Default: twenty audio ticks, at
	// least two seconds.
	WriteTimeout time.Duration

	// Sink plays assembled speech. nil discards speech.
	Sink audio.Sink

	// InterruptOnStart stops the playing unit as soon as the next one starts
	// arriving.
	InterruptOnStart bool

	// Video is the camera source. nil disables video. The session closes it on
	// teardown.
	Video video.Source

	// VideoFPS is the initial frame rate (clamped to 0–15; 0 disables).
	VideoFPS int

	// VideoWidth and VideoQuality configure the JPEG encoder.
	VideoWidth   int
	VideoQuality int

	// Presenter receives transcripts, assistant text and status lines.
	Presenter Presenter

	// OnSpeechUnit, if set, is called with the size of every assembled speech
	// asset.
	OnSpeechUnit func(sessionID string, size int)

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// TickerFactory overrides the scheduler clock. Used in tests.
	TickerFactory scheduler.TickerFactory

	// DialOptions are passed to [websocket.Dial].
	DialOptions *websocket.DialOptions
}

// Session is one live connection to the assistant service.
//
// Session is safe for concurrent use.
type Session struct {
	conn      *websocket.Conn
	url       string
	metrics   *observe.Metrics
	presenter Presenter
	capture   audio.Capture
	source    video.Source
	onUnit    func(sessionID string, size int)

	agg        *aggregator.Aggregator
	enc        *video.Encoder
	asm        *speech.Assembler
	audioSched *scheduler.Periodic
	videoSched *scheduler.Periodic

	ctx    context.Context
	cancel context.CancelFunc

	// writeSem is a one-slot semaphore serialising outbound units so a
	// header is always immediately followed by its own payload. Unlike a
	// mutex, waiting for it honours a context.
	writeSem     chan struct{}
	writeTimeout time.Duration

	mu       sync.Mutex
	id       string
	closing  bool
	err      error
	videoFPS int

	readDone     chan struct{}
	readStarted  bool
	done         chan struct{}
	teardownOnce sync.Once
	openedAt     time.Time
}

// Open dials the service and starts a session. ctx bounds connection setup
// only; once Open returns, the session lives until [Session.Stop],
// [Session.Close] or a connection error. The session owns cfg.Capture and
// cfg.Video: a failed Open closes them.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Capture == nil {
		if cfg.Video != nil {
			_ = cfg.Video.Close()
		}
		return nil, errors.New("transport: capture must not be nil")
	}
	wsURL, err := ResolveURL(cfg.URL, cfg.Origin)
	if err != nil {
		cfg.closeSources()
		return nil, err
	}
	if cfg.ClientTag == "" {
		cfg.ClientTag = DefaultClientTag
	}
	if cfg.AudioInterval <= 0 {
		cfg.AudioInterval = DefaultAudioInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = max(20*cfg.AudioInterval, minWriteTimeout)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Presenter == nil {
		cfg.Presenter = discardPresenter{}
	}
	if cfg.TickerFactory == nil {
		cfg.TickerFactory = scheduler.TimeTicker
	}

	ctx, span := observe.StartSpan(ctx, "transport.open",
		trace.WithAttributes(attribute.String("url", wsURL)))
	defer span.End()

	conn, _, err := websocket.Dial(ctx, wsURL, cfg.DialOptions)
	if err != nil {
		observe.FailSpan(span, err)
		cfg.closeSources()
		return nil, fmt.Errorf("transport: dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &Session{
		conn:      conn,
		url:       wsURL,
		metrics:   cfg.Metrics,
		presenter: cfg.Presenter,
		capture:   cfg.Capture,
		source:    cfg.Video,
		onUnit:    cfg.OnSpeechUnit,
		ctx:       sessCtx,
		cancel:    sessCancel,
		id:        uuid.NewString(),
		videoFPS:  video.ClampFPS(cfg.VideoFPS),
		readDone:  make(chan struct{}),
		done:      make(chan struct{}),
		openedAt:  time.Now(),

		writeSem:     make(chan struct{}, 1),
		writeTimeout: cfg.WriteTimeout,
	}
	s.metrics.ActiveSessions.Add(ctx, 1)
	span.SetAttributes(attribute.String("session_id", s.id))
	log := observe.SessionLogger(ctx, s.id)

	if err := s.start(ctx, cfg); err != nil {
		observe.FailSpan(span, err)
		s.teardown(err)
		<-s.done
		return nil, err
	}

	log.Info("transport: session open", "url", wsURL, "input_rate", cfg.Capture.SampleRate(), "video_fps", s.videoFPS)
	return s, nil
}

// closeSources releases the capture device and video source of a session
// that never started.
func (cfg Config) closeSources() {
	if err := cfg.Capture.Close(); err != nil {
		slog.Warn("transport: close capture", "err", err)
	}
	if cfg.Video != nil {
		if err := cfg.Video.Close(); err != nil {
			slog.Warn("transport: close video source", "err", err)
		}
	}
}

// start wires the session components and begins streaming.
func (s *Session) start(ctx context.Context, cfg Config) error {
	if err := s.SendControl(ctx, protocol.Hello(s.id, cfg.ClientTag)); err != nil {
		return fmt.Errorf("transport: send hello: %w", err)
	}

	var onUnit func(int)
	if s.onUnit != nil {
		id := s.id
		onUnit = func(size int) { s.onUnit(id, size) }
	}
	s.asm = speech.New(cfg.Sink,
		speech.WithInterruptOnStart(cfg.InterruptOnStart),
		speech.WithMetrics(s.metrics),
		speech.WithOnUnit(onUnit),
	)

	agg, err := aggregator.New(s, cfg.Capture.SampleRate(),
		aggregator.WithMaxPending(cfg.MaxPendingFrames),
		aggregator.WithMetrics(s.metrics),
	)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	s.agg = agg
	s.audioSched = scheduler.New("audio", s.agg.Tick, scheduler.WithTickerFactory(cfg.TickerFactory))

	if cfg.Video != nil {
		enc, err := video.NewEncoder(cfg.Video, s,
			video.WithWidth(cfg.VideoWidth),
			video.WithQuality(qualityOrDefault(cfg.VideoQuality)),
			video.WithMetrics(s.metrics),
		)
		if err != nil {
			return fmt.Errorf("transport: %w", err)
		}
		s.enc = enc
		s.videoSched = scheduler.New("video", s.enc.Tick, scheduler.WithTickerFactory(cfg.TickerFactory))
	}

	s.mu.Lock()
	s.readStarted = true
	s.mu.Unlock()
	go s.readLoop()

	if err := s.capture.Start(ctx, s.agg.Enqueue); err != nil {
		return fmt.Errorf("transport: start capture: %w", err)
	}
	s.audioSched.Start(s.ctx, cfg.AudioInterval)
	if s.videoSched != nil {
		s.videoSched.Start(s.ctx, video.Interval(s.videoFPS))
	}
	return nil
}

func qualityOrDefault(q int) int {
	if q == 0 {
		return video.DefaultQuality
	}
	return q
}

// ── Outbound ──────────────────────────────────────────────────────────────────

// SessionID returns the session id, or "" once the session has been torn
// down. Ids are never reused.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Writable reports whether the session is open and not tearing down.
func (s *Session) Writable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closing
}

// SendUnit writes u's envelope followed by its payload. Units from
// concurrent producers never interleave. The pair must be written within the
// session's write timeout; a write failure tears the session down.
func (s *Session) SendUnit(ctx context.Context, u protocol.Unit) error {
	header, err := u.MarshalHeader()
	if err != nil {
		return err
	}

	if err := s.lockWrite(ctx); err != nil {
		return err
	}
	defer s.unlockWrite()
	if !s.Writable() {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, header); err != nil {
		return s.writeFailed(err)
	}
	if err := s.conn.Write(ctx, websocket.MessageBinary, u.Payload); err != nil {
		return s.writeFailed(err)
	}
	return nil
}

// SendControl writes one control message. Waiting for an in-flight unit and
// the write itself are both bounded by ctx.
func (s *Session) SendControl(ctx context.Context, c protocol.Control) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}

	if err := s.lockWrite(ctx); err != nil {
		return err
	}
	defer s.unlockWrite()
	if !s.Writable() {
		return ErrClosed
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return s.writeFailed(err)
	}
	return nil
}

// lockWrite takes the write slot. It gives up when ctx ends or the session
// is torn down.
func (s *Session) lockWrite(ctx context.Context) error {
	select {
	case s.writeSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transport: wait for write: %w", ctx.Err())
	case <-s.ctx.Done():
		return ErrClosed
	}
}

func (s *Session) unlockWrite() { <-s.writeSem }

// writeFailed starts teardown without waiting for it: writes run on
// scheduler goroutines that teardown itself waits for.
func (s *Session) writeFailed(err error) error {
	err = fmt.Errorf("transport: write: %w", err)
	go s.teardown(err)
	return err
}

// ── Inbound ───────────────────────────────────────────────────────────────────

// readLoop is the only reader of the connection and the only caller of the
// assembler's chunk handler.
func (s *Session) readLoop() {
	defer close(s.readDone)

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				go s.teardown(nil)
			default:
				go s.teardown(fmt.Errorf("transport: read: %w", err))
			}
			return
		}

		switch typ {
		case websocket.MessageText:
			s.dispatch(data)
		case websocket.MessageBinary:
			s.asm.HandleChunk(s.ctx, data)
		}
	}
}

// dispatch decodes one text message and routes it by kind.
func (s *Session) dispatch(data []byte) {
	ctx := s.ctx
	msg, err := protocol.DecodeInbound(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrUnknownType) {
			reason = "unknown_type"
		}
		s.metrics.RecordMalformed(ctx, reason)
		slog.Warn("transport: rejected inbound message", "err", err, "raw", truncate(data, 512), "session_id", s.SessionID())
		return
	}
	s.metrics.RecordInbound(ctx, msg.Type())

	switch m := msg.(type) {
	case protocol.TTSStart:
		s.asm.HandleStart(ctx)
	case protocol.TTSEnd:
		s.asm.HandleEnd(ctx)
	case protocol.Status:
		logStatus(s.SessionID(), m)
		s.presenter.Present(s.SessionID(), m)
	case protocol.PartialTranscript, protocol.FinalTranscript,
		protocol.AssistantTextDelta, protocol.AssistantText:
		s.presenter.Present(s.SessionID(), m)
	default:
		slog.Error("transport: unhandled inbound message", "type", msg.Type())
	}
}

// logStatus mirrors a service status line into the log at a matching level.
func logStatus(sessionID string, st protocol.Status) {
	attrs := []any{"state", string(st.State), "message", st.Message, "session_id", sessionID}
	switch st.State {
	case protocol.StateError:
		slog.Error("transport: service status", attrs...)
	case protocol.StateDebug:
		slog.Debug("transport: service status", attrs...)
	case protocol.StateInfo, protocol.StateQueued, protocol.StateStreaming, protocol.StateIdle:
		slog.Info("transport: service status", attrs...)
	default:
		slog.Warn("transport: service status with unknown state", attrs...)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}

// ── Runtime changes ───────────────────────────────────────────────────────────

// SetVideoFPS reschedules the video tick. fps is clamped to 0–15; 0 pauses
// video. It is a no-op when the session has no video source or is closed.
func (s *Session) SetVideoFPS(fps int) {
	fps = video.ClampFPS(fps)
	s.mu.Lock()
	if s.closing || s.videoSched == nil {
		s.mu.Unlock()
		return
	}
	s.videoFPS = fps
	s.mu.Unlock()

	s.videoSched.Start(s.ctx, video.Interval(fps))
	slog.Info("transport: video rate changed", "fps", fps, "session_id", s.SessionID())
}

// SetVideoQuality changes the JPEG quality for subsequent frames.
func (s *Session) SetVideoQuality(q int) {
	if s.enc != nil {
		s.enc.SetQuality(q)
	}
}

// VideoFPS returns the current video frame rate.
func (s *Session) VideoFPS() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoFPS
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// Stop asks the service to end the session, closes the connection and tears
// everything down. ctx bounds sending stop: when it cannot be sent in time
// the connection is dropped without a close handshake. Teardown always runs.
// Stop on a closed session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	id := s.SessionID()
	var err error
	if id != "" {
		if err = s.SendControl(ctx, protocol.Stop(id)); errors.Is(err, ErrClosed) {
			err = nil
		}
	}
	s.shutdown(nil, err != nil)
	<-s.done
	return err
}

// Close tears the session down without sending stop. Safe to call more than
// once.
func (s *Session) Close() error {
	s.teardown(nil)
	<-s.done
	return nil
}

// Done is closed once teardown has completed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the cause of teardown: nil after Stop, Close or a normal remote
// close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// teardown releases every session resource exactly once. It is reached from
// Stop, Close, read errors, remote close and write failures. A non-nil cause
// drops the connection without a close handshake.
func (s *Session) teardown(cause error) {
	s.shutdown(cause, cause != nil)
}

// shutdown is teardown with an explicit choice between a normal close and
// dropping the connection.
func (s *Session) shutdown(cause error, abrupt bool) {
	s.teardownOnce.Do(func() {
		ctx, span := observe.StartSpan(context.Background(), "transport.teardown")
		defer span.End()

		s.mu.Lock()
		s.closing = true
		s.err = cause
		id := s.id
		readStarted := s.readStarted
		s.mu.Unlock()
		log := observe.SessionLogger(ctx, id)

		observe.FailSpan(span, cause)
		if !abrupt {
			abrupt = !s.closeNormally()
		}
		if abrupt {
			_ = s.conn.CloseNow()
		}
		s.cancel()

		if s.audioSched != nil {
			s.audioSched.Cancel()
		}
		if s.videoSched != nil {
			s.videoSched.Cancel()
		}
		if err := s.capture.Close(); err != nil {
			log.Warn("transport: close capture", "err", err)
		}
		if s.source != nil {
			if err := s.source.Close(); err != nil {
				log.Warn("transport: close video source", "err", err)
			}
		}
		if readStarted {
			<-s.readDone
		}
		if s.asm != nil {
			s.asm.Reset()
		}
		if s.agg != nil {
			s.agg.Discard()
		}

		s.mu.Lock()
		s.id = ""
		s.mu.Unlock()

		s.metrics.ActiveSessions.Add(ctx, -1)
		s.metrics.SessionDuration.Record(ctx, time.Since(s.openedAt).Seconds())
		if cause != nil {
			log.Error("transport: session ended", "err", cause)
		} else {
			log.Info("transport: session ended")
		}
		close(s.done)
	})
}

// closeNormally runs the close handshake once no unit is being written. It
// reports false when an in-flight write did not finish within [closeGrace].
func (s *Session) closeNormally() bool {
	ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
	defer cancel()
	if err := s.lockWrite(ctx); err != nil {
		return false
	}
	defer s.unlockWrite()
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
	return true
}
