package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/resilience"
	"github.com/MrWong99/voxlink/internal/scheduler"
	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/internal/video"
	"github.com/MrWong99/voxlink/pkg/audio"
)

// ErrSessionActive is returned by [SessionManager.Start] while a session is open.
var ErrSessionActive = errors.New("app: a session is already active")

// SessionInfo holds metadata about the active session.
type SessionInfo struct {
	// SessionID is the id announced to the service.
	SessionID string

	// URL is the WebSocket endpoint the session is connected to.
	URL string

	// StartedAt is when the session was opened.
	StartedAt time.Time
}

// SessionManager opens and closes transport sessions. Only one session can be
// active at a time; there is no automatic reconnect. All exported methods are
// safe for concurrent use.
type SessionManager struct {
	mu      sync.Mutex
	session *transport.Session
	info    SessionInfo
	fps     int
	quality int

	cfg       *config.Config
	registry  *config.Registry
	presenter transport.Presenter
	metrics   *observe.Metrics
	tickers   scheduler.TickerFactory
	onUnit    func(sessionID string, size int)
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Registry  *config.Registry
	Presenter transport.Presenter
	Metrics   *observe.Metrics

	// TickerFactory overrides the session clocks. Used in tests.
	TickerFactory scheduler.TickerFactory

	// OnSpeechUnit is forwarded to every session.
	OnSpeechUnit func(sessionID string, size int)
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		cfg:       cfg.Config,
		registry:  cfg.Registry,
		presenter: cfg.Presenter,
		metrics:   cfg.Metrics,
		tickers:   cfg.TickerFactory,
		onUnit:    cfg.OnSpeechUnit,
		fps:       cfg.Config.Video.FPS,
		quality:   cfg.Config.Video.Quality,
	}
}

// Start opens the microphone, the optional video source and the playback sink
// from the registry, then connects a new session. ctx bounds the setup only.
//
// Returns [ErrSessionActive] if a session is already open.
func (sm *SessionManager) Start(ctx context.Context) (*transport.Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.session != nil {
		return nil, fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.info.SessionID)
	}

	captureEntry := sm.cfg.Audio.Capture
	if captureEntry.Name == "" {
		captureEntry.Name = config.BackendMalgo
	}
	capture, err := sm.registry.CreateCapture(captureEntry)
	if err != nil {
		return nil, fmt.Errorf("app: open capture: %w", err)
	}

	sinkEntry := sm.cfg.Playback.Sink
	if sinkEntry.Name == "" {
		sinkEntry.Name = config.BackendBeep
	}
	sink, err := sm.registry.CreatePlayback(sinkEntry)
	if err != nil {
		_ = capture.Close()
		return nil, fmt.Errorf("app: open playback: %w", err)
	}

	sink = sm.withFallbacks(sinkEntry.Name, sink)

	src, err := sm.registry.CreateVideo(sm.cfg.Video.Source)
	if err != nil {
		_ = capture.Close()
		return nil, fmt.Errorf("app: open video source: %w", err)
	}

	tcfg := transport.Config{
		URL:              sm.cfg.Server.URL,
		Origin:           sm.cfg.Server.Origin,
		ClientTag:        sm.cfg.Server.ClientTag,
		Capture:          capture,
		MaxPendingFrames: sm.cfg.Audio.MaxPendingFrames,
		Sink:             sink,
		InterruptOnStart: sm.cfg.Playback.InterruptOnStart,
		Video:            src,
		VideoFPS:         sm.fps,
		VideoWidth:       sm.cfg.Video.Width,
		VideoQuality:     sm.quality,
		Presenter:        sm.presenter,
		OnSpeechUnit:     sm.onUnit,
		Metrics:          sm.metrics,
		TickerFactory:    sm.tickers,
	}
	sess, err := transport.Open(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("app: open session: %w", err)
	}

	url, _ := transport.ResolveURL(tcfg.URL, tcfg.Origin)
	sm.session = sess
	sm.info = SessionInfo{
		SessionID: sess.SessionID(),
		URL:       url,
		StartedAt: time.Now().UTC(),
	}
	go sm.release(sess)

	slog.Info("session started", "session_id", sm.info.SessionID, "url", url)
	return sess, nil
}

// withFallbacks wraps sink with the configured fallback sinks. Fallbacks that
// fail to open are skipped.
func (sm *SessionManager) withFallbacks(name string, sink audio.Sink) audio.Sink {
	if sink == nil || len(sm.cfg.Playback.Fallbacks) == 0 {
		return sink
	}
	fb := resilience.NewSinkFallback(name, sink, resilience.BreakerConfig{})
	for _, entry := range sm.cfg.Playback.Fallbacks {
		s, err := sm.registry.CreatePlayback(entry)
		if err != nil {
			slog.Warn("app: skipping playback fallback", "name", entry.Name, "err", err)
			continue
		}
		if s == nil {
			continue
		}
		fb.Add(entry.Name, s)
	}
	slog.Debug("playback fallbacks", "order", fb.Names())
	return fb
}

// release forgets sess once it has ended, whatever ended it.
func (sm *SessionManager) release(sess *transport.Session) {
	<-sess.Done()
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.session == sess {
		sm.session = nil
		sm.info = SessionInfo{}
	}
}

// Stop ends the active session with a stop message and a normal close. It is
// a no-op when no session is active.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	sess := sm.session
	id := sm.info.SessionID
	sm.mu.Unlock()

	if sess == nil {
		return nil
	}
	err := sess.Stop(ctx)
	slog.Info("session stopped", "session_id", id)
	return err
}

// IsActive reports whether a session is open.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.session != nil
}

// Info returns metadata about the active session. The zero value is returned
// when no session is active.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// ApplyDiff applies the hot-reloadable video settings of d to the active
// session and remembers them for the next one.
func (sm *SessionManager) ApplyDiff(d config.ConfigDiff) {
	sm.mu.Lock()
	if d.VideoFPSChanged {
		sm.fps = video.ClampFPS(d.NewVideoFPS)
	}
	if d.VideoQualityChanged {
		sm.quality = d.NewVideoQuality
		if sm.quality == 0 {
			sm.quality = video.DefaultQuality
		}
	}
	sess, fps, quality := sm.session, sm.fps, sm.quality
	sm.mu.Unlock()

	if sess == nil {
		return
	}
	if d.VideoFPSChanged {
		sess.SetVideoFPS(fps)
	}
	if d.VideoQualityChanged {
		sess.SetVideoQuality(quality)
	}
}
