package app_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxlink/internal/app"
	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/journal"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/protocol"
	"github.com/MrWong99/voxlink/internal/scheduler"
	"github.com/MrWong99/voxlink/internal/video"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type chanPresenter struct {
	ch chan protocol.Inbound
}

func (p *chanPresenter) Present(_ string, msg protocol.Inbound) { p.ch <- msg }

func newTestApp(t *testing.T, cfg *config.Config, b *backends, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{
		app.WithMetrics(testMetrics(t)),
		app.WithTickerFactory(scheduler.NewManualTicker().Factory()),
	}, opts...)
	a, err := app.New(context.Background(), cfg, b.registry(), opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

// runApp starts a.Run in the background and returns its result channel.
func runApp(ctx context.Context, a *app.App) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()
	return errc
}

func waitRun(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := app.New(context.Background(), nil, config.NewRegistry()); err == nil {
		t.Error("New(nil config) succeeded")
	}
	if _, err := app.New(context.Background(), testConfig("ws://x/ws"), nil); err == nil {
		t.Error("New(nil registry) succeeded")
	}
}

func TestNew_DefaultsToMemoryJournal(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig("ws://x/ws"), &backends{})
	if _, ok := a.Journal().(*journal.MemoryStore); !ok {
		t.Errorf("Journal() = %T, want *journal.MemoryStore", a.Journal())
	}
	if a.Sessions() == nil {
		t.Error("Sessions() = nil")
	}
}

func TestNew_FileJournal(t *testing.T) {
	t.Parallel()

	cfg := testConfig("ws://x/ws")
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.jsonl")
	a := newTestApp(t, cfg, &backends{})
	if _, ok := a.Journal().(*journal.FileStore); !ok {
		t.Errorf("Journal() = %T, want *journal.FileStore", a.Journal())
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	svc := startService(t)
	cfg := testConfig(svc.url())
	cfg.Telemetry.ListenAddr = "127.0.0.1:0"
	p := &chanPresenter{ch: make(chan protocol.Inbound, 8)}
	a := newTestApp(t, cfg, &backends{}, app.WithPresenter(p))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := runApp(ctx, a)

	conn := svc.conn(t)
	hello := svc.nextType(t, protocol.TypeHello)
	sessionID, _ := hello["session_id"].(string)

	svc.send(t, conn, map[string]string{"type": "final_transcript", "text": "open my calendar"})
	select {
	case msg := <-p.ch:
		if ft, ok := msg.(protocol.FinalTranscript); !ok || ft.Text != "open my calendar" {
			t.Errorf("presented %#v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("presenter never received the transcript")
	}

	cancel()
	if err := waitRun(t, errc); err != nil {
		t.Errorf("Run() = %v, want nil after cancel", err)
	}
	if stop := svc.nextType(t, protocol.TypeStop); stop["session_id"] != sessionID {
		t.Errorf("stop = %v, want session %q", stop, sessionID)
	}

	// Shutdown flushes the journal recorder.
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	entries, err := a.Journal().Session(context.Background(), sessionID, 0)
	if err != nil {
		t.Fatalf("journal Session: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != journal.KindUser || entries[0].Text != "open my calendar" {
		t.Errorf("journal = %+v", entries)
	}
}

func TestApp_RunEndsWhenServiceCloses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		code    websocket.StatusCode
		wantErr bool
	}{
		{name: "normal", code: websocket.StatusNormalClosure},
		{name: "going away", code: websocket.StatusGoingAway},
		{name: "internal error", code: websocket.StatusInternalError, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := startService(t)
			a := newTestApp(t, testConfig(svc.url()), &backends{})
			errc := runApp(context.Background(), a)

			conn := svc.conn(t)
			svc.nextType(t, protocol.TypeHello)
			_ = conn.Close(tt.code, "bye")

			err := waitRun(t, errc)
			if (err != nil) != tt.wantErr {
				t.Errorf("Run() = %v, wantErr %v", err, tt.wantErr)
			}
			waitFor(t, "session release", func() bool { return !a.Sessions().IsActive() })
		})
	}
}

func TestApp_RunFailsWithoutService(t *testing.T) {
	t.Parallel()

	b := &backends{}
	a := newTestApp(t, testConfig("ws://127.0.0.1:1/ws"), b)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.Run(ctx); err == nil {
		t.Fatal("Run() succeeded without a service")
	}
	if !b.capture(t, 0).Closed() {
		t.Error("capture device leaked")
	}
}

func TestApp_Handler(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig("ws://x/ws"), &backends{})
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusServiceUnavailable},
		{"/metrics", http.StatusOK},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestApp_ReadyWhileSessionOpen(t *testing.T) {
	t.Parallel()

	svc := startService(t)
	a := newTestApp(t, testConfig(svc.url()), &backends{})
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := runApp(ctx, a)
	waitFor(t, "session open", a.Sessions().IsActive)

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /readyz = %d, want 200 while a session is open", resp.StatusCode)
	}

	cancel()
	_ = waitRun(t, errc)
}

const reloadYAML = `
server:
  url: %q
  log_level: %s
video:
  source: { name: file, options: { path: /tmp/cam.jpg } }
  fps: %d
`

func TestApp_ConfigReload(t *testing.T) {
	t.Parallel()

	svc := startService(t)
	path := filepath.Join(t.TempDir(), "voxlink.yaml")
	write := func(level string, fps int) {
		t.Helper()
		if err := os.WriteFile(path, fmt.Appendf(nil, reloadYAML, svc.url(), level, fps), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	write("info", 1)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var level slog.LevelVar
	watchTicker := scheduler.NewManualTicker()
	sessionTicker := scheduler.NewManualTicker()
	a := newTestApp(t, cfg, &backends{},
		app.WithTickerFactory(sessionTicker.Factory()),
		app.WithLevelVar(&level),
		app.WithConfigPath(path, config.WithWatchTicker(watchTicker.Factory())),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := runApp(ctx, a)
	waitFor(t, "session open", a.Sessions().IsActive)

	write("debug", 3)
	ts := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("touch: %v", err)
	}
	watchTicker.Tick()
	watchTicker.Tick()

	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}
	if !slices.Contains(sessionTicker.Intervals(), video.Interval(3)) {
		t.Errorf("session intervals = %v, want video rescheduled to %v", sessionTicker.Intervals(), video.Interval(3))
	}

	cancel()
	if err := waitRun(t, errc); err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v", err)
	}
}
