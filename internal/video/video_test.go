package video_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/protocol"
	"github.com/MrWong99/voxlink/internal/video"
)

type fakeSender struct {
	mu       sync.Mutex
	writable bool
	units    []protocol.Unit
}

func (f *fakeSender) Writable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writable
}

func (f *fakeSender) SessionID() string { return "sess-video" }

func (f *fakeSender) SendUnit(_ context.Context, u protocol.Unit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units = append(f.units, u)
	return nil
}

func (f *fakeSender) sent() []protocol.Unit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Unit(nil), f.units...)
}

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

func solid(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	return img
}

func TestClampFPSAndInterval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fps      int
		clamped  int
		interval time.Duration
	}{
		{fps: -3, clamped: 0, interval: 0},
		{fps: 0, clamped: 0, interval: 0},
		{fps: 1, clamped: 1, interval: time.Second},
		{fps: 5, clamped: 5, interval: 200 * time.Millisecond},
		{fps: 15, clamped: 15, interval: time.Second / 15},
		{fps: 60, clamped: 15, interval: time.Second / 15},
	}
	for _, tt := range tests {
		if got := video.ClampFPS(tt.fps); got != tt.clamped {
			t.Errorf("ClampFPS(%d) = %d, want %d", tt.fps, got, tt.clamped)
		}
		if got := video.Interval(tt.fps); got != tt.interval {
			t.Errorf("Interval(%d) = %v, want %v", tt.fps, got, tt.interval)
		}
	}
}

func TestClampQuality(t *testing.T) {
	t.Parallel()

	for in, want := range map[int]int{-5: 1, 0: 1, 1: 1, 70: 70, 100: 100, 250: 100} {
		if got := video.ClampQuality(in); got != want {
			t.Errorf("ClampQuality(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestScaleToWidth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		w, h, target int
		wantW, wantH int
	}{
		{name: "downscale", w: 1280, h: 720, target: 640, wantW: 640, wantH: 360},
		{name: "never upscale", w: 320, h: 240, target: 640, wantW: 320, wantH: 240},
		{name: "exact", w: 640, h: 480, target: 640, wantW: 640, wantH: 480},
		{name: "thin strip keeps height 1", w: 2000, h: 1, target: 100, wantW: 100, wantH: 1},
		{name: "disabled", w: 1280, h: 720, target: 0, wantW: 1280, wantH: 720},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := video.ScaleToWidth(solid(tt.w, tt.h), tt.target)
			b := out.Bounds()
			if b.Dx() != tt.wantW || b.Dy() != tt.wantH {
				t.Errorf("scaled to %dx%d, want %dx%d", b.Dx(), b.Dy(), tt.wantW, tt.wantH)
			}
		})
	}
}

func TestScaleToWidth_NearestNeighbour(t *testing.T) {
	t.Parallel()

	src := solid(4, 2)
	out := video.ScaleToWidth(src, 2)
	// Output (1,0) samples source (2,0).
	if got, want := out.At(1, 0), src.At(2, 0); got != want {
		t.Errorf("pixel (1,0) = %v, want %v", got, want)
	}
}

func TestEncodeJPEG_Decodes(t *testing.T) {
	t.Parallel()

	data, err := video.EncodeJPEG(solid(64, 48), 500)
	if err != nil {
		t.Fatalf("EncodeJPEG: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("jpeg.Decode: %v", err)
	}
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 48 {
		t.Errorf("decoded size %v, want 64x48", img.Bounds())
	}
}

func TestEncoder_TickSendsFrame(t *testing.T) {
	t.Parallel()

	s := &fakeSender{writable: true}
	e, err := video.NewEncoder(video.NewStaticSource(solid(1280, 960)), s,
		video.WithMetrics(testMetrics(t)), video.WithWidth(320), video.WithQuality(50))
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	e.Tick(context.Background())

	units := s.sent()
	if len(units) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(units))
	}
	u := units[0]
	if u.Header.Type != protocol.TypeVideoFrame || u.Header.Format != protocol.FormatJPEG {
		t.Errorf("unexpected header %+v", u.Header)
	}
	if u.Header.ByteLength != len(u.Payload) {
		t.Errorf("byte_length %d != payload %d", u.Header.ByteLength, len(u.Payload))
	}
	img, err := jpeg.Decode(bytes.NewReader(u.Payload))
	if err != nil {
		t.Fatalf("payload is not a JPEG: %v", err)
	}
	if img.Bounds().Dx() != 320 || img.Bounds().Dy() != 240 {
		t.Errorf("frame size %v, want 320x240", img.Bounds())
	}
}

func TestEncoder_SkipsWhenNotWritable(t *testing.T) {
	t.Parallel()

	s := &fakeSender{writable: false}
	e, err := video.NewEncoder(video.NewStaticSource(solid(8, 8)), s, video.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	e.Tick(context.Background())
	if n := len(s.sent()); n != 0 {
		t.Errorf("expected no units, got %d", n)
	}
}

func TestEncoder_SkipsWithoutFrame(t *testing.T) {
	t.Parallel()

	s := &fakeSender{writable: true}
	e, err := video.NewEncoder(video.NewStaticSource(nil), s, video.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	e.Tick(context.Background())
	if n := len(s.sent()); n != 0 {
		t.Errorf("expected no units, got %d", n)
	}
}

func TestEncoder_SetQuality(t *testing.T) {
	t.Parallel()

	e, err := video.NewEncoder(video.NewStaticSource(nil), &fakeSender{}, video.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if e.Quality() != video.DefaultQuality {
		t.Errorf("default quality = %d, want %d", e.Quality(), video.DefaultQuality)
	}
	e.SetQuality(0)
	if e.Quality() != 1 {
		t.Errorf("quality = %d, want clamped 1", e.Quality())
	}
}

func TestNewEncoder_Validation(t *testing.T) {
	t.Parallel()

	if _, err := video.NewEncoder(nil, &fakeSender{}); err == nil {
		t.Error("expected error for nil source")
	}
	if _, err := video.NewEncoder(video.NewStaticSource(nil), nil); err == nil {
		t.Error("expected error for nil sender")
	}
}

func TestFileSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "cam.png")
	src, err := video.NewFileSource(path)
	if err != nil {
		t.Fatalf("NewFileSource: %v", err)
	}
	ctx := context.Background()

	if _, err := src.Frame(ctx); !errors.Is(err, video.ErrNoFrame) {
		t.Fatalf("missing file: err = %v, want ErrNoFrame", err)
	}

	writePNG(t, path, solid(10, 10))
	img, err := src.Frame(ctx)
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if img.Bounds().Dx() != 10 {
		t.Errorf("width = %d, want 10", img.Bounds().Dx())
	}

	if _, err := src.Frame(ctx); !errors.Is(err, video.ErrUnchanged) {
		t.Fatalf("unchanged file: err = %v, want ErrUnchanged", err)
	}

	// Rewrite with a different size and a later mtime.
	writePNG(t, path, solid(20, 5))
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	img, err = src.Frame(ctx)
	if err != nil {
		t.Fatalf("Frame after rewrite: %v", err)
	}
	if img.Bounds().Dx() != 20 {
		t.Errorf("width = %d, want 20", img.Bounds().Dx())
	}

	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := src.Frame(ctx); !errors.Is(err, video.ErrNoFrame) {
		t.Errorf("closed source: err = %v, want ErrNoFrame", err)
	}
}

func TestFileSource_CorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cam.jpg")
	if err := os.WriteFile(path, []byte("not an image"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	src, err := video.NewFileSource(path)
	if err != nil {
		t.Fatalf("NewFileSource: %v", err)
	}
	_, err = src.Frame(context.Background())
	if err == nil || errors.Is(err, video.ErrNoFrame) || errors.Is(err, video.ErrUnchanged) {
		t.Errorf("err = %v, want decode error", err)
	}
}

func TestNewFileSource_EmptyPath(t *testing.T) {
	t.Parallel()
	if _, err := video.NewFileSource(""); err == nil {
		t.Error("expected error for empty path")
	}
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}
