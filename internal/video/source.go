package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"os"
	"sync"
	"time"
)

var (
	// ErrNoFrame is returned by a [Source] that has nothing to offer yet.
	// Callers skip the tick silently.
	ErrNoFrame = errors.New("video: no frame available")

	// ErrUnchanged is returned by a [Source] whose latest frame has already
	// been delivered.
	ErrUnchanged = errors.New("video: frame unchanged")
)

// Source supplies camera snapshots.
type Source interface {
	// Frame returns the latest snapshot. It returns an error wrapping
	// [ErrNoFrame] or [ErrUnchanged] when there is nothing new to send.
	Frame(ctx context.Context) (image.Image, error)

	// Close releases the source. Safe to call more than once.
	Close() error
}

// Compile-time interface assertions.
var (
	_ Source = (*FileSource)(nil)
	_ Source = (*StaticSource)(nil)
)

// FileSource reads the most recent snapshot from an image file that another
// process (a webcam tool, for example) keeps overwriting. JPEG and PNG are
// supported.
//
// FileSource is safe for concurrent use.
type FileSource struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	size    int64
	closed  bool
}

// NewFileSource returns a source reading path. The file does not have to
// exist yet.
func NewFileSource(path string) (*FileSource, error) {
	if path == "" {
		return nil, errors.New("video: file source path must not be empty")
	}
	return &FileSource{path: path}, nil
}

// Frame implements [Source]. A missing file reports [ErrNoFrame]; a file whose
// modification time and size match the last delivered frame reports
// [ErrUnchanged].
func (s *FileSource) Frame(_ context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("video: file source closed: %w", ErrNoFrame)
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("video: %s: %w", s.path, ErrNoFrame)
		}
		return nil, fmt.Errorf("video: stat %s: %w", s.path, err)
	}
	if info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return nil, ErrUnchanged
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("video: open %s: %w", s.path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		// Usually a half-written file; try again next tick.
		return nil, fmt.Errorf("video: decode %s: %w", s.path, err)
	}
	s.modTime = info.ModTime()
	s.size = info.Size()
	return img, nil
}

// Close implements [Source].
func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// StaticSource always returns the same image.
type StaticSource struct {
	img image.Image
}

// NewStaticSource returns a source that yields img on every call. A nil img
// yields [ErrNoFrame].
func NewStaticSource(img image.Image) *StaticSource {
	return &StaticSource{img: img}
}

// Frame implements [Source].
func (s *StaticSource) Frame(context.Context) (image.Image, error) {
	if s.img == nil {
		return nil, ErrNoFrame
	}
	return s.img, nil
}

// Close implements [Source].
func (s *StaticSource) Close() error { return nil }
