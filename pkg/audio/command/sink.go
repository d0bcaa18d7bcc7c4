// Package command provides an [audio.Sink] that plays each speech asset by
// piping it to the standard input of an external player process such as
// ffplay or mpv.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Sink     = (*Sink)(nil)
	_ audio.Playback = (*playback)(nil)
)

// DefaultCommand reads an mp3 stream from stdin and exits when it ends.
const DefaultCommand = "ffplay -nodisp -autoexit -loglevel quiet -i -"

// Sink runs one player process per asset.
//
// Sink is safe for concurrent use.
type Sink struct {
	command string
	name    string
	args    []string
}

// New parses command into a program and arguments and verifies the program
// is on PATH. An empty command selects [DefaultCommand].
func New(command string) (*Sink, error) {
	if strings.TrimSpace(command) == "" {
		command = DefaultCommand
	}
	parts := strings.Fields(command)
	if _, err := exec.LookPath(parts[0]); err != nil {
		return nil, fmt.Errorf("command: player %q not found in PATH: %w", parts[0], err)
	}
	return &Sink{command: command, name: parts[0], args: parts[1:]}, nil
}

// Play implements [audio.Sink]. The process outlives ctx only until Stop is
// called or ctx is cancelled, whichever comes first.
func (s *Sink) Play(ctx context.Context, asset []byte) (audio.Playback, error) {
	if len(asset) == 0 {
		return nil, errors.New("command: empty asset")
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, s.name, s.args...)
	cmd.Stdin = bytes.NewReader(asset)
	p := &playback{cancel: cancel, done: make(chan struct{})}
	cmd.Stderr = &p.stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("command: start %q: %w", s.name, err)
	}

	go func() {
		defer close(p.done)
		defer cancel()
		err := cmd.Wait()

		p.mu.Lock()
		defer p.mu.Unlock()
		switch {
		case err == nil:
		case p.stopped || runCtx.Err() != nil:
			slog.Debug("command: playback stopped", "command", s.name, "after", time.Since(start))
		default:
			p.err = fmt.Errorf("command: %q failed: %w (stderr: %s)", s.name, err, strings.TrimSpace(p.stderr.String()))
		}
	}()

	slog.Debug("command: playback started", "command", s.command, "bytes", len(asset))
	return p, nil
}

type playback struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stderr  bytes.Buffer
	stopped bool
	err     error
}

// Stop implements [audio.Playback].
func (p *playback) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cancel()
}

// Done implements [audio.Playback].
func (p *playback) Done() <-chan struct{} { return p.done }

// Err implements [audio.Playback].
func (p *playback) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
