package journal

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxlink/internal/protocol"
	"github.com/MrWong99/voxlink/internal/transport"
)

// DefaultRecorderBuffer is the number of entries a [Recorder] holds while the
// store catches up.
const DefaultRecorderBuffer = 256

// appendTimeout bounds a single store write.
const appendTimeout = 5 * time.Second

var _ transport.Presenter = (*Recorder)(nil)

// RecorderOption is a functional option for [NewRecorder].
type RecorderOption func(*Recorder)

// WithBuffer sets the entry buffer size. Non-positive values keep
// [DefaultRecorderBuffer].
func WithBuffer(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// Recorder is a [transport.Presenter] that journals final transcripts,
// assistant replies and queued tasks, then forwards every message to the next
// presenter. Store writes happen on a background goroutine; when the buffer
// is full new entries are dropped.
type Recorder struct {
	store  Store
	next   transport.Presenter
	buffer int

	mu      sync.RWMutex
	closed  bool
	entries chan Entry
	done    chan struct{}

	dropped   atomic.Int64
	closeOnce sync.Once
}

// NewRecorder starts a Recorder writing to store. next may be nil.
func NewRecorder(store Store, next transport.Presenter, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:  store,
		next:   next,
		buffer: DefaultRecorderBuffer,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.entries = make(chan Entry, r.buffer)
	go r.run()
	return r
}

// Present implements [transport.Presenter].
func (r *Recorder) Present(sessionID string, msg protocol.Inbound) {
	if r.next != nil {
		r.next.Present(sessionID, msg)
	}

	e, ok := entryFor(sessionID, msg)
	if !ok {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.entries <- e:
	default:
		if r.dropped.Add(1) == 1 {
			slog.Warn("journal: store is falling behind, dropping entries", "session_id", sessionID)
		}
	}
}

// entryFor maps an inbound message to a journal entry.
func entryFor(sessionID string, msg protocol.Inbound) (Entry, bool) {
	e := Entry{SessionID: sessionID, At: time.Now()}
	switch m := msg.(type) {
	case protocol.FinalTranscript:
		e.Kind, e.Text = KindUser, m.Text
	case protocol.AssistantText:
		e.Kind, e.Text = KindAssistant, m.Text
	case protocol.Status:
		if m.State != protocol.StateQueued {
			return Entry{}, false
		}
		e.Kind, e.Text = KindTask, m.Message
	default:
		return Entry{}, false
	}
	if sessionID == "" || strings.TrimSpace(e.Text) == "" {
		return Entry{}, false
	}
	return e, true
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.entries {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		_, err := r.store.Append(ctx, e)
		cancel()
		if err != nil {
			slog.Warn("journal: append failed", "err", err, "session_id", e.SessionID, "kind", string(e.Kind))
		}
	}
}

// Close stops accepting entries, waits until the buffered ones are written
// and reports how many were dropped. It does not close the store.
func (r *Recorder) Close() int {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.entries)
		r.mu.Unlock()
	})
	<-r.done
	return int(r.dropped.Load())
}
