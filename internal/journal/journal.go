// Package journal keeps a per-session record of the conversation with the
// assistant service: what the user said, what the assistant answered, and
// which tasks the service queued.
//
// Two [Store] implementations exist: [MemoryStore] for runs without a
// database and [PostgresStore] for a persistent log. A [Recorder] sits in the
// presenter chain of a transport session and feeds the store without blocking
// the read loop.
package journal

import (
	"context"
	"time"
)

// Kind classifies a journal [Entry].
type Kind string

const (
	// KindUser is a committed transcript of the user's speech.
	KindUser Kind = "user"

	// KindAssistant is a complete assistant reply.
	KindAssistant Kind = "assistant"

	// KindTask is a task the service reported as queued.
	KindTask Kind = "task"
)

// IsValid reports whether k is a recognised entry kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindUser, KindAssistant, KindTask:
		return true
	}
	return false
}

// Entry is one line of the journal.
type Entry struct {
	// ID is assigned by the store on append.
	ID int64

	SessionID string
	Kind      Kind
	Text      string

	// At is when the entry was observed. Zero means "now" on append.
	At time.Time
}

// Store persists journal entries.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Append stores e and returns its assigned ID.
	Append(ctx context.Context, e Entry) (int64, error)

	// Session returns up to limit entries of sessionID in append order,
	// newest last. limit <= 0 returns every entry.
	Session(ctx context.Context, sessionID string, limit int) ([]Entry, error)

	// Ping reports whether the store is usable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
