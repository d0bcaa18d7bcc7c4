package journal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process [Store]. Entries live until the process exits.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	entries map[string][]Entry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]Entry)}
}

// Append implements [Store].
func (m *MemoryStore) Append(_ context.Context, e Entry) (int64, error) {
	if err := validate(e); err != nil {
		return 0, err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	m.entries[e.SessionID] = append(m.entries[e.SessionID], e)
	return e.ID, nil
}

// Session implements [Store].
func (m *MemoryStore) Session(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.entries[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]Entry, len(all))
	copy(out, all)
	return out, nil
}

// Ping implements [Store]. It always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close implements [Store]. It is a no-op.
func (m *MemoryStore) Close() error { return nil }

// validate checks the fields every store requires.
func validate(e Entry) error {
	if e.SessionID == "" {
		return fmt.Errorf("journal: entry has no session id")
	}
	if !e.Kind.IsValid() {
		return fmt.Errorf("journal: invalid entry kind %q", e.Kind)
	}
	return nil
}
