package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// maxLine bounds a single journal line when reading the file back.
const maxLine = 1 << 20

var _ Store = (*FileStore)(nil)

// record is the on-disk form of an [Entry], one JSON object per line.
type record struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      Kind      `json:"kind"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

// FileStore persists entries as append-only JSON lines in a local file.
// Reads scan the whole file, which suits a single user's history.
type FileStore struct {
	mu     sync.Mutex
	path   string
	nextID int64
}

// NewFileStore opens the journal at path, creating the file if it does not
// exist. Ids continue after the highest id already in the file.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open file: %w", err)
	}
	defer f.Close()

	err = scanRecords(f, func(r record) {
		fs.nextID = max(fs.nextID, r.ID)
	})
	if err != nil {
		return nil, err
	}
	return fs, nil
}

// Append implements [Store].
func (fs *FileStore) Append(_ context.Context, e Entry) (int64, error) {
	if err := validate(e); err != nil {
		return 0, err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	r := record{ID: fs.nextID + 1, SessionID: e.SessionID, Kind: e.Kind, Text: e.Text, At: e.At.UTC()}
	data, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("journal: marshal: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("journal: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return 0, fmt.Errorf("journal: write: %w", err)
	}
	fs.nextID = r.ID
	return r.ID, nil
}

// Session implements [Store].
func (fs *FileStore) Session(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.Open(fs.path)
	if err != nil {
		return nil, fmt.Errorf("journal: open file: %w", err)
	}
	defer f.Close()

	var out []Entry
	err = scanRecords(f, func(r record) {
		if r.SessionID != sessionID {
			return
		}
		out = append(out, Entry{ID: r.ID, SessionID: r.SessionID, Kind: r.Kind, Text: r.Text, At: r.At})
		if limit > 0 && len(out) > limit {
			out = out[1:]
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ping implements [Store]. It reports whether the journal file is reachable.
func (fs *FileStore) Ping(context.Context) error {
	if _, err := os.Stat(fs.path); err != nil {
		return fmt.Errorf("journal: ping: %w", err)
	}
	return nil
}

// Close implements [Store]. Files are opened per call, so there is nothing to
// release.
func (fs *FileStore) Close() error { return nil }

// scanRecords calls fn for every well-formed line of r. Malformed lines are
// skipped.
func scanRecords(r io.Reader, fn func(record)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	skipped := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		fn(rec)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("journal: read file: %w", err)
	}
	if skipped > 0 {
		slog.Warn("journal: skipped malformed lines", "count", skipped)
	}
	return nil
}
