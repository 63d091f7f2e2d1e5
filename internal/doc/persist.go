package doc

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Persister is the SQLite-backed snapshot sidecar described in §4.3 of the
// specification: a single opaque blob, rewritten atomically from the
// document's full state-as-update on every applied remote update, loaded
// once at startup.
//
// Writes are debounced: a burst of Request calls arriving within window
// collapses into a single write of whichever snapshot was most recent when
// the debounce timer fired, which avoids one fsync per keystroke under
// heavy churn. With a zero window, Request writes synchronously instead;
// with a positive window the write happens later, on a timer goroutine.
type Persister struct {
	db      *sql.DB
	window  time.Duration
	onError func(error)

	mu      sync.Mutex
	timer   *time.Timer
	pending []byte
	closed  bool
}

// OpenPersister opens (creating if necessary) the SQLite database at path
// and ensures the one-row snapshot table exists. onError, if non-nil, is
// called with any failure from a debounced write, since those happen on a
// timer goroutine rather than on the orchestrator's call stack; callers
// typically wire this to slog.Error.
func OpenPersister(path string, debounceWindow time.Duration, onError func(error)) (*Persister, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("doc: failed to open snapshot database: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS document_snapshot (
		id INTEGER PRIMARY KEY CHECK (id = 0),
		content BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("doc: failed to create snapshot table: %w", err)
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Persister{db: db, window: debounceWindow, onError: onError}, nil
}

// LoadSnapshot reads the persisted blob, if any. A missing row returns a
// nil slice and a nil error, matching the "missing file is non-fatal"
// contract.
func (p *Persister) LoadSnapshot(ctx context.Context) ([]byte, error) {
	var content []byte
	err := p.db.QueryRowContext(ctx, `SELECT content FROM document_snapshot WHERE id = 0`).Scan(&content)
	switch {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("doc: failed to load snapshot: %w", err)
	default:
		return content, nil
	}
}

// Request schedules snapshot to be written, debounced by p.window. Calls
// arriving before the previous timer fires replace the pending payload
// rather than queuing a second write.
func (p *Persister) Request(snapshot []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.pending = snapshot
	if p.window <= 0 {
		p.writeLocked()
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.window, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.writeLocked()
	})
}

// writeLocked performs the actual atomic rewrite. Callers must hold p.mu.
func (p *Persister) writeLocked() {
	if p.closed || p.pending == nil {
		return
	}
	content := p.pending
	p.pending = nil
	if _, err := p.db.Exec(
		`INSERT INTO document_snapshot (id, content) VALUES (0, ?)
		 ON CONFLICT (id) DO UPDATE SET content = excluded.content`,
		content,
	); err != nil {
		p.onError(fmt.Errorf("doc: failed to persist snapshot: %w", err))
	}
}

// Flush forces any pending debounced write to happen immediately. Used by
// tests and by the graceful-shutdown path before the last in-flight write
// would otherwise be lost to process exit.
func (p *Persister) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.writeLocked()
}

// Close flushes any pending write and releases the database handle.
func (p *Persister) Close() error {
	p.Flush()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.db.Close()
}
