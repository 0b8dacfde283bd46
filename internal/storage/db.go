// Package storage is the optional SQLite journal of signaling transitions.
// It is diagnostics only: nothing in the router reads it back.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("callhub/storage")

const writeQueue = 1024

// DB wraps the journal database and its background writer.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex

	queue   chan any
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Int64
}

// Open opens or creates the journal at dbPath and starts the writer.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA synchronous = NORMAL;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS transitions (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			at        INTEGER NOT NULL,
			kind      TEXT NOT NULL,
			caller    TEXT NOT NULL DEFAULT '',
			receiver  TEXT NOT NULL DEFAULT '',
			call_kind TEXT NOT NULL DEFAULT '',
			token     TEXT NOT NULL DEFAULT '',
			detail    TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS transitions_at ON transitions(at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create transitions table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS identities (
			identity    TEXT PRIMARY KEY,
			status      TEXT NOT NULL,
			first_seen  INTEGER NOT NULL,
			last_seen   INTEGER NOT NULL,
			connections INTEGER NOT NULL DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create identities table: %w", err)
	}

	d := &DB{db: db, path: dbPath, queue: make(chan any, writeQueue)}
	d.wg.Add(1)
	go d.writer()
	return d, nil
}

// Close drains queued writes and closes the database.
func (d *DB) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.mu.Lock()
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
	if n := d.dropped.Load(); n > 0 {
		log.Warnw("journal writes dropped", "count", n)
	}
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Dropped counts writes discarded because the queue was full.
func (d *DB) Dropped() int64 {
	return d.dropped.Load()
}

// enqueue hands work to the writer without blocking.
func (d *DB) enqueue(item any) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() {
		return false
	}
	select {
	case d.queue <- item:
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

func (d *DB) writer() {
	defer d.wg.Done()
	for item := range d.queue {
		switch v := item.(type) {
		case Entry:
			if err := d.insertEntry(v); err != nil {
				log.Warnw("journal write failed", "kind", v.Kind, "err", err)
			}
		case seen:
			if err := d.upsertIdentity(v); err != nil {
				log.Warnw("identity write failed", "identity", v.identity, "err", err)
			}
		case chan struct{}:
			close(v)
		}
	}
}
