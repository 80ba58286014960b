// Package storage keeps the local call log in SQLite: one row per call, the
// transcript lines of each call and the last known contact list.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

// DB wraps the call log database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database at path, creating parent directories.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Writes are serialized by mu; one connection keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id              TEXT PRIMARY KEY,
			kind            TEXT NOT NULL,
			caller          INTEGER NOT NULL DEFAULT 0,
			peer_id         TEXT NOT NULL,
			peer_name       TEXT DEFAULT '',
			local_language  TEXT DEFAULT '',
			remote_language TEXT DEFAULT '',
			state           TEXT NOT NULL,
			started_at      INTEGER NOT NULL,
			answered_at     INTEGER DEFAULT 0,
			ended_at        INTEGER DEFAULT 0,
			end_reason      TEXT DEFAULT '',
			error           TEXT DEFAULT ''
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS transcripts (
			call_id    TEXT NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
			request_id TEXT NOT NULL,
			direction  TEXT NOT NULL,
			original   TEXT DEFAULT '',
			translated TEXT DEFAULT '',
			at         INTEGER NOT NULL,
			PRIMARY KEY (call_id, request_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create transcripts table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS contact_cache (
			user_id            TEXT PRIMARY KEY,
			name               TEXT DEFAULT '',
			preferred_language TEXT DEFAULT '',
			avatar             TEXT DEFAULT '',
			last_seen          INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create contact cache table: %w", err)
	}

	log.Debugf("opened %s", path)
	return &DB{db: db, path: path}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
