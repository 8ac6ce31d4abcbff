// Package storage is the persistence boundary: indicators, sightings,
// alerts, incidents and dead letters in an embedded SQLite database.
// The rest of the core only uses upsert-by-key, point lookup, time
// range scan and append.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound reports a missing row on point lookups.
var ErrNotFound = errors.New("storage: not found")

// Store wraps the SQLite database. WAL mode allows one writer and
// concurrent readers, so writes go through a single-connection pool
// and reads through a wider one.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
	timeout time.Duration
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS indicators (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		value TEXT NOT NULL,
		source TEXT NOT NULL,
		confidence INTEGER NOT NULL,
		severity TEXT NOT NULL,
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		UNIQUE(type, value)
	);`,
	`CREATE TABLE IF NOT EXISTS sightings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		indicator_id INTEGER NOT NULL,
		event_id TEXT NOT NULL,
		matched_field TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY(indicator_id) REFERENCES indicators(id)
	);`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		origin_type TEXT NOT NULL,
		origin_ref TEXT NOT NULL,
		severity TEXT NOT NULL,
		score INTEGER NOT NULL,
		entity_keys TEXT NOT NULL,
		status TEXT NOT NULL,
		dispatch_state TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at);`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id INTEGER PRIMARY KEY,
		alert_ids TEXT NOT NULL,
		entity_keys TEXT NOT NULL,
		opened_at TEXT NOT NULL,
		last_updated_at TEXT NOT NULL,
		aggregate_severity TEXT NOT NULL,
		status TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_last_updated ON incidents(last_updated_at);`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`,
}

// Open creates (if needed) and opens the database at path. ":memory:"
// is supported for tests.
func Open(path string, timeout time.Duration) (*Store, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	dir := filepath.Dir(path)
	if path != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path
	if path == ":memory:" {
		// Both pools must see the same in-memory database.
		dsn = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite write pool: %w", err)
	}
	if err := configure(writeDB, path); err != nil {
		_ = writeDB.Close()
		return nil, err
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("open sqlite read pool: %w", err)
	}
	if err := configure(readDB, path); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, err
	}
	readDB.SetMaxOpenConns(8)
	readDB.SetConnMaxLifetime(0)

	s := &Store{writeDB: writeDB, readDB: readDB, path: path, timeout: timeout}
	if err := s.migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func configure(db *sql.DB, path string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping sqlite database: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.writeDB.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close closes both pools.
func (s *Store) Close() error {
	var firstErr error
	if err := s.readDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.writeDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// withTimeout bounds a store operation so no caller blocks
// indefinitely on I/O.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// WithRetry runs fn up to attempts times with doubling backoff,
// treating every failure as retryable until the budget runs out.
func WithRetry(ctx context.Context, attempts int, backoff time.Duration, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	delay := backoff
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}
