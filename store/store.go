// Package store is the durability layer: captured replies and tab liveness
// heartbeats land in SQLite so a client reconnecting after a crash can still
// fetch the last reply per target.
//
// Persistence is best-effort by contract. A write failure is logged by the
// caller and never blocks dispatch or capture.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// Store wraps the roundtable database.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the database at path, applies the production
// pragmas and the schema. Parent directories are created as needed.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{DB: db}, nil
}

// OpenMemory opens an in-memory database for testing. MaxOpenConns(1) keeps
// every query on the same connection (each ":memory:" connection is a
// separate database). Closed automatically via t.Cleanup.
func OpenMemory(t testing.TB) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("store.OpenMemory: %v", err)
	}
	s.DB.SetMaxOpenConns(1)
	t.Cleanup(func() { s.Close() })
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.DB.Close()
}
