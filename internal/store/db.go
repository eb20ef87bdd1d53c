package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no cgo
)

// Store wraps the SQL handle and exposes the C4 operation set.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the SQLite database at path. SetMaxOpenConns(1)
// follows the teacher's pkg/db.New: SQLite prefers a single writer, and WAL
// mode plus busy_timeout (set in schema.go) make readers non-blocking.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := ApplyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for components that need raw access
// (e.g. the reconciler's orphan sweep runs a single bulk UPDATE).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the underlying DB handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
