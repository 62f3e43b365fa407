// Package store implements the shared durable storage layer for recalld.
//
// One SQLite database file holds the append-only event log (with its FTS5
// text index), the error knowledge base, skill records, parallel vector
// tables, and the analysis cache. Every recalld process opens its own
// handle; WAL journaling plus a bounded busy timeout make the file safe
// for many concurrent short-lived writers.
//
// The database uses modernc.org/sqlite, a pure Go CGo-free driver.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

// Store is a handle on the shared database. It is safe for concurrent
// use within a process; cross-process safety comes from SQLite itself.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Open opens (creating if needed) the database at cfg.Path, applies the
// connection pragmas, and runs migrations.
func Open(cfg config.StorageConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{db: db, path: cfg.Path, logger: logger.Named("store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// SetBusyTimeout raises or lowers the lock wait for this handle. The
// reconciler extends it to 10s because it writes in bulk while hook
// processes are also writing.
func (s *Store) SetBusyTimeout(ctx context.Context, d time.Duration) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", d.Milliseconds()))
	return err
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}
