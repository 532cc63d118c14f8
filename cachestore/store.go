// Package cachestore is the SQLite-backed local mirror of remote entities.
//
// Every cached entity is stored as a JSON payload keyed by (table, primary key).
// Tables are declared up front with a schema version; bumping a version clears
// the rows of that table on the next Open. Sync metadata (last sync time, cache
// completeness) lives next to the records, and other packages may register
// auxiliary tables (the mutation outbox, id mappings) that share the same
// database file, transactions and wipe semantics.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a record does not exist or is tombstoned.
	ErrNotFound = errors.New("cachestore: record not found")
	// ErrUnknownTable is returned for tables that were not declared at Open.
	ErrUnknownTable = errors.New("cachestore: unknown table")
	// ErrStoreUnavailable means the database could not be opened even after a
	// destructive reset. Offline features are unavailable.
	ErrStoreUnavailable = errors.New("cachestore: offline features unavailable")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("cachestore: store is closed")
)

// TableSpec declares a cached table and the version of its payload shape
type TableSpec struct {
	Name    string
	Version int
}

// AuxTable is a table owned by another package that lives in the store's
// database. Wipe clears it together with cached records.
type AuxTable struct {
	Name string
	DDL  string
}

// Store is the local cache store
type Store struct {
	path   string
	specs  []TableSpec
	tables map[string]TableSpec
	logger *slog.Logger
	hot    *hotCache

	mu  sync.RWMutex // guards db and aux
	db  *sql.DB
	aux []AuxTable
}

// Option customises a Store
type Option func(*Store)

// WithLogger sets the logger used by the store
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHotCache enables an in-memory layer in front of Get
func WithHotCache(cfg HotCacheConfig) Option {
	return func(s *Store) {
		s.hot = newHotCache(cfg)
	}
}

// Open opens (or creates) the SQLite database at path and prepares all tables.
// If the database cannot be opened or initialized, the files are deleted and
// opening is attempted once more. A second failure yields ErrStoreUnavailable.
func Open(ctx context.Context, path string, tables []TableSpec, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("cachestore: path must be provided")
	}
	s := &Store{
		path:   path,
		specs:  tables,
		tables: make(map[string]TableSpec, len(tables)),
		logger: slog.Default(),
	}
	for _, t := range tables {
		if t.Name == "" {
			return nil, fmt.Errorf("cachestore: table name cannot be empty")
		}
		s.tables[t.Name] = t
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := s.openDB(ctx)
	if err != nil {
		s.logger.Warn("Local cache unusable, resetting database files", "path", path, "error", err)
		removeDatabaseFiles(path)
		db, err = s.openDB(ctx)
		if err != nil {
			s.logger.Error("Local cache unavailable after reset", "path", path, "error", err)
			return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
	}
	s.db = db
	return s, nil
}

// Path returns the database location
func (s *Store) Path() string { return s.path }

// Tables returns the declared table specs
func (s *Store) Tables() []TableSpec {
	out := make([]TableSpec, len(s.specs))
	copy(out, s.specs)
	return out
}

// SQL returns the underlying database handle
func (s *Store) SQL() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

// RegisterAuxTable creates an auxiliary table (idempotent DDL) and remembers
// it so it is recreated after Reset and cleared by WipeAll.
func (s *Store) RegisterAuxTable(ctx context.Context, table AuxTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, table.DDL); err != nil {
		return fmt.Errorf("failed to create aux table %s: %w", table.Name, err)
	}
	for _, existing := range s.aux {
		if existing.Name == table.Name {
			return nil
		}
	}
	s.aux = append(s.aux, table)
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Destroy closes the database and removes its files from disk
func (s *Store) Destroy() error {
	closeErr := s.Close()
	removeDatabaseFiles(s.path)
	s.hot.purge()
	return closeErr
}

// Reset destroys the database and opens a fresh, empty one with the same
// tables and auxiliary tables.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.Destroy(); err != nil {
		s.logger.Warn("Failed to close local cache before reset", "error", err)
	}
	db, err := s.openDB(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, table := range s.aux {
		if _, err := db.ExecContext(ctx, table.DDL); err != nil {
			_ = db.Close()
			return fmt.Errorf("%w: recreate %s: %w", ErrStoreUnavailable, table.Name, err)
		}
	}
	s.db = db
	return nil
}

func (s *Store) openDB(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn(s.path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection keeps :memory: databases alive and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	if err := s.initializeDatabase(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func dsn(path string) string {
	if path == ":memory:" {
		return "file::memory:?_foreign_keys=on&_txlock=immediate"
	}
	return "file:" + path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
}

func removeDatabaseFiles(path string) {
	if path == ":memory:" {
		return
	}
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		_ = os.Remove(path + suffix)
	}
}

// initializeDatabase creates store tables and applies per-table schema versions
func (s *Store) initializeDatabase(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS _cache_tables (
			table_name TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS _cache_records (
			table_name TEXT NOT NULL,
			pk TEXT NOT NULL,
			payload TEXT NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (table_name, pk)
		)`,
		`CREATE TABLE IF NOT EXISTS _sync_metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create store tables: %w", err)
		}
	}

	for _, spec := range s.specs {
		var version int
		err := db.QueryRowContext(ctx,
			`SELECT schema_version FROM _cache_tables WHERE table_name = ?`, spec.Name).Scan(&version)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := db.ExecContext(ctx,
				`INSERT INTO _cache_tables (table_name, schema_version) VALUES (?, ?)`,
				spec.Name, spec.Version); err != nil {
				return fmt.Errorf("failed to register table %s: %w", spec.Name, err)
			}
		case err != nil:
			return fmt.Errorf("failed to read schema version of %s: %w", spec.Name, err)
		case version != spec.Version:
			s.logger.Info("Cached table schema changed, clearing rows",
				"table", spec.Name, "old_version", version, "new_version", spec.Version)
			if _, err := db.ExecContext(ctx, `DELETE FROM _cache_records WHERE table_name = ?`, spec.Name); err != nil {
				return fmt.Errorf("failed to clear table %s: %w", spec.Name, err)
			}
			if _, err := db.ExecContext(ctx,
				`UPDATE _cache_tables SET schema_version = ? WHERE table_name = ?`,
				spec.Version, spec.Name); err != nil {
				return fmt.Errorf("failed to update schema version of %s: %w", spec.Name, err)
			}
		}
	}
	return nil
}

func (s *Store) checkTable(table string) error {
	if _, ok := s.tables[table]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return nil
}
