// Package store provides SQLite-backed persistence for packforge: the job
// store, the credit ledger, pack records, and API keys. All shared mutable
// state lives here and is only changed through the compare-and-set
// operations this package exposes.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"packforge/internal/logging"
)

// Store owns the SQLite database. The typed views (Jobs, Ledger, Packs,
// Keys) share one connection pool and one schema.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc's driver serializes writes per connection; a single
	// connection avoids SQLITE_BUSY races between CAS updates.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("store opened at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		job_type TEXT NOT NULL,
		state TEXT NOT NULL,
		file_name TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		artifact_path TEXT NOT NULL DEFAULT '',
		progress INTEGER NOT NULL DEFAULT 0,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		started_at DATETIME,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);

	CREATE TABLE IF NOT EXISTS packs (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		artifact_path TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		extract_items INTEGER NOT NULL DEFAULT 0,
		extract_ms INTEGER NOT NULL DEFAULT 0,
		chunk_items INTEGER NOT NULL DEFAULT 0,
		chunk_ms INTEGER NOT NULL DEFAULT 0,
		analysis_items INTEGER NOT NULL DEFAULT 0,
		analysis_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS credit_balances (
		user_id TEXT PRIMARY KEY,
		credits INTEGER NOT NULL DEFAULT 0,
		unlimited BOOLEAN NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		job_id TEXT NOT NULL,
		chunk_id INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		kind TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (job_id, chunk_id, kind)
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_job ON ledger_entries(job_id);

	CREATE TABLE IF NOT EXISTS api_keys (
		key_hash TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Jobs returns the job store view.
func (s *Store) Jobs() *JobStore { return &JobStore{s: s} }

// Ledger returns the credit ledger view.
func (s *Store) Ledger() *Ledger { return &Ledger{s: s} }

// Packs returns the pack store view.
func (s *Store) Packs() *PackStore { return &PackStore{s: s} }

// Keys returns the API key store view.
func (s *Store) Keys() *KeyStore { return &KeyStore{s: s} }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
