// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the bridge daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "bridge.db")

	// Open database
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	// Initialize schema
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- =========================================================================
	-- Swaps
	-- =========================================================================

	-- One row per bridge swap. Rows are never deleted; terminal swaps are
	-- kept for audit. Timestamps are unix milliseconds.
	CREATE TABLE IF NOT EXISTS swaps (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		from_chain TEXT NOT NULL,
		to_chain TEXT NOT NULL,
		direction TEXT NOT NULL,
		amount INTEGER NOT NULL,
		recipient TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',

		-- Protection outputs (NULL until protected)
		quantum_key_id TEXT,
		correlation_key TEXT,

		-- Write-once leg hashes
		source_tx_hash TEXT,
		destination_tx_hash TEXT,

		failure_reason TEXT,

		-- Audit map (JSON object)
		metadata TEXT NOT NULL DEFAULT '{}',

		-- Timing
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_status ON swaps(status);
	CREATE INDEX IF NOT EXISTS idx_swaps_created ON swaps(created_at);
	CREATE INDEX IF NOT EXISTS idx_swaps_pending_expiry ON swaps(expires_at)
		WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_swaps_correlation ON swaps(correlation_key);

	-- A correlation key belongs to at most one live swap
	CREATE UNIQUE INDEX IF NOT EXISTS idx_swaps_correlation_active ON swaps(correlation_key)
		WHERE correlation_key IS NOT NULL
		  AND status NOT IN ('completed', 'failed', 'manual_review');

	-- =========================================================================
	-- Event outbox (status changes awaiting publication)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS event_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT UNIQUE NOT NULL,        -- UUID for deduplication downstream
		swap_id TEXT NOT NULL,
		subject TEXT NOT NULL,                -- Publish subject
		payload BLOB NOT NULL,                -- Event JSON

		-- Retry tracking
		created_at INTEGER NOT NULL,
		retry_count INTEGER DEFAULT 0,
		last_attempt_at INTEGER,
		next_retry_at INTEGER NOT NULL,

		-- Delivery status
		published_at INTEGER,
		status TEXT DEFAULT 'pending',        -- pending, published, failed
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending ON event_outbox(status, next_retry_at)
		WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_outbox_swap ON event_outbox(swap_id);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	// Run migrations for existing databases
	return s.runMigrations()
}

// runMigrations runs schema migrations for existing databases.
// These are ALTER TABLE statements that add columns to existing tables.
// Errors are ignored since columns may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE swaps ADD COLUMN direction TEXT NOT NULL DEFAULT 'forward'",
	}

	for _, migration := range migrations {
		// Ignore errors - column may already exist
		_, _ = s.db.Exec(migration)
	}

	return nil
}

// isUniqueConstraintError reports whether err is a SQLite unique violation
// mentioning column.
func isUniqueConstraintError(err error, column string) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.ExtendedCode != sqlite3.ErrConstraintUnique {
		return false
	}
	return column == "" || strings.Contains(se.Error(), column)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
