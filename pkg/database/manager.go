// Package database owns the single SQLite connection and the checksum-
// verified migration runner.
package database

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotWAL indicates the database refused to enter WAL journal mode.
var ErrNotWAL = errors.New("database is not in WAL journal mode")

// pragmas are applied in this exact order on every fresh connection.
var pragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA cache_size = -64000",
}

// Manager lazily opens and caches one WAL-mode SQLite connection.
// Every store in the process shares this handle; SQLite serializes writes.
type Manager struct {
	path string

	mu sync.Mutex
	db *sqlx.DB
}

// NewManager creates a manager for the database file at path.
// The connection is not opened until DB is first called.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the database file path.
func (m *Manager) Path() string {
	return m.path
}

// DB returns the cached connection, opening it on first use.
func (m *Manager) DB() (*sqlx.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		return m.db, nil
	}

	db, err := openConnection(m.path)
	if err != nil {
		return nil, err
	}
	m.db = db
	slog.Info("database_connected", "path", m.path)
	return m.db, nil
}

// Close releases the cached connection and clears the cache slot.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}

// openConnection opens a single-connection handle, applies the pragma
// sequence, and verifies the journal mode actually is WAL.
func openConnection(path string) (*sqlx.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// one shared connection keeps pragma state and write ordering simple
	db.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	var mode string
	if err := db.Get(&mode, "PRAGMA journal_mode"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read journal_mode: %w", err)
	}
	if mode != "wal" {
		db.Close()
		return nil, fmt.Errorf("%w: journal_mode=%s", ErrNotWAL, mode)
	}
	return db, nil
}

var (
	globalMu      sync.RWMutex
	globalManager *Manager
)

// Install makes m the process-wide manager returned by Default.
func Install(m *Manager) {
	globalMu.Lock()
	globalManager = m
	globalMu.Unlock()
}

// Default returns the installed manager, panicking when startup has not
// installed one yet.
func Default() *Manager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalManager == nil {
		panic("database: manager not installed")
	}
	return globalManager
}

// Reset clears the installed manager. Test helper.
func Reset() {
	globalMu.Lock()
	globalManager = nil
	globalMu.Unlock()
}
