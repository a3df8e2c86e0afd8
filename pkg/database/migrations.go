package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrMigrationTampered indicates an already-applied migration file no longer
// matches its recorded checksum. The runner aborts without further changes.
var ErrMigrationTampered = errors.New("migration_tampered")

// RunMigrations applies the embedded migrations to the database at dbPath.
func RunMigrations(ctx context.Context, dbPath string) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	return RunMigrationsFS(ctx, dbPath, sub)
}

// RunMigrationsFS applies every *.sql file in fsys, in lexical order, on a
// fresh connection. Files already recorded in schema_migrations are verified
// against their stored SHA-256 checksum; a mismatch fails with
// ErrMigrationTampered and nothing further is applied. A file literally
// named schema_migrations.sql is ignored.
func RunMigrationsFS(ctx context.Context, dbPath string, fsys fs.FS) error {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sqlx.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			migration_name TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		) STRICT`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	names, err := listMigrations(fsys)
	if err != nil {
		return err
	}

	applied := 0
	for _, name := range names {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(content)
		checksum := hex.EncodeToString(sum[:])

		var stored string
		err = db.GetContext(ctx, &stored,
			"SELECT checksum FROM schema_migrations WHERE migration_name = ?", name)
		switch {
		case err == nil:
			if stored != checksum {
				return fmt.Errorf("%w: %s (stored %s, computed %s)",
					ErrMigrationTampered, name, stored, checksum)
			}
			continue
		case errors.Is(err, sql.ErrNoRows):
			// not applied yet
		default:
			return fmt.Errorf("failed to query schema_migrations for %s: %w", name, err)
		}

		if err := applyMigration(ctx, db, name, string(content), checksum); err != nil {
			return err
		}
		slog.Info("migration_applied", "name", name)
		applied++
	}

	slog.Info("migrations_complete", "total", len(names), "applied", applied)
	return nil
}

func listMigrations(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".sql" {
			continue
		}
		if name == "schema_migrations.sql" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func applyMigration(ctx context.Context, db *sqlx.DB, name, script, checksum string) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for %s: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("failed to apply migration %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (migration_name, checksum, applied_at)
		VALUES (?, ?, ?)`, name, checksum, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", name, err)
	}
	return nil
}
