package database

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func migrationFS(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, content := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(content)}
	}
	return fsys
}

func TestRunMigrationsAppliesInLexicalOrder(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	fsys := migrationFS(map[string]string{
		"0002_add_column.sql":   "ALTER TABLE items ADD COLUMN name TEXT;",
		"0001_create_table.sql": "CREATE TABLE items (id INTEGER PRIMARY KEY);",
	})

	require.NoError(t, RunMigrationsFS(context.Background(), dbPath, fsys))

	m := NewManager(dbPath)
	defer m.Close()
	db, err := m.DB()
	require.NoError(t, err)

	var names []string
	require.NoError(t, db.Select(&names,
		"SELECT migration_name FROM schema_migrations ORDER BY migration_name"))
	assert.Equal(t, []string{"0001_create_table.sql", "0002_add_column.sql"}, names)

	// the ALTER only works if 0001 ran first
	_, err = db.Exec("INSERT INTO items (id, name) VALUES (1, 'a')")
	require.NoError(t, err)
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	fsys := migrationFS(map[string]string{
		"0001_create_table.sql": "CREATE TABLE items (id INTEGER PRIMARY KEY);",
	})

	require.NoError(t, RunMigrationsFS(context.Background(), dbPath, fsys))
	require.NoError(t, RunMigrationsFS(context.Background(), dbPath, fsys))

	m := NewManager(dbPath)
	defer m.Close()
	db, err := m.DB()
	require.NoError(t, err)

	var count int
	require.NoError(t, db.Get(&count, "SELECT COUNT(*) FROM schema_migrations"))
	assert.Equal(t, 1, count)
}

func TestRunMigrationsDetectsTampering(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	fsys := migrationFS(map[string]string{
		"0001_create_table.sql": "CREATE TABLE items (id INTEGER PRIMARY KEY);",
	})
	require.NoError(t, RunMigrationsFS(context.Background(), dbPath, fsys))

	tampered := migrationFS(map[string]string{
		"0001_create_table.sql": "CREATE TABLE items (id INTEGER PRIMARY KEY, evil TEXT);",
		"0002_next.sql":         "CREATE TABLE other (id INTEGER PRIMARY KEY);",
	})
	err := RunMigrationsFS(context.Background(), dbPath, tampered)
	require.ErrorIs(t, err, ErrMigrationTampered)

	// nothing after the tampered file may have been applied
	m := NewManager(dbPath)
	defer m.Close()
	db, errDB := m.DB()
	require.NoError(t, errDB)
	var count int
	require.NoError(t, db.Get(&count,
		"SELECT COUNT(*) FROM schema_migrations WHERE migration_name = '0002_next.sql'"))
	assert.Equal(t, 0, count)
}

func TestRunMigrationsIgnoresReservedName(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	fsys := migrationFS(map[string]string{
		"schema_migrations.sql": "CREATE TABLE should_not_exist (id INTEGER);",
		"0001_create_table.sql": "CREATE TABLE items (id INTEGER PRIMARY KEY);",
	})
	require.NoError(t, RunMigrationsFS(context.Background(), dbPath, fsys))

	m := NewManager(dbPath)
	defer m.Close()
	db, err := m.DB()
	require.NoError(t, err)

	var count int
	require.NoError(t, db.Get(&count,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='should_not_exist'"))
	assert.Equal(t, 0, count)
}

func TestEmbeddedMigrationsCreateCoreTables(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, RunMigrations(context.Background(), dbPath))

	m := NewManager(dbPath)
	defer m.Close()
	db, err := m.DB()
	require.NoError(t, err)

	for _, table := range []string{"execution_log", "config", "notification_outbox", "postponed_operation"} {
		var count int
		require.NoError(t, db.Get(&count,
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table))
		assert.Equal(t, 1, count, "table %s must exist", table)
	}

	// status CHECK constraint is enforced
	_, err = db.Exec(`
		INSERT INTO execution_log (operation_id, timestamp, capability, action, chat_id, tier, status)
		VALUES ('op-1', 0, 'fs', 'read', 'c1', 0, 'bogus')`)
	assert.Error(t, err)
}
