package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerOpensWALConnection(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nested", "dir", "test.db"))
	defer m.Close()

	db, err := m.DB()
	require.NoError(t, err)

	var mode string
	require.NoError(t, db.Get(&mode, "PRAGMA journal_mode"))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, db.Get(&fk, "PRAGMA foreign_keys"))
	assert.Equal(t, 1, fk)

	var busy int
	require.NoError(t, db.Get(&busy, "PRAGMA busy_timeout"))
	assert.Equal(t, 5000, busy)
}

func TestManagerCachesConnection(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "test.db"))
	defer m.Close()

	first, err := m.DB()
	require.NoError(t, err)
	second, err := m.DB()
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestManagerCloseClearsCache(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "test.db"))

	db, err := m.DB()
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE t (x INTEGER)")
	require.NoError(t, err)

	require.NoError(t, m.Close())

	reopened, err := m.DB()
	require.NoError(t, err)
	defer m.Close()
	assert.NotSame(t, db, reopened)

	var count int
	require.NoError(t, reopened.Get(&count, "SELECT COUNT(*) FROM t"))
	assert.Equal(t, 0, count)
}

func TestGlobalManagerAccessor(t *testing.T) {
	Reset()
	assert.Panics(t, func() { Default() })

	m := NewManager(filepath.Join(t.TempDir(), "test.db"))
	Install(m)
	defer Reset()
	assert.Same(t, m, Default())
}
