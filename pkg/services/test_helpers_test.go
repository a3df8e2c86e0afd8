package services

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/MirkoSon/SohnBot/pkg/database"
)

// newTestDB opens a migrated temp database shared by the store tests.
func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, database.RunMigrations(context.Background(), path))

	m := database.NewManager(path)
	t.Cleanup(func() { m.Close() })
	db, err := m.DB()
	require.NoError(t, err)
	return db
}
