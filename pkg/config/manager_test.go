package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "default.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadStaticPrecedence(t *testing.T) {
	path := writeConfigFile(t, `
[database]
path = "/tmp/from-file.db"

[scope]
allowed_roots = ["/tmp/Projects"]

[telegram]
allowed_chat_ids = [123, 456]
`)
	t.Setenv("SOHNBOT_DATABASE_PATH", "/tmp/from-env.db")

	m := NewManager(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, m.LoadStatic())

	// env beats file, file beats default
	assert.Equal(t, "/tmp/from-env.db", m.GetString("database.path"))
	assert.Equal(t, []string{"/tmp/Projects"}, m.GetStringList("scope.allowed_roots"))
	assert.Equal(t, []int64{123, 456}, m.GetInt64List("telegram.allowed_chat_ids"))
	// untouched keys keep their code defaults
	assert.True(t, m.GetBool("database.wal_mode"))
}

func TestLoadStaticMissingFileUsesDefaults(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent.toml"), filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, m.LoadStatic())
	assert.Equal(t, "data/sohnbot.db", m.GetString("database.path"))
}

func TestLoadStaticValidationFailureAborts(t *testing.T) {
	path := writeConfigFile(t, `
[observability]
http_host = "0.0.0.0"
`)
	m := NewManager(path, filepath.Join(t.TempDir(), "absent.env"))
	err := m.LoadStatic()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "observability.http_host")
}

func TestLoadDynamicDefaults(t *testing.T) {
	path := writeConfigFile(t, `
[files]
max_size_mb = 25

[notifications]
backoff_base_seconds = 10
`)
	m := NewManager(path, filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, m.LoadDynamicDefaults())
	assert.Equal(t, 25, m.GetInt("files.max_size_mb"))
	assert.Equal(t, 10, m.GetInt("notifications.backoff_base_seconds"))
	assert.Equal(t, 3, m.GetInt("notifications.max_retries"))
}

func TestUpdateRefusesStaticKey(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent.toml"), filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, m.LoadStatic())
	require.NoError(t, m.LoadDynamicDefaults())

	err := m.Update(context.Background(), "database.path", "/tmp/other.db")
	assert.ErrorIs(t, err, ErrStaticUpdateRefused)
}

func TestUpdateRefusesInvalidValue(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent.toml"), filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, m.LoadDynamicDefaults())

	err := m.Update(context.Background(), "files.max_size_mb", 9999)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Equal(t, 10, m.GetInt("files.max_size_mb"))
}

func TestUpdateNotifiesSubscribersInOrder(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent.toml"), filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, m.LoadDynamicDefaults())

	var order []string
	m.Subscribe(func(key string, value any) { order = append(order, "first:"+key) })
	m.Subscribe(func(key string, value any) { panic("bad subscriber") })
	m.Subscribe(func(key string, value any) { order = append(order, "third:"+key) })

	require.NoError(t, m.Update(context.Background(), "logging.level", "DEBUG"))
	assert.Equal(t, []string{"first:logging.level", "third:logging.level"}, order)
	assert.Equal(t, "DEBUG", m.GetString("logging.level"))
}

func TestUpdateUnknownKey(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent.toml"), filepath.Join(t.TempDir(), "absent.env"))
	err := m.Update(context.Background(), "no.such.key", 1)
	assert.True(t, errors.Is(err, ErrUnknownKey))
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "[REDACTED]", Redact("anthropic_api_key", "sk-secret"))
	assert.Equal(t, "[REDACTED]", Redact("telegram.bot_token", "12345:abc"))
	assert.Equal(t, 42, Redact("files.max_size_mb", 42))
}

func TestGlobalAccessor(t *testing.T) {
	Reset()
	assert.Panics(t, func() { Default() })

	m := NewManager(filepath.Join(t.TempDir(), "absent.toml"), filepath.Join(t.TempDir(), "absent.env"))
	Install(m)
	defer Reset()
	assert.Same(t, m, Default())
}
