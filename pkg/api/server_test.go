package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MirkoSon/SohnBot/pkg/config"
	"github.com/MirkoSon/SohnBot/pkg/database"
	"github.com/MirkoSon/SohnBot/pkg/observe"
	"github.com/MirkoSon/SohnBot/pkg/services"
)

func newTestServer(t *testing.T) (*Server, *observe.Collector) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sohnbot.db")
	require.NoError(t, database.RunMigrations(context.Background(), dbPath))
	m := database.NewManager(dbPath)
	t.Cleanup(func() { m.Close() })
	db, err := m.DB()
	require.NoError(t, err)

	cfg := config.NewManager(filepath.Join(dir, "absent.toml"), filepath.Join(dir, "absent.env"))
	require.NoError(t, cfg.LoadStatic())
	require.NoError(t, cfg.LoadDynamicDefaults())

	collector := observe.NewCollector(cfg, db,
		services.NewAuditService(db), services.NewOutboxService(db),
		dbPath, filepath.Join(dir, "logs"))
	return NewServer(cfg, collector), collector
}

func TestToolEndpointNotConfigured(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/tools/fs__read",
		strings.NewReader(`{"chat_id":"c1","args":{}}`)))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestListTools(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tools", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "git__prune_snapshots")
}

func TestHealthzBeforeFirstCollection(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "starting")
}

func TestHealthzHealthy(t *testing.T) {
	srv, collector := newTestServer(t)
	collector.Start()
	t.Cleanup(collector.Stop)
	router := srv.Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestStatusReturnsSnapshot(t *testing.T) {
	srv, collector := newTestServer(t)
	collector.Start()
	t.Cleanup(collector.Stop)
	router := srv.Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var snapshot observe.StatusSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	assert.NotZero(t, snapshot.CollectedAt)
	assert.Len(t, snapshot.Health, 6)
	assert.Equal(t, "N/A", snapshot.Scheduler.NextRun)
	assert.WithinDuration(t, time.Now(), time.Unix(snapshot.CollectedAt, 0), time.Minute)
}
