package diagnostics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"cdpe/internal/cache"
	"cdpe/internal/download"
	"cdpe/internal/downloadsvc"
	"cdpe/internal/state"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "index.db")), &gorm.Config{})
	require.NoError(t, err)
	cacheStore, err := cache.Open(db, cache.Options{})
	require.NoError(t, err)

	engine := download.New(nil, nil)
	svc := downloadsvc.New(engine, cacheStore, nil, 4)

	store, err := state.Open(filepath.Join(dir, "user-settings.json"), filepath.Join(dir, "gameVersion.json"))
	require.NoError(t, err)

	return New(svc, cacheStore, store, nil, prometheus.NewRegistry(), nil)
}

func TestStatusEndpointReturnsRunning(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "running", body["status"])
}

func TestNonLoopbackRequestsAreRejected(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMetricsEndpointExposesDownloadCounters(t *testing.T) {
	s := newTestServer(t)
	s.Refresh()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "cdpe_downloads_active")
}

func TestStatusOmitsDiskUsageWhenNotConfigured(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Nil(t, body["disk"])
}

func TestStatusIncludesDiskUsageWhenConfigured(t *testing.T) {
	s := newTestServer(t)
	s.SetDiskRoot(t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	disk, ok := body["disk"].(map[string]any)
	require.True(t, ok)
	require.Greater(t, disk["total_gb"], float64(0))
}

func TestChannelsEndpointReportsKnownBuildRecords(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.store.SetBuildRecord("latest", state.BuildRecord{Build: 42, Channel: "latest"}))

	req := httptest.NewRequest(http.MethodGet, "/status/channels", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]state.BuildRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, uint64(42), body["latest"].Build)
}
