package metrics

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/chunkupload"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/db"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/metacache"
)

func TestRegisterAndScrape(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(filepath.Join(dir, "oxicloud.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	cache := metacache.New(time.Minute, time.Minute, 1000)
	t.Cleanup(cache.Close)

	uploads, err := chunkupload.New(filepath.Join(dir, "uploads"), 5<<20, time.Hour)
	require.NoError(t, err)
	t.Cleanup(uploads.Close)

	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg, cache, uploads, conn))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	Handler(reg).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "oxicloud_active_upload_sessions")
	assert.Contains(t, rr.Body.String(), "oxicloud_dedup_ratio")
	assert.Contains(t, rr.Body.String(), "oxicloud_metacache_hits_total")
}

func TestInstrumentWrapsHandler(t *testing.T) {
	h := Instrument("/files", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/files/a.txt", nil)
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}
