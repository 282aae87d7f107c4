package webdav

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/blobstore/localfs"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/db"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/mapping"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/metacache"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/repository"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/weblock"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	dir := t.TempDir()

	conn, err := db.Open(filepath.Join(dir, "oxicloud.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	blobs, err := localfs.New(dir, conn)
	require.NoError(t, err)

	fileIDs, err := mapping.Load(filepath.Join(dir, "file_ids.json"))
	require.NoError(t, err)
	folderIDs, err := mapping.Load(filepath.Join(dir, "folder_ids.json"))
	require.NoError(t, err)

	cache := metacache.New(time.Minute, time.Minute, 1000)
	t.Cleanup(cache.Close)

	repo := repository.New(conn, blobs, fileIDs, folderIDs, cache, dir, 5*time.Second, 5*time.Second)
	log := zerolog.Nop()
	return New(repo, repo, weblock.New(), nil, 0, 0, &log)
}

func doRequest(h *Handler, method, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)
	return rr
}

func TestPutThenGetRoundTrips(t *testing.T) {
	h := newTestHandler(t)

	put := doRequest(h, http.MethodPut, "/hello.txt", strings.NewReader("hello world"), nil)
	require.Equal(t, http.StatusCreated, put.Code)
	assert.NotEmpty(t, put.Header().Get("OC-FileId"))

	get := doRequest(h, http.MethodGet, "/hello.txt", nil, nil)
	require.Equal(t, http.StatusOK, get.Code)
	assert.Equal(t, "hello world", get.Body.String())
	assert.Equal(t, "bytes", get.Header().Get("Accept-Ranges"))
}

func TestGetRange(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, http.MethodPut, "/range.txt", strings.NewReader("0123456789"), nil)

	rr := doRequest(h, http.MethodGet, "/range.txt", nil, map[string]string{"Range": "bytes=2-4"})
	require.Equal(t, http.StatusPartialContent, rr.Code)
	assert.Equal(t, "234", rr.Body.String())
	assert.Equal(t, "bytes 2-4/10", rr.Header().Get("Content-Range"))
}

func TestGetUnsatisfiableRange(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, http.MethodPut, "/short.txt", strings.NewReader("abc"), nil)

	rr := doRequest(h, http.MethodGet, "/short.txt", nil, map[string]string{"Range": "bytes=100-200"})
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rr.Code)
	assert.Equal(t, "bytes */3", rr.Header().Get("Content-Range"))
}

func TestPutOverwriteExisting(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, http.MethodPut, "/over.txt", strings.NewReader("first"), nil)

	rr := doRequest(h, http.MethodPut, "/over.txt", strings.NewReader("second version"), nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	get := doRequest(h, http.MethodGet, "/over.txt", nil, nil)
	assert.Equal(t, "second version", get.Body.String())
}

func TestPutRejectsContentRange(t *testing.T) {
	h := newTestHandler(t)
	rr := doRequest(h, http.MethodPut, "/cr.txt", strings.NewReader("x"), map[string]string{"Content-Range": "bytes 0-0/1"})
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
}

func TestMkcolAndDeleteFolder(t *testing.T) {
	h := newTestHandler(t)

	mkcol := doRequest(h, "MKCOL", "/docs", nil, nil)
	require.Equal(t, http.StatusCreated, mkcol.Code)

	put := doRequest(h, http.MethodPut, "/docs/a.txt", strings.NewReader("a"), nil)
	require.Equal(t, http.StatusCreated, put.Code)

	del := doRequest(h, http.MethodDelete, "/docs", nil, nil)
	require.Equal(t, http.StatusNoContent, del.Code)

	get := doRequest(h, http.MethodGet, "/docs/a.txt", nil, nil)
	assert.NotEqual(t, http.StatusOK, get.Code)
}

func TestDeleteFile(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, http.MethodPut, "/gone.txt", strings.NewReader("x"), nil)

	del := doRequest(h, http.MethodDelete, "/gone.txt", nil, nil)
	require.Equal(t, http.StatusNoContent, del.Code)

	get := doRequest(h, http.MethodGet, "/gone.txt", nil, nil)
	assert.NotEqual(t, http.StatusOK, get.Code)
}

func TestCopyFile(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, http.MethodPut, "/src.txt", strings.NewReader("payload"), nil)

	rr := doRequest(h, "COPY", "/src.txt", nil, map[string]string{"Destination": "http://example.com/webdav/dst.txt"})
	require.Equal(t, http.StatusCreated, rr.Code)

	src := doRequest(h, http.MethodGet, "/src.txt", nil, nil)
	assert.Equal(t, http.StatusOK, src.Code)
	dst := doRequest(h, http.MethodGet, "/dst.txt", nil, nil)
	require.Equal(t, http.StatusOK, dst.Code)
	assert.Equal(t, "payload", dst.Body.String())
}

func TestMoveFile(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, http.MethodPut, "/movesrc.txt", strings.NewReader("payload"), nil)

	rr := doRequest(h, "MOVE", "/movesrc.txt", nil, map[string]string{"Destination": "http://example.com/webdav/movedst.txt"})
	require.Equal(t, http.StatusCreated, rr.Code)

	src := doRequest(h, http.MethodGet, "/movesrc.txt", nil, nil)
	assert.NotEqual(t, http.StatusOK, src.Code)
	dst := doRequest(h, http.MethodGet, "/movedst.txt", nil, nil)
	require.Equal(t, http.StatusOK, dst.Code)
}

func TestMoveOverwriteFPreconditionFailed(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, http.MethodPut, "/a.txt", strings.NewReader("a"), nil)
	doRequest(h, http.MethodPut, "/b.txt", strings.NewReader("b"), nil)

	rr := doRequest(h, "MOVE", "/a.txt", nil, map[string]string{
		"Destination": "http://example.com/webdav/b.txt",
		"Overwrite":   "F",
	})
	assert.Equal(t, http.StatusPreconditionFailed, rr.Code)
}

func TestMoveFolder(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, "MKCOL", "/src", nil, nil)
	doRequest(h, http.MethodPut, "/src/a.txt", strings.NewReader("a"), nil)

	rr := doRequest(h, "MOVE", "/src", nil, map[string]string{"Destination": "http://example.com/webdav/dst"})
	require.Equal(t, http.StatusCreated, rr.Code)

	get := doRequest(h, http.MethodGet, "/dst/a.txt", nil, nil)
	require.Equal(t, http.StatusOK, get.Code)
	assert.Equal(t, "a", get.Body.String())
}

func TestPropfindDepth0OnFile(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, http.MethodPut, "/prop.txt", strings.NewReader("data"), nil)

	rr := doRequest(h, "PROPFIND", "/prop.txt", nil, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	assert.Contains(t, rr.Body.String(), "prop.txt")
}

func TestPropfindDepth1ListsChildren(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, "MKCOL", "/folder", nil, nil)
	doRequest(h, http.MethodPut, "/folder/one.txt", strings.NewReader("1"), nil)
	doRequest(h, http.MethodPut, "/folder/two.txt", strings.NewReader("2"), nil)

	rr := doRequest(h, "PROPFIND", "/folder", nil, map[string]string{"Depth": "1"})
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	assert.Contains(t, rr.Body.String(), "one.txt")
	assert.Contains(t, rr.Body.String(), "two.txt")
}

func TestPropfindInfiniteDepthRejected(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, "MKCOL", "/rejectme", nil, nil)

	rr := doRequest(h, "PROPFIND", "/rejectme", nil, map[string]string{"Depth": "infinity"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "propfind-finite-depth")
}

func TestLockThenUnlock(t *testing.T) {
	h := newTestHandler(t)
	doRequest(h, http.MethodPut, "/locked.txt", strings.NewReader("x"), nil)

	lockBody := `<?xml version="1.0"?><D:lockinfo xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope><D:owner><D:href>me</D:href></D:owner></D:lockinfo>`
	lock := doRequest(h, "LOCK", "/locked.txt", strings.NewReader(lockBody), nil)
	require.Equal(t, http.StatusOK, lock.Code)
	token := lock.Header().Get("Lock-Token")
	require.NotEmpty(t, token)

	put := doRequest(h, http.MethodPut, "/locked.txt", strings.NewReader("blocked"), nil)
	assert.NotEqual(t, http.StatusNoContent, put.Code)

	unlock := doRequest(h, "UNLOCK", "/locked.txt", nil, map[string]string{"Lock-Token": token})
	assert.Equal(t, http.StatusNoContent, unlock.Code)
}

func TestOptions(t *testing.T) {
	h := newTestHandler(t)
	rr := doRequest(h, http.MethodOptions, "/anything", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "1, 2", rr.Header().Get("DAV"))
}
