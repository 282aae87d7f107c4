package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DioCrafts/OxiCloud-sub001/internal/services"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/blobstore/localfs"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/chunkupload"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/db"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/mapping"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/metacache"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/repository"
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

	uploads, err := chunkupload.New(filepath.Join(dir, "uploads"), 5<<20, time.Hour)
	require.NoError(t, err)
	t.Cleanup(uploads.Close)

	uploadSvc := services.NewUploadService(uploads, repo)
	log := zerolog.Nop()
	return New(repo, repo, blobs, uploadSvc, conn, &log)
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

func multipartUpload(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadFileThenDownload(t *testing.T) {
	h := newTestHandler(t)
	body, contentType := multipartUpload(t, "hello.txt", "hello world")

	upload := doRequest(h, http.MethodPost, "/files", body, map[string]string{"Content-Type": contentType})
	require.Equal(t, http.StatusCreated, upload.Code)

	var f repository.File
	require.NoError(t, json.Unmarshal(upload.Body.Bytes(), &f))
	assert.Equal(t, "hello.txt", f.Name)
	assert.Equal(t, int64(len("hello world")), f.Size)

	download := doRequest(h, http.MethodGet, "/files/"+f.ID, nil, nil)
	require.Equal(t, http.StatusOK, download.Code)
	assert.Equal(t, "hello world", download.Body.String())
	assert.NotEmpty(t, download.Header().Get("ETag"))
}

func TestUploadFileMissingPartRejected(t *testing.T) {
	h := newTestHandler(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("folder_id", ""))
	require.NoError(t, mw.Close())

	rr := doRequest(h, http.MethodPost, "/files", &buf, map[string]string{"Content-Type": mw.FormDataContentType()})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeleteFileMovesToTrash(t *testing.T) {
	h := newTestHandler(t)
	body, contentType := multipartUpload(t, "gone.txt", "bye")
	upload := doRequest(h, http.MethodPost, "/files", body, map[string]string{"Content-Type": contentType})
	var f repository.File
	require.NoError(t, json.Unmarshal(upload.Body.Bytes(), &f))

	del := doRequest(h, http.MethodDelete, "/files/"+f.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, del.Code)

	get := doRequest(h, http.MethodGet, "/files/"+f.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, get.Code)
}

func TestMoveFile(t *testing.T) {
	h := newTestHandler(t)
	body, contentType := multipartUpload(t, "movable.txt", "content")
	upload := doRequest(h, http.MethodPost, "/files", body, map[string]string{"Content-Type": contentType})
	var f repository.File
	require.NoError(t, json.Unmarshal(upload.Body.Bytes(), &f))

	folder, err := h.writer.CreateFolder(context.Background(), "dest", "")
	require.NoError(t, err)

	moveBody, err := json.Marshal(map[string]string{"target_folder_id": folder.ID})
	require.NoError(t, err)
	move := doRequest(h, http.MethodPost, "/files/"+f.ID+"/move", bytes.NewReader(moveBody), nil)
	assert.Equal(t, http.StatusNoContent, move.Code)

	moved, err := h.repo.GetFile(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, folder.ID, moved.ParentFolderID)
}

func TestChunkedUploadLifecycle(t *testing.T) {
	h := newTestHandler(t)

	createBody, err := json.Marshal(createSessionRequest{
		Filename:    "big.bin",
		ContentType: "application/octet-stream",
		TotalSize:   10,
		ChunkSize:   5,
	})
	require.NoError(t, err)
	create := doRequest(h, http.MethodPost, "/uploads", bytes.NewReader(createBody), nil)
	require.Equal(t, http.StatusCreated, create.Code)

	var session chunkupload.CreateResponse
	require.NoError(t, json.Unmarshal(create.Body.Bytes(), &session))
	require.Equal(t, 2, session.TotalChunks)

	chunk0 := doRequest(h, http.MethodPatch, "/uploads/"+session.UploadID+"?chunk_index=0", bytes.NewReader([]byte("01234")), nil)
	assert.Equal(t, http.StatusOK, chunk0.Code)

	status := doRequest(h, http.MethodHead, "/uploads/"+session.UploadID, nil, nil)
	assert.Equal(t, http.StatusOK, status.Code)
	assert.Equal(t, "5", status.Header().Get("X-Upload-Bytes-Received"))

	chunk1 := doRequest(h, http.MethodPatch, "/uploads/"+session.UploadID+"?chunk_index=1", bytes.NewReader([]byte("56789")), nil)
	assert.Equal(t, http.StatusOK, chunk1.Code)

	complete := doRequest(h, http.MethodPost, "/uploads/"+session.UploadID+"/complete", nil, nil)
	require.Equal(t, http.StatusOK, complete.Code)

	var f repository.File
	require.NoError(t, json.Unmarshal(complete.Body.Bytes(), &f))
	assert.Equal(t, "big.bin", f.Name)
	assert.Equal(t, int64(10), f.Size)
}

func TestCancelUpload(t *testing.T) {
	h := newTestHandler(t)
	createBody, err := json.Marshal(createSessionRequest{Filename: "x.bin", TotalSize: 5, ChunkSize: 5})
	require.NoError(t, err)
	create := doRequest(h, http.MethodPost, "/uploads", bytes.NewReader(createBody), nil)
	var session chunkupload.CreateResponse
	require.NoError(t, json.Unmarshal(create.Body.Bytes(), &session))

	cancel := doRequest(h, http.MethodDelete, "/uploads/"+session.UploadID, nil, nil)
	assert.Equal(t, http.StatusNoContent, cancel.Code)

	status := doRequest(h, http.MethodHead, "/uploads/"+session.UploadID, nil, nil)
	assert.Equal(t, http.StatusNotFound, status.Code)
}

func TestDedupCheckAndBlobAndStats(t *testing.T) {
	h := newTestHandler(t)
	body, contentType := multipartUpload(t, "dup.txt", "duplicate me")
	upload := doRequest(h, http.MethodPost, "/files", body, map[string]string{"Content-Type": contentType})
	var f repository.File
	require.NoError(t, json.Unmarshal(upload.Body.Bytes(), &f))

	check := doRequest(h, http.MethodGet, "/dedup/check/"+f.BlobHash, nil, nil)
	require.Equal(t, http.StatusOK, check.Code)

	blob := doRequest(h, http.MethodGet, "/dedup/blob/"+f.BlobHash, nil, nil)
	require.Equal(t, http.StatusOK, blob.Code)
	assert.Equal(t, "duplicate me", blob.Body.String())

	stats := doRequest(h, http.MethodGet, "/dedup/stats", nil, nil)
	require.Equal(t, http.StatusOK, stats.Code)
	var s dedupStats
	require.NoError(t, json.Unmarshal(stats.Body.Bytes(), &s))
	assert.Equal(t, int64(1), s.BlobCount)
}
