package services

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/blobstore/localfs"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/chunkupload"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/db"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/mapping"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/metacache"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/repository"
)

func newTestUploadService(t *testing.T) *UploadService {
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

	return NewUploadService(uploads, repo)
}

func TestCompleteUploadIngestsIntoRepository(t *testing.T) {
	svc := newTestUploadService(t)

	created, err := svc.CreateSession("report.bin", "", "application/octet-stream", 10, 5)
	require.NoError(t, err)

	_, err = svc.UploadChunk(t.Context(), created.UploadID, 0, []byte("aaaaa"), "")
	require.NoError(t, err)
	_, err = svc.UploadChunk(t.Context(), created.UploadID, 1, []byte("bbbbb"), "")
	require.NoError(t, err)

	f, err := svc.CompleteUpload(t.Context(), created.UploadID)
	require.NoError(t, err)
	assert.Equal(t, "report.bin", f.Name)
	assert.Equal(t, int64(10), f.Size)

	_, err = svc.GetStatus(created.UploadID)
	assert.Error(t, err, "session should be retired after completion")
}

func TestCompleteUploadRejectsIncompleteSession(t *testing.T) {
	svc := newTestUploadService(t)

	created, err := svc.CreateSession("partial.bin", "", "application/octet-stream", 10, 5)
	require.NoError(t, err)

	_, err = svc.UploadChunk(t.Context(), created.UploadID, 0, []byte("aaaaa"), "")
	require.NoError(t, err)

	_, err = svc.CompleteUpload(t.Context(), created.UploadID)
	assert.Error(t, err)
}

func TestCancelUpload(t *testing.T) {
	svc := newTestUploadService(t)

	created, err := svc.CreateSession("cancelled.bin", "", "application/octet-stream", 10, 5)
	require.NoError(t, err)

	require.NoError(t, svc.CancelUpload(created.UploadID))

	_, err = svc.GetStatus(created.UploadID)
	assert.Error(t, err)
}
