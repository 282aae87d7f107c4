package chunkupload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	e, err := New(dir, 5<<20, 24*time.Hour)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, dir
}

func TestCreateSessionEvenSplit(t *testing.T) {
	e, _ := newTestEngine(t)
	resp, err := e.CreateSession("big.bin", "", "application/octet-stream", 25<<20, 5<<20)
	require.NoError(t, err)
	assert.Equal(t, 5, resp.TotalChunks)
	assert.Equal(t, int64(5<<20), resp.ChunkSize)
}

func TestCreateSessionZeroByteFile(t *testing.T) {
	e, _ := newTestEngine(t)
	resp, err := e.CreateSession("empty.bin", "", "application/octet-stream", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.TotalChunks)
	assert.Equal(t, int64(0), resp.ChunkSize)
}

func TestUploadChunkAndComplete(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	resp, err := e.CreateSession("file.bin", "", "text/plain", 10, 5)
	require.NoError(t, err)
	require.Equal(t, 2, resp.TotalChunks)

	_, err = e.UploadChunk(ctx, resp.UploadID, 0, []byte("aaaaa"), "")
	require.NoError(t, err)
	_, err = e.UploadChunk(ctx, resp.UploadID, 1, []byte("bbbbb"), "")
	require.NoError(t, err)

	status, err := e.GetStatus(resp.UploadID)
	require.NoError(t, err)
	assert.True(t, status.Complete)
	assert.Equal(t, int64(10), status.BytesReceived)

	result, err := e.CompleteUpload(resp.UploadID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), result.Size)

	data, err := os.ReadFile(result.AssembledPath)
	require.NoError(t, err)
	assert.Equal(t, "aaaaabbbbb", string(data))

	require.NoError(t, e.FinalizeUpload(resp.UploadID))
	_, err = e.GetStatus(resp.UploadID)
	assert.Error(t, err)
}

func TestUploadChunkRejectsReupload(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	resp, err := e.CreateSession("f.bin", "", "text/plain", 5, 5)
	require.NoError(t, err)

	_, err = e.UploadChunk(ctx, resp.UploadID, 0, []byte("hello"), "")
	require.NoError(t, err)

	_, err = e.UploadChunk(ctx, resp.UploadID, 0, []byte("hello"), "")
	assert.Error(t, err)
}

func TestUploadChunkChecksumMismatch(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	resp, err := e.CreateSession("f.bin", "", "text/plain", 5, 5)
	require.NoError(t, err)

	_, err = e.UploadChunk(ctx, resp.UploadID, 0, []byte("hello"), "deadbeef")
	require.Error(t, err)

	status, err := e.GetStatus(resp.UploadID)
	require.NoError(t, err)
	assert.False(t, status.Complete)
}

func TestUploadChunkChecksumMatch(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	resp, err := e.CreateSession("f.bin", "", "text/plain", 5, 5)
	require.NoError(t, err)

	sum := md5.Sum([]byte("hello"))
	checksum := hex.EncodeToString(sum[:])
	_, err = e.UploadChunk(ctx, resp.UploadID, 0, []byte("hello"), checksum)
	require.NoError(t, err)
}

func TestCompleteUploadRejectsIncomplete(t *testing.T) {
	e, _ := newTestEngine(t)
	resp, err := e.CreateSession("f.bin", "", "text/plain", 10, 5)
	require.NoError(t, err)

	_, err = e.CompleteUpload(resp.UploadID)
	assert.Error(t, err)
}

func TestCancelUploadRemovesSessionDir(t *testing.T) {
	e, dir := newTestEngine(t)
	resp, err := e.CreateSession("f.bin", "", "text/plain", 5, 5)
	require.NoError(t, err)

	require.NoError(t, e.CancelUpload(resp.UploadID))

	_, err = os.Stat(filepath.Join(dir, resp.UploadID))
	assert.True(t, os.IsNotExist(err))
}

func TestRecoverAppliesBitmaskAndDropsMissingChunks(t *testing.T) {
	dir := t.TempDir()
	e, err := New(dir, 5<<20, 24*time.Hour)
	require.NoError(t, err)

	resp, err := e.CreateSession("recoverable.bin", "", "text/plain", 10, 5)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = e.UploadChunk(ctx, resp.UploadID, 0, []byte("aaaaa"), "")
	require.NoError(t, err)
	e.Close()

	// Simulate the chunk file vanishing between crash and restart.
	require.NoError(t, os.Remove(chunkFilePath(filepath.Join(dir, resp.UploadID), 0)))

	e2, err := New(dir, 5<<20, 24*time.Hour)
	require.NoError(t, err)
	t.Cleanup(e2.Close)

	status, err := e2.GetStatus(resp.UploadID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.BytesReceived)
	assert.Contains(t, status.PendingChunks, 0)
}

func TestRecoverDropsExpiredSessions(t *testing.T) {
	dir := t.TempDir()
	e, err := New(dir, 5<<20, time.Millisecond)
	require.NoError(t, err)

	resp, err := e.CreateSession("expiring.bin", "", "text/plain", 5, 5)
	require.NoError(t, err)
	e.Close()

	time.Sleep(5 * time.Millisecond)

	e2, err := New(dir, 5<<20, time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(e2.Close)

	_, err = e2.GetStatus(resp.UploadID)
	assert.Error(t, err)
}
