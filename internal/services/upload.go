// Package services is the thin orchestration layer over the storage
// core (pkg/repository), the chunked-upload engine (pkg/chunkupload),
// and the share-link password hasher, composing them the way reva's
// storageprovider service composes its storage.FS and cache
// collaborators rather than reimplementing any of their logic.
package services

import (
	"context"
	"os"

	"github.com/pkg/errors"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/chunkupload"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/repository"
)

// UploadService composes the chunked-upload engine with the repository's
// write port: it owns the one step pkg/chunkupload.CompleteUpload
// deliberately leaves undone, handing the assembled file's bytes to the
// blob store so the engine itself never has to know about dedup.
type UploadService struct {
	uploads *chunkupload.Engine
	repo    repository.WritePort
}

// NewUploadService builds an UploadService over an upload engine and the
// repository's write port.
func NewUploadService(uploads *chunkupload.Engine, repo repository.WritePort) *UploadService {
	return &UploadService{uploads: uploads, repo: repo}
}

// CreateSession starts a new chunked upload, delegating straight to the
// engine; there is nothing to orchestrate until the upload completes.
func (s *UploadService) CreateSession(filename, folderID, contentType string, totalSize, chunkSize int64) (chunkupload.CreateResponse, error) {
	return s.uploads.CreateSession(filename, folderID, contentType, totalSize, chunkSize)
}

// UploadChunk writes one chunk, delegating straight to the engine.
func (s *UploadService) UploadChunk(ctx context.Context, uploadID string, index int, data []byte, checksum string) (chunkupload.ChunkResponse, error) {
	return s.uploads.UploadChunk(ctx, uploadID, index, data, checksum)
}

// CompleteUpload assembles every chunk, ingests the result into the blob
// store through repository.SaveFileFromStream (which hashes and
// deduplicates the same way a direct small-file PUT does), then retires
// the upload session. The assembled temp file is removed either way:
// on a dedup hit the bytes it held are discarded entirely, the blob
// store already having a copy under that hash.
func (s *UploadService) CompleteUpload(ctx context.Context, uploadID string) (repository.File, error) {
	assembled, err := s.uploads.CompleteUpload(uploadID)
	if err != nil {
		return repository.File{}, err
	}
	defer os.Remove(assembled.AssembledPath)

	f, err := func() (repository.File, error) {
		fh, err := os.Open(assembled.AssembledPath)
		if err != nil {
			return repository.File{}, errors.Wrap(err, "services: error opening assembled upload")
		}
		defer fh.Close()
		return s.repo.SaveFileFromStream(ctx, assembled.Filename, assembled.ParentFolderID, assembled.ContentType, fh)
	}()
	if err != nil {
		_ = s.uploads.CancelUpload(uploadID)
		return repository.File{}, err
	}

	if err := s.uploads.FinalizeUpload(uploadID); err != nil {
		return f, err
	}
	return f, nil
}

// GetStatus reports a chunked upload's progress, delegating straight to
// the engine.
func (s *UploadService) GetStatus(uploadID string) (chunkupload.StatusResponse, error) {
	return s.uploads.GetStatus(uploadID)
}

// CancelUpload discards an in-progress chunked upload, delegating
// straight to the engine.
func (s *UploadService) CancelUpload(uploadID string) error {
	return s.uploads.CancelUpload(uploadID)
}
