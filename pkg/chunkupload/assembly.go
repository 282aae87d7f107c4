package chunkupload

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/errtypes"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/hashing"
)

const assemblyBufferSize = 512 * 1024

// CompleteUpload assembles every chunk into one file, hashing it on
// write, and hands the result back without touching the blob store
// itself — that handoff belongs to the caller, which may recognise the
// content as a duplicate and discard the assembled file entirely.
//
// The session is cloned out of its shard before assembly starts so the
// shard lock isn't held across the blocking sequential read-and-hash
// pass.
func (e *Engine) CompleteUpload(uploadID string) (AssembledResult, error) {
	sh := e.shardFor(uploadID)
	sh.mu.Lock()
	session, ok := sh.sessions[uploadID]
	if !ok {
		sh.mu.Unlock()
		return AssembledResult{}, errtypes.NotFound("upload " + uploadID)
	}
	if !session.isComplete() {
		sh.mu.Unlock()
		return AssembledResult{}, errtypes.InvalidInput("upload has pending chunks")
	}
	snapshot := session.clone()
	sh.mu.Unlock()

	assembledPath := filepath.Join(snapshot.TempDir, "assembled")
	hash, size, err := assembleChunks(snapshot, assembledPath)
	if err != nil {
		return AssembledResult{}, err
	}

	return AssembledResult{
		AssembledPath:  assembledPath,
		Filename:       snapshot.Filename,
		ParentFolderID: snapshot.ParentFolderID,
		ContentType:    snapshot.ContentType,
		Size:           size,
		Hash:           hash,
	}, nil
}

func assembleChunks(s *Session, assembledPath string) (hash string, size int64, err error) {
	out, err := os.OpenFile(assembledPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, errors.Wrap(err, "chunkupload: error creating assembled file")
	}
	defer out.Close()

	if s.TotalSize > 0 {
		if err := out.Truncate(s.TotalSize); err != nil {
			return "", 0, errors.Wrap(err, "chunkupload: error preallocating assembled file")
		}
	}

	h := hashing.NewHasher()
	buf := make([]byte, assemblyBufferSize)
	var written int64

	for _, c := range s.Chunks {
		if err := copyChunkInto(out, h, chunkFilePath(s.TempDir, c.Index), buf); err != nil {
			return "", 0, err
		}
		written += c.Size
	}

	if err := out.Sync(); err != nil {
		return "", 0, errors.Wrap(err, "chunkupload: error syncing assembled file")
	}

	for _, c := range s.Chunks {
		_ = os.Remove(chunkFilePath(s.TempDir, c.Index))
	}

	return h.SumHex(), written, nil
}

func copyChunkInto(out io.Writer, h *hashing.Hasher, chunkPath string, buf []byte) error {
	in, err := os.Open(chunkPath)
	if err != nil {
		return errors.Wrap(err, "chunkupload: error opening chunk file")
	}
	defer in.Close()

	w := io.MultiWriter(out, h)
	if _, err := io.CopyBuffer(w, in, buf); err != nil {
		return errors.Wrap(err, "chunkupload: error assembling chunk")
	}
	return nil
}
