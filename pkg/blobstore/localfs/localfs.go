// Package localfs is the default blobstore.Store backend: content is
// sharded two levels deep under a root directory and written atomically
// via temp-file + fsync + rename, the same durable-write idiom reva's
// decomposedfs uses for node data, grounded here on google/renameio
// instead of a hand-rolled temp+os.Rename helper.
package localfs

import (
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/blobstore"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/errtypes"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/hashing"
)

// readChunkSize is the buffer size used when streaming blobs back out, so
// callers serve arbitrarily large blobs in constant memory.
const readChunkSize = 64 * 1024

// Store is a filesystem-backed, SQLite-indexed content-addressed blob
// store.
type Store struct {
	root string
	db   *sql.DB

	locks keyedMutex
}

// New opens a Store rooted at root, using db for the blob table. root's
// "blobs" subdirectory is created if missing.
func New(root string, db *sql.DB) (*Store, error) {
	blobsDir := filepath.Join(root, "blobs")
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "localfs: error creating blobs directory")
	}
	return &Store{root: root, db: db}, nil
}

func (s *Store) shardPath(hash string) string {
	return filepath.Join(s.root, "blobs", hash[0:2], hash[2:4], hash)
}

// StoreBytes implements blobstore.Store.
func (s *Store) StoreBytes(ctx context.Context, data []byte, contentType string) (blobstore.StoreResult, error) {
	hash := hashing.HashBytes(data)
	return s.store(ctx, hash, int64(len(data)), contentType, func(path string) error {
		return writeAtomic(path, data)
	})
}

// StoreStream implements blobstore.Store.
func (s *Store) StoreStream(ctx context.Context, r io.Reader, contentType string) (blobstore.StoreResult, error) {
	tmp, err := os.CreateTemp(s.root, "blob-upload-*")
	if err != nil {
		return blobstore.StoreResult{}, errors.Wrap(err, "localfs: error creating temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := hashing.NewHasher()
	size, err := io.CopyBuffer(io.MultiWriter(tmp, h), r, make([]byte, readChunkSize))
	if err != nil {
		tmp.Close()
		return blobstore.StoreResult{}, errors.Wrap(err, "localfs: error writing blob stream")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return blobstore.StoreResult{}, errors.Wrap(err, "localfs: error syncing blob stream")
	}
	if err := tmp.Close(); err != nil {
		return blobstore.StoreResult{}, errors.Wrap(err, "localfs: error closing blob stream")
	}

	hash := h.SumHex()
	return s.store(ctx, hash, size, contentType, func(path string) error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.Rename(tmpPath, path)
	})
}

// store is the shared dedup-or-write path for both StoreBytes and
// StoreStream: it checks the row table first under a per-hash lock, then
// either bumps ref_count or writes the bytes and inserts a new row.
func (s *Store) store(ctx context.Context, hash string, size int64, contentType string, write func(path string) error) (blobstore.StoreResult, error) {
	unlock := s.locks.Lock(hash)
	defer unlock()

	var existingSize int64
	err := s.db.QueryRowContext(ctx, `SELECT size FROM blobs WHERE hash = ?`, hash).Scan(&existingSize)
	switch {
	case err == nil:
		if _, err := s.db.ExecContext(ctx, `UPDATE blobs SET ref_count = ref_count + 1 WHERE hash = ?`, hash); err != nil {
			return blobstore.StoreResult{}, errors.Wrap(err, "localfs: error incrementing ref_count")
		}
		return blobstore.StoreResult{
			Outcome:    blobstore.ExistingBlob,
			Hash:       hash,
			Size:       existingSize,
			BytesSaved: existingSize,
		}, nil
	case errors.Is(err, sql.ErrNoRows):
		path := s.shardPath(hash)
		if err := write(path); err != nil {
			return blobstore.StoreResult{}, errors.Wrap(err, "localfs: error writing blob")
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO blobs(hash, size, ref_count, content_type, created_at) VALUES (?, ?, 1, ?, ?)`,
			hash, size, contentType, time.Now().UTC().Format(time.RFC3339),
		)
		if err != nil {
			return blobstore.StoreResult{}, errors.Wrap(err, "localfs: error inserting blob row")
		}
		return blobstore.StoreResult{Outcome: blobstore.NewBlob, Hash: hash, Size: size}, nil
	default:
		return blobstore.StoreResult{}, errors.Wrap(err, "localfs: error querying blob row")
	}
}

// ReadBlobStream implements blobstore.Store.
func (s *Store) ReadBlobStream(ctx context.Context, hash string) (io.ReadCloser, error) {
	if err := hashing.ValidateHex(hash); err != nil {
		return nil, err
	}
	f, err := os.Open(s.shardPath(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errtypes.NotFound("blob " + hash)
	}
	if err != nil {
		return nil, errors.Wrap(err, "localfs: error opening blob")
	}
	return f, nil
}

// GetBlobMetadata implements blobstore.Store.
func (s *Store) GetBlobMetadata(ctx context.Context, hash string) (blobstore.Metadata, error) {
	if err := hashing.ValidateHex(hash); err != nil {
		return blobstore.Metadata{}, err
	}
	var (
		m         blobstore.Metadata
		createdAt string
	)
	m.Hash = hash
	err := s.db.QueryRowContext(ctx,
		`SELECT size, ref_count, content_type, created_at FROM blobs WHERE hash = ?`, hash,
	).Scan(&m.Size, &m.RefCount, &m.ContentType, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return blobstore.Metadata{}, errtypes.NotFound("blob " + hash)
	}
	if err != nil {
		return blobstore.Metadata{}, errors.Wrap(err, "localfs: error querying blob metadata")
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return m, nil
}

// BlobSize implements blobstore.Store.
func (s *Store) BlobSize(ctx context.Context, hash string) (int64, error) {
	m, err := s.GetBlobMetadata(ctx, hash)
	if err != nil {
		return 0, err
	}
	return m.Size, nil
}

// RemoveReference implements blobstore.Store.
func (s *Store) RemoveReference(ctx context.Context, hash string) (bool, error) {
	if err := hashing.ValidateHex(hash); err != nil {
		return false, err
	}

	unlock := s.locks.Lock(hash)
	defer unlock()

	var refCount int64
	err := s.db.QueryRowContext(ctx, `SELECT ref_count FROM blobs WHERE hash = ?`, hash).Scan(&refCount)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil // idempotent: already gone
	}
	if err != nil {
		return false, errors.Wrap(err, "localfs: error querying ref_count")
	}

	if refCount > 1 {
		_, err := s.db.ExecContext(ctx, `UPDATE blobs SET ref_count = ref_count - 1 WHERE hash = ?`, hash)
		return false, errors.Wrap(err, "localfs: error decrementing ref_count")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE hash = ?`, hash); err != nil {
		return false, errors.Wrap(err, "localfs: error deleting blob row")
	}
	if err := os.Remove(s.shardPath(hash)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, errors.Wrap(err, "localfs: error unlinking blob")
	}
	return true, nil
}

// VerifyIntegrity implements blobstore.Store.
func (s *Store) VerifyIntegrity(ctx context.Context) ([]blobstore.Issue, error) {
	var issues []blobstore.Issue

	rows, err := s.db.QueryContext(ctx, `SELECT hash, size FROM blobs`)
	if err != nil {
		return nil, errors.Wrap(err, "localfs: error listing blobs")
	}
	known := map[string]bool{}
	for rows.Next() {
		var hash string
		var size int64
		if err := rows.Scan(&hash, &size); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "localfs: error scanning blob row")
		}
		known[hash] = true

		info, statErr := os.Stat(s.shardPath(hash))
		switch {
		case errors.Is(statErr, os.ErrNotExist):
			issues = append(issues, blobstore.Issue{Hash: hash, Kind: blobstore.IssueMissingFile})
		case statErr != nil:
			issues = append(issues, blobstore.Issue{Hash: hash, Kind: blobstore.IssueMissingFile, Detail: statErr.Error()})
		case info.Size() != size:
			issues = append(issues, blobstore.Issue{Hash: hash, Kind: blobstore.IssueSizeMismatch})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	walkErr := filepath.WalkDir(filepath.Join(s.root, "blobs"), func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		hash := d.Name()
		if !known[hash] {
			issues = append(issues, blobstore.Issue{Hash: hash, Kind: blobstore.IssueOrphanedFile})
		}
		return nil
	})
	if walkErr != nil {
		return nil, errors.Wrap(walkErr, "localfs: error walking blob tree")
	}

	return issues, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o644)
}

// keyedMutex is a map of per-hash locks so StoreBytes/RemoveReference
// serialise only on the hash they touch, not on the whole store.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
