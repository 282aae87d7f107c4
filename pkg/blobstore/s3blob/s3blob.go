// Package s3blob is the S3-compatible alternate blobstore.Store backend,
// satisfying the same capability interface as localfs so the repository
// never knows which is mounted. minio-go/v7 sits in the teacher's own
// go.mod (reva pulls it in for its S3-compatible storage paths); this
// package is where that dependency actually gets exercised, since the
// teacher itself never calls it directly.
package s3blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/blobstore"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/errtypes"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/hashing"
)

// Store is a minio-go-backed blobstore.Store. Object keys are the blob's
// hash under a fixed prefix, mirroring localfs's two-level shard layout
// so bucket listings stay browsable.
type Store struct {
	client *minio.Client
	bucket string
	prefix string

	// refs is kept out-of-band from S3 object metadata, since S3 has
	// no atomic increment primitive; callers are expected to point this
	// backend at a dedicated bucket managed only by this process, or to
	// accept best-effort ref counting under concurrent writers.
	refs refCounter
}

// refCounter abstracts the ref_count bookkeeping so it can be backed by
// pkg/db's blobs table exactly like localfs, without this package
// depending on database/sql directly.
type refCounter interface {
	Increment(ctx context.Context, hash string, size int64, contentType string) (refCount int64, isNew bool, err error)
	Decrement(ctx context.Context, hash string) (refCount int64, err error)
	Get(ctx context.Context, hash string) (size int64, refCount int64, contentType string, createdAt time.Time, err error)
	Delete(ctx context.Context, hash string) error
	All(ctx context.Context) (map[string]int64, error)
}

// Option configures a Store.
type Option func(*Store)

// New builds a Store against an S3-compatible endpoint.
func New(endpoint, accessKey, secretKey, bucket, prefix string, useSSL bool, refs refCounter) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "s3blob: error creating minio client")
	}
	return &Store{client: client, bucket: bucket, prefix: strings.TrimSuffix(prefix, "/"), refs: refs}, nil
}

func (s *Store) key(hash string) string {
	if s.prefix == "" {
		return hash[0:2] + "/" + hash[2:4] + "/" + hash
	}
	return s.prefix + "/" + hash[0:2] + "/" + hash[2:4] + "/" + hash
}

// StoreBytes implements blobstore.Store.
func (s *Store) StoreBytes(ctx context.Context, data []byte, contentType string) (blobstore.StoreResult, error) {
	hash := hashing.HashBytes(data)
	return s.store(ctx, hash, int64(len(data)), contentType, bytes.NewReader(data))
}

// StoreStream implements blobstore.Store.
func (s *Store) StoreStream(ctx context.Context, r io.Reader, contentType string) (blobstore.StoreResult, error) {
	// minio-go's PutObject needs to know the length up front for
	// single-shot uploads, so the whole stream is buffered in memory
	// (hashed on the way) before the upload; memory use grows with the
	// size of the blob.
	h := hashing.NewHasher()
	var buf bytes.Buffer
	size, err := io.Copy(io.MultiWriter(&buf, h), r)
	if err != nil {
		return blobstore.StoreResult{}, errors.Wrap(err, "s3blob: error buffering upload")
	}
	return s.store(ctx, h.SumHex(), size, contentType, bytes.NewReader(buf.Bytes()))
}

func (s *Store) store(ctx context.Context, hash string, size int64, contentType string, body io.Reader) (blobstore.StoreResult, error) {
	_, isNew, err := s.refs.Increment(ctx, hash, size, contentType)
	if err != nil {
		return blobstore.StoreResult{}, errors.Wrap(err, "s3blob: error updating ref count")
	}
	if !isNew {
		return blobstore.StoreResult{
			Outcome:    blobstore.ExistingBlob,
			Hash:       hash,
			Size:       size,
			BytesSaved: size,
		}, nil
	}

	_, err = s.client.PutObject(ctx, s.bucket, s.key(hash), body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return blobstore.StoreResult{}, errors.Wrap(err, "s3blob: error uploading object")
	}
	return blobstore.StoreResult{Outcome: blobstore.NewBlob, Hash: hash, Size: size}, nil
}

// ReadBlobStream implements blobstore.Store.
func (s *Store) ReadBlobStream(ctx context.Context, hash string) (io.ReadCloser, error) {
	if err := hashing.ValidateHex(hash); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(hash), minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "s3blob: error opening object")
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, errtypes.NotFound("blob " + hash)
		}
		return nil, errors.Wrap(err, "s3blob: error statting object")
	}
	return obj, nil
}

// GetBlobMetadata implements blobstore.Store.
func (s *Store) GetBlobMetadata(ctx context.Context, hash string) (blobstore.Metadata, error) {
	if err := hashing.ValidateHex(hash); err != nil {
		return blobstore.Metadata{}, err
	}
	size, refCount, contentType, createdAt, err := s.refs.Get(ctx, hash)
	if err != nil {
		return blobstore.Metadata{}, err
	}
	return blobstore.Metadata{
		Hash:        hash,
		Size:        size,
		RefCount:    refCount,
		ContentType: contentType,
		CreatedAt:   createdAt,
	}, nil
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
	refCount, err := s.refs.Decrement(ctx, hash)
	if err != nil {
		return false, errors.Wrap(err, "s3blob: error decrementing ref count")
	}
	if refCount > 0 {
		return false, nil
	}
	if err := s.refs.Delete(ctx, hash); err != nil {
		return false, errors.Wrap(err, "s3blob: error deleting blob row")
	}
	err = s.client.RemoveObject(ctx, s.bucket, s.key(hash), minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return false, errors.Wrap(err, "s3blob: error removing object")
	}
	return true, nil
}

// VerifyIntegrity implements blobstore.Store.
func (s *Store) VerifyIntegrity(ctx context.Context) ([]blobstore.Issue, error) {
	rows, err := s.refs.All(ctx)
	if err != nil {
		return nil, err
	}

	var issues []blobstore.Issue
	for hash, size := range rows {
		info, err := s.client.StatObject(ctx, s.bucket, s.key(hash), minio.StatObjectOptions{})
		switch {
		case isNotFound(err):
			issues = append(issues, blobstore.Issue{Hash: hash, Kind: blobstore.IssueMissingFile})
		case err != nil:
			issues = append(issues, blobstore.Issue{Hash: hash, Kind: blobstore.IssueMissingFile, Detail: err.Error()})
		case info.Size != size:
			issues = append(issues, blobstore.Issue{Hash: hash, Kind: blobstore.IssueSizeMismatch})
		}
	}
	return issues, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}
