// Package blobstore defines the content-addressed, deduplicating blob
// storage contract shared by every backend (local filesystem, S3). The
// same capability-interface pattern reva uses to dispatch across its
// storage/fs drivers (eoswrapper, decomposedfs, and the rest all satisfy
// one storage.FS interface) applies here: callers depend on Store, never
// on a concrete backend.
package blobstore

import (
	"context"
	"io"
	"time"
)

// Outcome distinguishes a brand-new blob write from a deduplicated one.
type Outcome int

const (
	// NewBlob indicates the bytes had never been seen before.
	NewBlob Outcome = iota
	// ExistingBlob indicates the bytes already existed and only the
	// reference count was incremented.
	ExistingBlob
)

// StoreResult is returned by Store.StoreBytes.
type StoreResult struct {
	Outcome    Outcome
	Hash       string
	Size       int64
	BytesSaved int64
}

// Metadata describes a single blob row.
type Metadata struct {
	Hash        string
	Size        int64
	RefCount    int64
	ContentType string
	CreatedAt   time.Time
}

// Issue describes a single integrity problem surfaced by VerifyIntegrity.
type Issue struct {
	Hash   string
	Kind   IssueKind
	Detail string
}

// IssueKind enumerates the problems VerifyIntegrity can detect.
type IssueKind string

const (
	// IssueMissingFile means a row exists with no backing file on disk.
	IssueMissingFile IssueKind = "missing_file"
	// IssueSizeMismatch means the on-disk file size disagrees with the row.
	IssueSizeMismatch IssueKind = "size_mismatch"
	// IssueOrphanedFile means a file exists on disk with no matching row.
	IssueOrphanedFile IssueKind = "orphaned_file"
)

// Store is the content-addressed blob storage contract. Every method is
// safe for concurrent use.
type Store interface {
	// StoreBytes hashes data, deduplicating against any existing blob with
	// the same hash.
	StoreBytes(ctx context.Context, data []byte, contentType string) (StoreResult, error)

	// StoreStream is the streaming equivalent of StoreBytes, for callers
	// that never want the full payload resident in memory at once.
	StoreStream(ctx context.Context, r io.Reader, contentType string) (StoreResult, error)

	// ReadBlobStream opens hash for reading. Callers must Close the
	// returned ReadCloser.
	ReadBlobStream(ctx context.Context, hash string) (io.ReadCloser, error)

	// GetBlobMetadata returns the stored row for hash.
	GetBlobMetadata(ctx context.Context, hash string) (Metadata, error)

	// BlobSize is a cheap accessor equivalent to GetBlobMetadata(...).Size.
	BlobSize(ctx context.Context, hash string) (int64, error)

	// RemoveReference decrements hash's reference count, deleting the
	// underlying file and row once it reaches zero. Returns whether the
	// blob was actually deleted. Idempotent: removing an already-gone
	// blob is not an error.
	RemoveReference(ctx context.Context, hash string) (deleted bool, err error)

	// VerifyIntegrity walks the blob table and reports every issue found.
	// It never repairs anything itself.
	VerifyIntegrity(ctx context.Context) ([]Issue, error)
}
