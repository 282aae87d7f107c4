// Package repository is the read/write port over the blob store, the
// path/id mapping service, and the metadata cache: the component every
// protocol handler ultimately calls into. It is grounded on the layered
// read-facade-over-storage.FS pattern reva's storageprovider service
// uses to mediate every CS3 call, adapted here to a path-addressed
// dedup file tree instead of reva's node-id decomposed layout.
package repository

import (
	"context"
	"io"
	"time"
)

// File is a metadata row referencing a blob by hash. A file borrows,
// never owns, the bytes its blob_hash points at.
type File struct {
	ID                string
	Name              string
	ParentFolderID    string // empty string means root
	BlobHash          string
	Size              int64
	MimeType          string
	OwnerID           string
	CreatedAt         time.Time
	ModifiedAt        time.Time
	TrashedAt         *time.Time
	TrashOriginalPath string
}

// InTrash reports whether the file currently lives in the trash.
func (f File) InTrash() bool { return f.TrashedAt != nil }

// Folder is a metadata row. Root folders have an empty ParentFolderID.
type Folder struct {
	ID             string
	Name           string
	ParentFolderID string
	OwnerID        string
	CreatedAt      time.Time
	ModifiedAt     time.Time
}

// Version is a single retained prior revision of a file's content.
type Version struct {
	FileID    string
	Version   int
	BlobHash  string
	Size      int64
	CreatedAt time.Time
}

// ReadPort is the read-only half of the repository contract; callers
// that only ever list or download content depend on this alone.
type ReadPort interface {
	GetFile(ctx context.Context, id string) (File, error)
	GetFileByPath(ctx context.Context, path string) (File, error)
	ListFiles(ctx context.Context, folderID string) ([]File, error)
	ListFilesBatch(ctx context.Context, folderID string, offset, limit int) ([]File, error)
	GetFileContent(ctx context.Context, id string) ([]byte, error)
	GetFileStream(ctx context.Context, id string) (io.ReadCloser, error)
	GetFileRangeStream(ctx context.Context, id string, start int64, end *int64) (io.ReadCloser, error)
	GetFilePath(ctx context.Context, id string) (string, error)
	GetParentFolderID(ctx context.Context, path string) (string, error)
	ListVersions(ctx context.Context, id string) ([]Version, error)
	ListTrash(ctx context.Context) ([]File, error)
	GetFolder(ctx context.Context, id string) (Folder, error)
	GetFolderByPath(ctx context.Context, path string) (Folder, error)
	ListFolders(ctx context.Context, parentFolderID string) ([]Folder, error)
}

// WritePort is the mutating half of the repository contract.
type WritePort interface {
	SaveFile(ctx context.Context, name, folderID, contentType string, data []byte) (File, error)
	SaveFileFromStream(ctx context.Context, name, folderID, contentType string, r io.Reader) (File, error)
	MoveFile(ctx context.Context, id, targetFolderID string) error
	RenameFile(ctx context.Context, id, newName string) error
	DeleteFile(ctx context.Context, id string) error
	UpdateFileContent(ctx context.Context, id string, data []byte) error
	MoveToTrash(ctx context.Context, id string) error
	RestoreFromTrash(ctx context.Context, id, originalPath string) error
	DeleteFilePermanently(ctx context.Context, id string) error
	CopyFile(ctx context.Context, id, targetFolderID string) (File, error)
	CopyFolderTree(ctx context.Context, folderID, targetParentID, newName string) (Folder, error)
	PurgeTrash(ctx context.Context) error
	RestoreVersion(ctx context.Context, id string, version int) error
	CreateFolder(ctx context.Context, name, parentFolderID string) (Folder, error)
	DeleteFolder(ctx context.Context, id string) error
	MoveFolder(ctx context.Context, id, targetParentID, newName string) error
}
