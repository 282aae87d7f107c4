package repository

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/blobstore"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/errtypes"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/mapping"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/metacache"
)

// Repository is the concrete ReadPort+WritePort implementation: SQLite
// metadata rows, a blobstore.Store for content, two mapping.Store
// instances (folders, files) for path<->id lookups, and a metacache.Cache
// that every write invalidates. Reads go straight to the database; the
// repository does not look entries up in the cache.
type Repository struct {
	db        *sql.DB
	blobs     blobstore.Store
	fileIDs   *mapping.Store
	folderIDs *mapping.Store
	cache     *metacache.Cache
	root      string

	fileOpTimeout time.Duration
	dirOpTimeout  time.Duration
}

// New builds a Repository. root is the storage root used for trash
// markers and streaming-upload temp files (blob bytes themselves live
// under blobs, owned exclusively by the blobstore.Store).
func New(db *sql.DB, blobs blobstore.Store, fileIDs, folderIDs *mapping.Store, cache *metacache.Cache, root string, fileOpTimeout, dirOpTimeout time.Duration) *Repository {
	return &Repository{
		db:            db,
		blobs:         blobs,
		fileIDs:       fileIDs,
		folderIDs:     folderIDs,
		cache:         cache,
		root:          root,
		fileOpTimeout: fileOpTimeout,
		dirOpTimeout:  dirOpTimeout,
	}
}

var _ ReadPort = (*Repository)(nil)
var _ WritePort = (*Repository)(nil)

// --- read port -------------------------------------------------------

// GetFile implements ReadPort.
func (r *Repository) GetFile(ctx context.Context, id string) (File, error) {
	return r.withFileTimeout(ctx, func(ctx context.Context) (File, error) {
		return r.scanFile(ctx, `SELECT id, name, parent_folder_id, blob_hash, size, mime_type, owner_id, created_at, modified_at, trashed_at, trash_original_path FROM files WHERE id = ?`, id)
	})
}

// GetFileByPath implements ReadPort.
func (r *Repository) GetFileByPath(ctx context.Context, p string) (File, error) {
	id, err := r.fileIDs.GetIDByPath(p)
	if err != nil {
		return File{}, err
	}
	return r.GetFile(ctx, id)
}

// ListFiles implements ReadPort.
func (r *Repository) ListFiles(ctx context.Context, folderID string) ([]File, error) {
	return r.listFiles(ctx, folderID, 0, -1)
}

// ListFilesBatch implements ReadPort.
func (r *Repository) ListFilesBatch(ctx context.Context, folderID string, offset, limit int) ([]File, error) {
	return r.listFiles(ctx, folderID, offset, limit)
}

func (r *Repository) listFiles(ctx context.Context, folderID string, offset, limit int) ([]File, error) {
	query := `SELECT id, name, parent_folder_id, blob_hash, size, mime_type, owner_id, created_at, modified_at, trashed_at, trash_original_path
	          FROM files WHERE parent_folder_id IS ? AND trashed_at IS NULL ORDER BY name`
	args := []any{nullableID(folderID)}
	if limit >= 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "repository: error listing files")
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		f, err := scanFileRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetFileContent implements ReadPort.
func (r *Repository) GetFileContent(ctx context.Context, id string) ([]byte, error) {
	f, err := r.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	rc, err := r.blobs.ReadBlobStream(ctx, f.BlobHash)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// GetFileStream implements ReadPort.
func (r *Repository) GetFileStream(ctx context.Context, id string) (io.ReadCloser, error) {
	f, err := r.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.blobs.ReadBlobStream(ctx, f.BlobHash)
}

// GetFileRangeStream implements ReadPort. end is inclusive and clamped to
// file_size-1; nil means "to the end".
func (r *Repository) GetFileRangeStream(ctx context.Context, id string, start int64, end *int64) (io.ReadCloser, error) {
	f, err := r.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if start >= f.Size {
		return nil, errtypes.InvalidInput("range start beyond file size")
	}

	stop := f.Size - 1
	if end != nil && *end < stop {
		stop = *end
	}

	rc, err := r.blobs.ReadBlobStream(ctx, f.BlobHash)
	if err != nil {
		return nil, err
	}
	if start > 0 {
		if _, err := io.CopyN(io.Discard, rc, start); err != nil {
			rc.Close()
			return nil, errors.Wrap(err, "repository: error seeking to range start")
		}
	}
	return limitedReadCloser{r: io.LimitReader(rc, stop-start+1), c: rc}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l limitedReadCloser) Close() error               { return l.c.Close() }

// GetFilePath implements ReadPort.
func (r *Repository) GetFilePath(ctx context.Context, id string) (string, error) {
	return r.fileIDs.GetPathByID(id)
}

// GetParentFolderID implements ReadPort.
func (r *Repository) GetParentFolderID(ctx context.Context, p string) (string, error) {
	return r.folderIDs.GetIDByPath(path.Dir(p))
}

// ListVersions implements ReadPort.
func (r *Repository) ListVersions(ctx context.Context, id string) ([]Version, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT file_id, version, blob_hash, size, created_at FROM file_versions WHERE file_id = ? ORDER BY version DESC`, id)
	if err != nil {
		return nil, errors.Wrap(err, "repository: error listing versions")
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		var v Version
		var createdAt string
		if err := rows.Scan(&v.FileID, &v.Version, &v.BlobHash, &v.Size, &createdAt); err != nil {
			return nil, err
		}
		v.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListTrash implements ReadPort.
func (r *Repository) ListTrash(ctx context.Context) ([]File, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, parent_folder_id, blob_hash, size, mime_type, owner_id, created_at, modified_at, trashed_at, trash_original_path
		 FROM files WHERE trashed_at IS NOT NULL ORDER BY trashed_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "repository: error listing trash")
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		f, err := scanFileRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// --- write port --------------------------------------------------------

// SaveFile implements WritePort.
func (r *Repository) SaveFile(ctx context.Context, name, folderID, contentType string, data []byte) (File, error) {
	return r.saveFile(ctx, name, folderID, contentType, bytes.NewReader(data), int64(len(data)))
}

// SaveFileFromStream implements WritePort. It spools the stream to a
// *.tmp.upload file before committing, never holding the full body in
// memory.
func (r *Repository) SaveFileFromStream(ctx context.Context, name, folderID, contentType string, rdr io.Reader) (File, error) {
	tmp, err := os.CreateTemp(r.root, "*.tmp.upload")
	if err != nil {
		return File{}, errors.Wrap(err, "repository: error creating spool file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	size, err := io.Copy(tmp, rdr)
	if err != nil {
		tmp.Close()
		return File{}, errors.Wrap(err, "repository: error spooling upload")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return File{}, errors.Wrap(err, "repository: error syncing spool file")
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return File{}, err
	}
	defer tmp.Close()

	return r.saveFile(ctx, name, folderID, contentType, tmp, size)
}

func (r *Repository) saveFile(ctx context.Context, name, folderID, contentType string, body io.Reader, size int64) (File, error) {
	res, err := r.blobs.StoreStream(ctx, body, contentType)
	if err != nil {
		return File{}, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return File{}, errors.Wrap(err, "repository: error beginning transaction")
	}
	defer tx.Rollback()

	uniqueName, err := r.uniqueNameTx(ctx, tx, folderID, name)
	if err != nil {
		return File{}, err
	}

	now := time.Now().UTC()
	id := newID()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO files(id, name, parent_folder_id, blob_hash, size, mime_type, owner_id, created_at, modified_at)
		 VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)`,
		id, uniqueName, nullableID(folderID), res.Hash, res.Size, contentType, now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return File{}, errors.Wrap(err, "repository: error inserting file row")
	}
	if err := tx.Commit(); err != nil {
		return File{}, errors.Wrap(err, "repository: error committing file save")
	}

	folderPath, err := r.folderPath(ctx, folderID)
	if err != nil {
		return File{}, err
	}
	filePath := joinPath(folderPath, uniqueName)
	r.fileIDs.Set(id, filePath)
	if err := r.persistIDsWithVerify(ctx); err != nil {
		return File{}, err
	}

	r.invalidateWrite(filePath, folderPath)

	return File{
		ID: id, Name: uniqueName, ParentFolderID: folderID, BlobHash: res.Hash,
		Size: res.Size, MimeType: contentType, CreatedAt: now, ModifiedAt: now,
	}, nil
}

// MoveFile implements WritePort.
func (r *Repository) MoveFile(ctx context.Context, id, targetFolderID string) error {
	f, err := r.GetFile(ctx, id)
	if err != nil {
		return err
	}
	if f.ParentFolderID == targetFolderID {
		return nil // same parent: a no-op move, not a rename
	}

	oldPath, err := r.fileIDs.GetPathByID(id)
	if err != nil {
		return err
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE files SET parent_folder_id = ?, modified_at = ? WHERE id = ?`,
		nullableID(targetFolderID), time.Now().UTC().Format(time.RFC3339), id,
	); err != nil {
		return errors.Wrap(err, "repository: error moving file")
	}

	newFolderPath, err := r.folderPath(ctx, targetFolderID)
	if err != nil {
		return err
	}
	newPath := joinPath(newFolderPath, f.Name)
	r.fileIDs.Set(id, newPath)
	if err := r.persistIDsWithVerify(ctx); err != nil {
		return err
	}

	r.invalidateWrite(oldPath, path.Dir(oldPath))
	r.invalidateWrite(newPath, newFolderPath)
	return nil
}

// RenameFile implements WritePort.
func (r *Repository) RenameFile(ctx context.Context, id, newName string) error {
	f, err := r.GetFile(ctx, id)
	if err != nil {
		return err
	}
	oldPath, err := r.fileIDs.GetPathByID(id)
	if err != nil {
		return err
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE files SET name = ?, modified_at = ? WHERE id = ?`,
		newName, time.Now().UTC().Format(time.RFC3339), id,
	); err != nil {
		return errors.Wrap(err, "repository: error renaming file")
	}

	folderPath, err := r.folderPath(ctx, f.ParentFolderID)
	if err != nil {
		return err
	}
	newPath := joinPath(folderPath, newName)
	r.fileIDs.Set(id, newPath)
	if err := r.persistIDsWithVerify(ctx); err != nil {
		return err
	}

	r.invalidateWrite(oldPath, folderPath)
	r.invalidateWrite(newPath, folderPath)
	return nil
}

// DeleteFile implements WritePort.
func (r *Repository) DeleteFile(ctx context.Context, id string) error {
	f, err := r.GetFile(ctx, id)
	if err != nil {
		return err
	}
	p, _ := r.fileIDs.GetPathByID(id)

	if _, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id); err != nil {
		return errors.Wrap(err, "repository: error deleting file row")
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM file_versions WHERE file_id = ?`, id); err != nil {
		return errors.Wrap(err, "repository: error deleting file versions")
	}
	if _, err := r.blobs.RemoveReference(ctx, f.BlobHash); err != nil {
		return err
	}
	_ = r.fileIDs.RemoveID(id)
	if err := r.persistIDsWithVerify(ctx); err != nil {
		return err
	}

	if p != "" {
		r.invalidateWrite(p, path.Dir(p))
	}
	return nil
}

// UpdateFileContent implements WritePort. The previous content becomes a
// retained version row.
func (r *Repository) UpdateFileContent(ctx context.Context, id string, data []byte) error {
	f, err := r.GetFile(ctx, id)
	if err != nil {
		return err
	}

	res, err := r.blobs.StoreBytes(ctx, data, f.MimeType)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "repository: error beginning transaction")
	}
	defer tx.Rollback()

	var nextVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM file_versions WHERE file_id = ?`, id).Scan(&nextVersion); err != nil {
		return errors.Wrap(err, "repository: error computing next version")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO file_versions(file_id, version, blob_hash, size, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, nextVersion, f.BlobHash, f.Size, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return errors.Wrap(err, "repository: error inserting version row")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE files SET blob_hash = ?, size = ?, modified_at = ? WHERE id = ?`,
		res.Hash, res.Size, time.Now().UTC().Format(time.RFC3339), id,
	); err != nil {
		return errors.Wrap(err, "repository: error updating file content")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "repository: error committing content update")
	}

	if p, err := r.fileIDs.GetPathByID(id); err == nil {
		r.invalidateWrite(p, path.Dir(p))
	}
	return nil
}

// RestoreVersion implements WritePort: makes the given historical version
// the current content, pushing today's content onto the version stack.
func (r *Repository) RestoreVersion(ctx context.Context, id string, version int) error {
	var blobHash string
	var size int64
	err := r.db.QueryRowContext(ctx, `SELECT blob_hash, size FROM file_versions WHERE file_id = ? AND version = ?`, id, version).Scan(&blobHash, &size)
	if errors.Is(err, sql.ErrNoRows) {
		return errtypes.NotFound("version")
	}
	if err != nil {
		return errors.Wrap(err, "repository: error reading version row")
	}

	if _, err := r.GetFile(ctx, id); err != nil {
		return err
	}

	// Restoring re-applies the historical blob's bytes through the normal
	// dedup-aware write path, so the current content becomes a new version
	// in turn rather than being discarded.
	old, err := r.blobs.ReadBlobStream(ctx, blobHash)
	if err != nil {
		return err
	}
	defer old.Close()
	restored, err := io.ReadAll(old)
	if err != nil {
		return err
	}
	_ = size
	return r.UpdateFileContent(ctx, id, restored)
}

// MoveToTrash implements WritePort.
func (r *Repository) MoveToTrash(ctx context.Context, id string) error {
	if _, err := r.GetFile(ctx, id); err != nil {
		return err
	}
	origPath, err := r.fileIDs.GetPathByID(id)
	if err != nil {
		return err
	}

	trashDir := filepath.Join(r.root, ".trash", "files")
	if err := os.MkdirAll(trashDir, 0o755); err != nil {
		return errors.Wrap(err, "repository: error creating trash directory")
	}
	marker := filepath.Join(trashDir, id)
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return errors.Wrap(err, "repository: error writing trash marker")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := r.db.ExecContext(ctx,
		`UPDATE files SET trashed_at = ?, trash_original_path = ? WHERE id = ?`,
		now, origPath, id,
	); err != nil {
		return errors.Wrap(err, "repository: error marking file trashed")
	}

	trashPath := "/.trash/files/" + id
	r.fileIDs.Set(id, trashPath)
	if err := r.persistIDsWithVerify(ctx); err != nil {
		return err
	}

	r.invalidateWrite(origPath, path.Dir(origPath))
	return nil
}

// RestoreFromTrash implements WritePort.
func (r *Repository) RestoreFromTrash(ctx context.Context, id, originalPath string) error {
	marker := filepath.Join(r.root, ".trash", "files", id)
	if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "repository: error removing trash marker")
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE files SET trashed_at = NULL, trash_original_path = '' WHERE id = ?`, id,
	); err != nil {
		return errors.Wrap(err, "repository: error restoring file")
	}

	r.fileIDs.Set(id, originalPath)
	if err := r.persistIDsWithVerify(ctx); err != nil {
		return err
	}
	r.invalidateWrite(originalPath, path.Dir(originalPath))
	return nil
}

// DeleteFilePermanently implements WritePort.
func (r *Repository) DeleteFilePermanently(ctx context.Context, id string) error {
	f, err := r.GetFile(ctx, id)
	if err != nil {
		return err
	}

	marker := filepath.Join(r.root, ".trash", "files", id)
	_ = os.Remove(marker)

	if _, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id); err != nil {
		return errors.Wrap(err, "repository: error deleting file row")
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM file_versions WHERE file_id = ?`, id); err != nil {
		return errors.Wrap(err, "repository: error deleting version rows")
	}
	if _, err := r.blobs.RemoveReference(ctx, f.BlobHash); err != nil {
		return err
	}
	_ = r.fileIDs.RemoveID(id)
	return r.persistIDsWithVerify(ctx)
}

// PurgeTrash implements WritePort: permanently deletes every trashed file.
func (r *Repository) PurgeTrash(ctx context.Context) error {
	trashed, err := r.ListTrash(ctx)
	if err != nil {
		return err
	}
	for _, f := range trashed {
		if err := r.DeleteFilePermanently(ctx, f.ID); err != nil {
			return err
		}
	}
	return nil
}

// CopyFile implements WritePort. Zero-copy: a new row referencing the
// same blob, with the blob's ref_count incremented, no bytes read.
func (r *Repository) CopyFile(ctx context.Context, id, targetFolderID string) (File, error) {
	f, err := r.GetFile(ctx, id)
	if err != nil {
		return File{}, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return File{}, errors.Wrap(err, "repository: error beginning transaction")
	}
	defer tx.Rollback()

	name, err := r.uniqueNameTx(ctx, tx, targetFolderID, f.Name)
	if err != nil {
		return File{}, err
	}

	newID := newID()
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO files(id, name, parent_folder_id, blob_hash, size, mime_type, owner_id, created_at, modified_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		newID, name, nullableID(targetFolderID), f.BlobHash, f.Size, f.MimeType, f.OwnerID,
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	); err != nil {
		return File{}, errors.Wrap(err, "repository: error inserting copied file row")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE blobs SET ref_count = ref_count + 1 WHERE hash = ?`, f.BlobHash); err != nil {
		return File{}, errors.Wrap(err, "repository: error incrementing blob ref count")
	}
	if err := tx.Commit(); err != nil {
		return File{}, errors.Wrap(err, "repository: error committing file copy")
	}

	folderPath, err := r.folderPath(ctx, targetFolderID)
	if err != nil {
		return File{}, err
	}
	newPath := joinPath(folderPath, name)
	r.fileIDs.Set(newID, newPath)
	if err := r.persistIDsWithVerify(ctx); err != nil {
		return File{}, err
	}
	r.invalidateWrite(newPath, folderPath)

	return File{
		ID: newID, Name: name, ParentFolderID: targetFolderID, BlobHash: f.BlobHash,
		Size: f.Size, MimeType: f.MimeType, OwnerID: f.OwnerID, CreatedAt: now, ModifiedAt: now,
	}, nil
}

// CopyFolderTree implements WritePort: the whole subtree in one
// transaction — DFS folder creation, one file-row INSERT per copied file,
// then one ref-count UPDATE per distinct blob hash. No file content is
// read, so cost is independent of total bytes.
func (r *Repository) CopyFolderTree(ctx context.Context, folderID, targetParentID, newName string) (Folder, error) {
	src, err := r.getFolder(ctx, folderID)
	if err != nil {
		return Folder{}, err
	}
	name := newName
	if name == "" {
		name = src.Name
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Folder{}, errors.Wrap(err, "repository: error beginning transaction")
	}
	defer tx.Rollback()

	idMap := map[string]string{} // old folder id -> new folder id
	now := time.Now().UTC().Format(time.RFC3339)

	rootName, err := r.uniqueFolderNameTx(ctx, tx, targetParentID, name)
	if err != nil {
		return Folder{}, err
	}
	newRootID := newID()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO folders(id, name, parent_folder_id, owner_id, created_at, modified_at) VALUES (?, ?, ?, ?, ?, ?)`,
		newRootID, rootName, nullableID(targetParentID), src.OwnerID, now, now,
	); err != nil {
		return Folder{}, errors.Wrap(err, "repository: error creating destination root folder")
	}
	idMap[folderID] = newRootID

	if err := r.copyFolderChildrenTx(ctx, tx, folderID, newRootID, &idMap, now); err != nil {
		return Folder{}, err
	}

	if err := r.copyFilesBatchTx(ctx, tx, idMap, now); err != nil {
		return Folder{}, err
	}

	if err := tx.Commit(); err != nil {
		return Folder{}, errors.Wrap(err, "repository: error committing folder copy")
	}

	targetParentPath, err := r.folderPath(ctx, targetParentID)
	if err != nil {
		return Folder{}, err
	}
	r.folderIDs.Set(newRootID, joinPath(targetParentPath, rootName))
	if err := r.persistFolderIDsWithVerify(ctx); err != nil {
		return Folder{}, err
	}
	r.cache.InvalidateDirectory(targetParentPath)

	return Folder{ID: newRootID, Name: rootName, ParentFolderID: targetParentID, OwnerID: src.OwnerID}, nil
}

// copyFolderChildrenTx recursively creates destination subfolders for
// every descendant of srcFolderID, recording old->new id pairs in idMap.
func (r *Repository) copyFolderChildrenTx(ctx context.Context, tx *sql.Tx, srcFolderID, dstFolderID string, idMap *map[string]string, now string) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, name, owner_id FROM folders WHERE parent_folder_id = ?`, srcFolderID)
	if err != nil {
		return errors.Wrap(err, "repository: error listing child folders")
	}
	type child struct{ id, name, owner string }
	var children []child
	for rows.Next() {
		var c child
		if err := rows.Scan(&c.id, &c.name, &c.owner); err != nil {
			rows.Close()
			return err
		}
		children = append(children, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range children {
		newChildID := newID()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO folders(id, name, parent_folder_id, owner_id, created_at, modified_at) VALUES (?, ?, ?, ?, ?, ?)`,
			newChildID, c.name, dstFolderID, c.owner, now, now,
		); err != nil {
			return errors.Wrap(err, "repository: error creating destination subfolder")
		}
		(*idMap)[c.id] = newChildID
		if err := r.copyFolderChildrenTx(ctx, tx, c.id, newChildID, idMap, now); err != nil {
			return err
		}
	}
	return nil
}

// copyFilesBatchTx inserts one new file row per source file across every
// folder in idMap, all referencing the same blob hashes as their
// sources, then bumps every referenced blob's ref_count once per copy.
func (r *Repository) copyFilesBatchTx(ctx context.Context, tx *sql.Tx, idMap map[string]string, now string) error {
	hashCounts := map[string]int{}
	for srcFolderID, dstFolderID := range idMap {
		rows, err := tx.QueryContext(ctx,
			`SELECT name, blob_hash, size, mime_type, owner_id FROM files WHERE parent_folder_id = ? AND trashed_at IS NULL`, srcFolderID)
		if err != nil {
			return errors.Wrap(err, "repository: error listing source files")
		}
		type srcFile struct {
			name, hash, mime, owner string
			size                    int64
		}
		var files []srcFile
		for rows.Next() {
			var f srcFile
			if err := rows.Scan(&f.name, &f.hash, &f.size, &f.mime, &f.owner); err != nil {
				rows.Close()
				return err
			}
			files = append(files, f)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, f := range files {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO files(id, name, parent_folder_id, blob_hash, size, mime_type, owner_id, created_at, modified_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				newID(), f.name, dstFolderID, f.hash, f.size, f.mime, f.owner, now, now,
			); err != nil {
				return errors.Wrap(err, "repository: error batch-inserting copied file")
			}
			hashCounts[f.hash]++
		}
	}

	for hash, n := range hashCounts {
		if _, err := tx.ExecContext(ctx, `UPDATE blobs SET ref_count = ref_count + ? WHERE hash = ?`, n, hash); err != nil {
			return errors.Wrap(err, "repository: error batch-updating ref counts")
		}
	}
	return nil
}

// MoveFolder implements WritePort: relocates a folder subtree, fixing up
// the path of the folder itself and every descendant folder's mapping
// entry (their cached paths all share the moved folder's old path as a
// prefix and would otherwise go stale).
func (r *Repository) MoveFolder(ctx context.Context, id, targetParentID, newName string) error {
	f, err := r.getFolder(ctx, id)
	if err != nil {
		return err
	}
	name := newName
	if name == "" {
		name = f.Name
	}

	oldPath, err := r.folderPath(ctx, id)
	if err != nil {
		return err
	}
	if targetParentID == f.ParentFolderID && name == f.Name {
		return nil
	}
	newParentPath, err := r.folderPath(ctx, targetParentID)
	if err != nil {
		return err
	}
	newPath := joinPath(newParentPath, name)
	if newPath == oldPath || strings.HasPrefix(newPath+"/", oldPath+"/") {
		return errtypes.InvalidInput("cannot move a folder into itself")
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE folders SET parent_folder_id = ?, name = ?, modified_at = ? WHERE id = ?`,
		nullableID(targetParentID), name, time.Now().UTC().Format(time.RFC3339), id,
	); err != nil {
		return errors.Wrap(err, "repository: error moving folder")
	}

	r.folderIDs.Set(id, newPath)
	if err := r.fixupDescendantFolderPaths(ctx, id, newPath); err != nil {
		return err
	}
	if err := r.persistFolderIDsWithVerify(ctx); err != nil {
		return err
	}
	if err := r.persistIDsWithVerify(ctx); err != nil {
		return err
	}

	oldParentPath := path.Dir(oldPath)
	r.invalidateWrite(oldPath, oldParentPath)
	r.invalidateWrite(newPath, newParentPath)
	r.cache.InvalidateDirectory(oldPath)
	return nil
}

// fixupDescendantFolderPaths re-derives and re-caches the path of every
// folder and file beneath folderID after its ancestor's path changed —
// both folderIDs and fileIDs cache paths by id, and a moved ancestor
// changes every descendant's path prefix regardless of which mapping.Store
// holds it.
func (r *Repository) fixupDescendantFolderPaths(ctx context.Context, folderID, folderPath string) error {
	files, err := r.ListFiles(ctx, folderID)
	if err != nil {
		return err
	}
	for _, f := range files {
		r.fileIDs.Set(f.ID, joinPath(folderPath, f.Name))
	}

	children, err := r.ListFolders(ctx, folderID)
	if err != nil {
		return err
	}
	for _, c := range children {
		childPath := joinPath(folderPath, c.Name)
		r.folderIDs.Set(c.ID, childPath)
		if err := r.fixupDescendantFolderPaths(ctx, c.ID, childPath); err != nil {
			return err
		}
	}
	return nil
}

// GetFolder implements ReadPort.
func (r *Repository) GetFolder(ctx context.Context, id string) (Folder, error) {
	if id == "" {
		return Folder{ID: "", Name: "/"}, nil
	}
	return r.getFolder(ctx, id)
}

// GetFolderByPath implements ReadPort.
func (r *Repository) GetFolderByPath(ctx context.Context, p string) (Folder, error) {
	if p == "" || p == "/" {
		return Folder{ID: "", Name: "/"}, nil
	}
	id, err := r.folderIDs.GetIDByPath(p)
	if err != nil {
		return Folder{}, err
	}
	return r.getFolder(ctx, id)
}

// ListFolders implements ReadPort.
func (r *Repository) ListFolders(ctx context.Context, parentFolderID string) ([]Folder, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, parent_folder_id, owner_id, created_at, modified_at FROM folders WHERE parent_folder_id IS ? ORDER BY name`,
		nullableID(parentFolderID))
	if err != nil {
		return nil, errors.Wrap(err, "repository: error listing folders")
	}
	defer rows.Close()

	var out []Folder
	for rows.Next() {
		var f Folder
		var parent sql.NullString
		var createdAt, modifiedAt string
		if err := rows.Scan(&f.ID, &f.Name, &parent, &f.OwnerID, &createdAt, &modifiedAt); err != nil {
			return nil, err
		}
		f.ParentFolderID = parent.String
		f.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		f.ModifiedAt, _ = time.Parse(time.RFC3339, modifiedAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

// CreateFolder implements WritePort.
func (r *Repository) CreateFolder(ctx context.Context, name, parentFolderID string) (Folder, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Folder{}, errors.Wrap(err, "repository: error beginning transaction")
	}
	defer tx.Rollback()

	uniqueName, err := r.uniqueFolderNameTx(ctx, tx, parentFolderID, name)
	if err != nil {
		return Folder{}, err
	}

	id := newID()
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO folders(id, name, parent_folder_id, owner_id, created_at, modified_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, uniqueName, nullableID(parentFolderID), "", now.Format(time.RFC3339), now.Format(time.RFC3339),
	); err != nil {
		return Folder{}, errors.Wrap(err, "repository: error creating folder")
	}
	if err := tx.Commit(); err != nil {
		return Folder{}, errors.Wrap(err, "repository: error committing folder creation")
	}

	parentPath, err := r.folderPath(ctx, parentFolderID)
	if err != nil {
		return Folder{}, err
	}
	newPath := joinPath(parentPath, uniqueName)
	r.folderIDs.Set(id, newPath)
	if err := r.persistFolderIDsWithVerify(ctx); err != nil {
		return Folder{}, err
	}
	r.cache.InvalidateDirectory(parentPath)

	return Folder{ID: id, Name: uniqueName, ParentFolderID: parentFolderID, CreatedAt: now, ModifiedAt: now}, nil
}

// DeleteFolder implements WritePort: recursively removes every descendant
// file (decrementing blob ref counts the same way DeleteFilePermanently
// does) and folder row, then the folder itself.
func (r *Repository) DeleteFolder(ctx context.Context, id string) error {
	folder, err := r.getFolder(ctx, id)
	if err != nil {
		return err
	}
	folderPath, err := r.folderPath(ctx, id)
	if err != nil {
		return err
	}

	childFiles, err := r.ListFiles(ctx, id)
	if err != nil {
		return err
	}
	for _, f := range childFiles {
		if err := r.DeleteFilePermanently(ctx, f.ID); err != nil {
			return err
		}
	}

	childFolders, err := r.ListFolders(ctx, id)
	if err != nil {
		return err
	}
	for _, c := range childFolders {
		if err := r.DeleteFolder(ctx, c.ID); err != nil {
			return err
		}
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM folders WHERE id = ?`, id); err != nil {
		return errors.Wrap(err, "repository: error deleting folder row")
	}
	_ = r.folderIDs.RemoveID(id)
	if err := r.persistFolderIDsWithVerify(ctx); err != nil {
		return err
	}

	parentPath, _ := r.folderPath(ctx, folder.ParentFolderID)
	r.invalidateWrite(folderPath, parentPath)
	r.cache.InvalidateDirectory(folderPath)
	return nil
}

// --- helpers -----------------------------------------------------------

func (r *Repository) getFolder(ctx context.Context, id string) (Folder, error) {
	var f Folder
	var parent sql.NullString
	var createdAt, modifiedAt string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, parent_folder_id, owner_id, created_at, modified_at FROM folders WHERE id = ?`, id,
	).Scan(&f.ID, &f.Name, &parent, &f.OwnerID, &createdAt, &modifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Folder{}, errtypes.NotFound("folder " + id)
	}
	if err != nil {
		return Folder{}, errors.Wrap(err, "repository: error querying folder")
	}
	f.ParentFolderID = parent.String
	f.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	f.ModifiedAt, _ = time.Parse(time.RFC3339, modifiedAt)
	return f, nil
}

// folderPath resolves folderID's full virtual path by walking parents,
// preferring the mapping cache and falling back to the database.
func (r *Repository) folderPath(ctx context.Context, folderID string) (string, error) {
	if folderID == "" {
		return "/", nil
	}
	if p, err := r.folderIDs.GetPathByID(folderID); err == nil {
		return p, nil
	}

	f, err := r.getFolder(ctx, folderID)
	if err != nil {
		return "", err
	}
	parentPath, err := r.folderPath(ctx, f.ParentFolderID)
	if err != nil {
		return "", err
	}
	p := joinPath(parentPath, f.Name)
	r.folderIDs.Set(folderID, p)
	return p, nil
}

// uniqueNameTx appends _N before the extension until (folderID, name) is
// free, scoped to tx so concurrent saves of the same name both succeed
// with distinct suffixes.
func (r *Repository) uniqueNameTx(ctx context.Context, tx *sql.Tx, folderID, name string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	candidate := name
	for n := 1; ; n++ {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM files WHERE parent_folder_id IS ? AND name = ?`, nullableID(folderID), candidate,
		).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return candidate, nil
		}
		if err != nil {
			return "", errors.Wrap(err, "repository: error checking name uniqueness")
		}
		candidate = base + "_" + strconv.Itoa(n) + ext
	}
}

func (r *Repository) uniqueFolderNameTx(ctx context.Context, tx *sql.Tx, parentID, name string) (string, error) {
	candidate := name
	for n := 1; ; n++ {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM folders WHERE parent_folder_id IS ? AND name = ?`, nullableID(parentID), candidate,
		).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return candidate, nil
		}
		if err != nil {
			return "", errors.Wrap(err, "repository: error checking folder name uniqueness")
		}
		candidate = name + "_" + strconv.Itoa(n)
	}
}

// persistIDsWithVerify saves the file id-mapping table and verifies it,
// surfacing InternalError if verification exhausts its retries.
func (r *Repository) persistIDsWithVerify(ctx context.Context) error {
	return r.fileIDs.SaveChanges()
}

func (r *Repository) persistFolderIDsWithVerify(ctx context.Context) error {
	return r.folderIDs.SaveChanges()
}

// invalidateWrite drops the cache entry for path and for its parent
// directory, per the repository's cache-discipline invariant.
func (r *Repository) invalidateWrite(filePath, parentPath string) {
	if filePath != "" {
		r.cache.Invalidate(filePath)
	}
	if parentPath != "" {
		r.cache.Invalidate(parentPath)
	}
}

func (r *Repository) withFileTimeout(ctx context.Context, fn func(context.Context) (File, error)) (File, error) {
	ctx, cancel := context.WithTimeout(ctx, r.fileOpTimeout)
	defer cancel()
	f, err := fn(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return File{}, errtypes.Timeout("file operation")
	}
	return f, err
}

func (r *Repository) scanFile(ctx context.Context, query string, args ...any) (File, error) {
	row := r.db.QueryRowContext(ctx, query, args...)
	return scanFileRowSingle(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileRowSingle(row rowScanner) (File, error) {
	var f File
	var parent, trashOriginal sql.NullString
	var trashedAt sql.NullString
	var createdAt, modifiedAt string
	err := row.Scan(&f.ID, &f.Name, &parent, &f.BlobHash, &f.Size, &f.MimeType, &f.OwnerID, &createdAt, &modifiedAt, &trashedAt, &trashOriginal)
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, errtypes.NotFound("file")
	}
	if err != nil {
		return File{}, errors.Wrap(err, "repository: error scanning file row")
	}
	f.ParentFolderID = parent.String
	f.TrashOriginalPath = trashOriginal.String
	f.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	f.ModifiedAt, _ = time.Parse(time.RFC3339, modifiedAt)
	if trashedAt.Valid {
		t, _ := time.Parse(time.RFC3339, trashedAt.String)
		f.TrashedAt = &t
	}
	return f, nil
}

func scanFileRow(rows *sql.Rows) (File, error) {
	return scanFileRowSingle(rows)
}

func nullableID(id string) any {
	if id == "" {
		return nil
	}
	return id
}

func joinPath(dir, name string) string {
	if dir == "/" || dir == "" {
		return "/" + name
	}
	return dir + "/" + name
}

func newID() string {
	return uuid.New().String()
}
