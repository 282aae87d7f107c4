// Package db owns the single SQLite database shared by the blob table, the
// file/folder repository, and the dynamic settings store. Reva itself
// depends on mattn/go-sqlite3 (and go-sql-driver/mysql) for exactly this
// kind of metadata-row storage; a single file-backed SQLite database is the
// natural single-node analogue.
package db

import (
	"database/sql"

	// registers the "sqlite3" driver
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS blobs (
	hash         TEXT PRIMARY KEY,
	size         INTEGER NOT NULL,
	ref_count    INTEGER NOT NULL DEFAULT 0,
	content_type TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS folders (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	parent_folder_id TEXT,
	owner_id         TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	modified_at      TEXT NOT NULL,
	UNIQUE(parent_folder_id, name)
);

CREATE TABLE IF NOT EXISTS files (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	parent_folder_id TEXT,
	blob_hash        TEXT NOT NULL,
	size             INTEGER NOT NULL,
	mime_type        TEXT NOT NULL DEFAULT '',
	owner_id         TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	modified_at      TEXT NOT NULL,
	trashed_at       TEXT,
	trash_original_path TEXT,
	UNIQUE(parent_folder_id, name)
);

CREATE TABLE IF NOT EXISTS file_versions (
	file_id    TEXT NOT NULL,
	version    INTEGER NOT NULL,
	blob_hash  TEXT NOT NULL,
	size       INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (file_id, version)
);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_files_parent ON files(parent_folder_id);
CREATE INDEX IF NOT EXISTS idx_folders_parent ON folders(parent_folder_id);
CREATE INDEX IF NOT EXISTS idx_files_blob_hash ON files(blob_hash);
`

// Open opens (creating if necessary) the SQLite database at path and
// applies the storage core's schema idempotently.
func Open(path string) (*sql.DB, error) {
	dsn := path + "?_journal_mode=WAL&_foreign_keys=off&_busy_timeout=5000"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "db: error opening sqlite database")
	}
	// SQLite only supports a single writer; avoid SQLITE_BUSY under
	// concurrent goroutines by forcing one physical connection.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "db: error applying schema")
	}
	return conn, nil
}
