package s3blob

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// SQLRefCounter implements refCounter against pkg/db's shared blobs
// table, the same row shape localfs uses, so the two backends can be
// swapped without touching the metadata schema.
type SQLRefCounter struct {
	DB *sql.DB
}

// Increment implements refCounter.
func (r *SQLRefCounter) Increment(ctx context.Context, hash string, size int64, contentType string) (int64, bool, error) {
	var refCount int64
	err := r.DB.QueryRowContext(ctx, `SELECT ref_count FROM blobs WHERE hash = ?`, hash).Scan(&refCount)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err := r.DB.ExecContext(ctx,
			`INSERT INTO blobs(hash, size, ref_count, content_type, created_at) VALUES (?, ?, 1, ?, ?)`,
			hash, size, contentType, time.Now().UTC().Format(time.RFC3339),
		)
		return 1, true, err
	case err != nil:
		return 0, false, err
	default:
		_, err := r.DB.ExecContext(ctx, `UPDATE blobs SET ref_count = ref_count + 1 WHERE hash = ?`, hash)
		return refCount + 1, false, err
	}
}

// Decrement implements refCounter.
func (r *SQLRefCounter) Decrement(ctx context.Context, hash string) (int64, error) {
	var refCount int64
	err := r.DB.QueryRowContext(ctx, `SELECT ref_count FROM blobs WHERE hash = ?`, hash).Scan(&refCount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	refCount--
	_, err = r.DB.ExecContext(ctx, `UPDATE blobs SET ref_count = ? WHERE hash = ?`, refCount, hash)
	return refCount, err
}

// Get implements refCounter.
func (r *SQLRefCounter) Get(ctx context.Context, hash string) (size, refCount int64, contentType string, createdAt time.Time, err error) {
	var createdStr string
	err = r.DB.QueryRowContext(ctx,
		`SELECT size, ref_count, content_type, created_at FROM blobs WHERE hash = ?`, hash,
	).Scan(&size, &refCount, &contentType, &createdStr)
	if err != nil {
		return 0, 0, "", time.Time{}, err
	}
	createdAt, _ = time.Parse(time.RFC3339, createdStr)
	return size, refCount, contentType, createdAt, nil
}

// Delete implements refCounter.
func (r *SQLRefCounter) Delete(ctx context.Context, hash string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM blobs WHERE hash = ?`, hash)
	return err
}

// All implements refCounter.
func (r *SQLRefCounter) All(ctx context.Context) (map[string]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT hash, size FROM blobs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var hash string
		var size int64
		if err := rows.Scan(&hash, &size); err != nil {
			return nil, err
		}
		out[hash] = size
	}
	return out, rows.Err()
}
