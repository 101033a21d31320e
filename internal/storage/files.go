package storage

import (
	"database/sql"
	"fmt"
	"time"

	"context"
)

const fileColumns = `id, project_id, user_id, path, original_size, compressed_size,
	compression_type, pattern_id, content_hash, content, is_binary,
	directory_level, access_frequency, last_accessed_at, created_at, updated_at`

// InsertFile writes a new file row inside the caller's transaction.
func InsertFile(ctx context.Context, q DBTX, f FileRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO stored_files (`+fileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ProjectID, f.UserID, f.Path, f.OriginalSize,
		nullInt64(f.CompressedSize, f.CompressionType != CompressionNone),
		f.CompressionType, nullString(f.PatternID), f.ContentHash, f.Content,
		f.IsBinary, f.DirectoryLevel, f.AccessFrequency,
		nullTime(f.LastAccessedAt),
		f.CreatedAt.UTC().Format(time.RFC3339), f.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// UpdateFileContent replaces the stored bytes and compression metadata of an
// existing row inside the caller's transaction.
func UpdateFileContent(ctx context.Context, q DBTX, f FileRecord) error {
	res, err := q.ExecContext(ctx, `
		UPDATE stored_files SET
			original_size = ?, compressed_size = ?, compression_type = ?,
			pattern_id = ?, content_hash = ?, content = ?, is_binary = ?,
			updated_at = ?
		WHERE project_id = ? AND path = ?`,
		f.OriginalSize,
		nullInt64(f.CompressedSize, f.CompressionType != CompressionNone),
		f.CompressionType, nullString(f.PatternID), f.ContentHash, f.Content,
		f.IsBinary, f.UpdatedAt.UTC().Format(time.RFC3339),
		f.ProjectID, f.Path,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFile removes a file row inside the caller's transaction.
func DeleteFile(ctx context.Context, q DBTX, projectID, path string) error {
	res, err := q.ExecContext(ctx,
		`DELETE FROM stored_files WHERE project_id = ? AND path = ?`, projectID, path)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetFileByPath loads a file row by its (project, path) identity.
func GetFileByPath(ctx context.Context, q DBTX, projectID, path string) (FileRecord, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM stored_files WHERE project_id = ? AND path = ?`,
		projectID, path)
	return scanFile(row)
}

// FileExists reports whether a (project, path) row is present.
func FileExists(ctx context.Context, q DBTX, projectID, path string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stored_files WHERE project_id = ? AND path = ?`,
		projectID, path).Scan(&n)
	return n > 0, err
}

// TouchFileAccess bumps access_frequency and last_accessed_at in a single
// atomic statement; a separate read+write would lose increments under
// concurrent readers.
func TouchFileAccess(ctx context.Context, q DBTX, projectID, path string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE stored_files
		SET access_frequency = access_frequency + 1, last_accessed_at = ?
		WHERE project_id = ? AND path = ?`,
		time.Now().UTC().Format(time.RFC3339), projectID, path)
	return err
}

func scanFile(row *sql.Row) (FileRecord, error) {
	var f FileRecord
	var compressedSize sql.NullInt64
	var patternID, lastAccessed sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(
		&f.ID, &f.ProjectID, &f.UserID, &f.Path, &f.OriginalSize, &compressedSize,
		&f.CompressionType, &patternID, &f.ContentHash, &f.Content, &f.IsBinary,
		&f.DirectoryLevel, &f.AccessFrequency, &lastAccessed, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return FileRecord{}, ErrNotFound
	}
	if err != nil {
		return FileRecord{}, err
	}
	f.CompressedSize = compressedSize.Int64
	f.PatternID = patternID.String
	if f.LastAccessedAt, err = parseNullTime(lastAccessed); err != nil {
		return FileRecord{}, fmt.Errorf("parsing last_accessed_at: %w", err)
	}
	if f.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return FileRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if f.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return FileRecord{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return f, nil
}

func nullInt64(v int64, valid bool) any {
	if !valid {
		return nil
	}
	return v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseNullTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s.String)
}
