package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertProject writes a new project row in the building state.
func InsertProject(ctx context.Context, q DBTX, p Project) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO projects (id, user_id, status, total_files, total_size_bytes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Status, p.TotalFiles, p.TotalSizeBytes,
		p.CreatedAt.UTC().Format(time.RFC3339), p.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetProject loads a project row.
func GetProject(ctx context.Context, q DBTX, id string) (Project, error) {
	var p Project
	var createdAt, updatedAt string
	err := q.QueryRowContext(ctx, `
		SELECT id, user_id, status, total_files, total_size_bytes, created_at, updated_at
		FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.UserID, &p.Status, &p.TotalFiles, &p.TotalSizeBytes, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, err
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Project{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Project{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}

// AdjustProjectTotals folds a file insert/update/delete into the project's
// denormalized counters as one atomic statement.
func AdjustProjectTotals(ctx context.Context, q DBTX, projectID string, fileDelta, byteDelta int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE projects
		SET total_files = total_files + ?, total_size_bytes = total_size_bytes + ?, updated_at = ?
		WHERE id = ?`,
		fileDelta, byteDelta, time.Now().UTC().Format(time.RFC3339), projectID)
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

// TransitionProject moves a project from one status to another with a guarded
// update: the write only lands if the row is still in the expected state.
func TransitionProject(ctx context.Context, q DBTX, id, from, to string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE projects SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UTC().Format(time.RFC3339), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
