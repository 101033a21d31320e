// Package ledger keeps the per-user running total of billed storage bytes
// exactly consistent with stored file sizes.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/mmry/internal/storage"
)

// ErrQuotaExceeded is returned by Reserve when the requested bytes do not
// fit the user's remaining quota. No state has changed when it is returned.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Defaults for lazily created quota rows.
const (
	DefaultTotalQuota         = 100 << 20 // 100 MiB
	DefaultMaxProjects        = 10
	DefaultMaxFileSize        = 10 << 20 // 10 MiB
	DefaultMaxFilesPerProject = 1000

	auditConcurrency = 4
)

// Ledger enforces and records per-user storage accounting. All mutation
// happens through the caller's transaction so the quota check and the bytes
// it guards commit or roll back together.
type Ledger struct {
	db *sql.DB
}

// New creates a Ledger over the store's database.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Ensure creates the user's quota row with defaults if it does not exist.
// Safe to call on every write; existing rows are untouched.
func (l *Ledger) Ensure(ctx context.Context, q storage.DBTX, userID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO storage_quotas
			(user_id, total_quota, used_storage, max_projects, used_projects,
			 max_file_size, max_files_per_project, updated_at)
		VALUES (?, ?, 0, ?, 0, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING`,
		userID, DefaultTotalQuota, DefaultMaxProjects,
		DefaultMaxFileSize, DefaultMaxFilesPerProject,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("ensuring quota row for %s: %w", userID, err)
	}
	return nil
}

// Quota loads the user's quota row inside the caller's transaction.
func (l *Ledger) Quota(ctx context.Context, q storage.DBTX, userID string) (storage.StorageQuota, error) {
	var sq storage.StorageQuota
	var updatedAt string
	err := q.QueryRowContext(ctx, `
		SELECT user_id, total_quota, used_storage, max_projects, used_projects,
		       max_file_size, max_files_per_project, updated_at
		FROM storage_quotas WHERE user_id = ?`, userID,
	).Scan(&sq.UserID, &sq.TotalQuota, &sq.UsedStorage, &sq.MaxProjects,
		&sq.UsedProjects, &sq.MaxFileSize, &sq.MaxFilesPerProject, &updatedAt)
	if err == sql.ErrNoRows {
		return storage.StorageQuota{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.StorageQuota{}, err
	}
	if sq.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return storage.StorageQuota{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return sq, nil
}

// Reserve checks that additionalBytes fit the user's quota, creating the
// quota row lazily. It must run in the same transaction as the file
// mutation it guards, which closes the check/use race: the transaction
// serializes against every other writer of this row. The exact boundary
// used + n == total passes.
func (l *Ledger) Reserve(ctx context.Context, q storage.DBTX, userID string, additionalBytes int64) error {
	if additionalBytes <= 0 {
		return nil
	}
	if err := l.Ensure(ctx, q, userID); err != nil {
		return err
	}
	sq, err := l.Quota(ctx, q, userID)
	if err != nil {
		return err
	}
	if sq.UsedStorage+additionalBytes > sq.TotalQuota {
		return fmt.Errorf("user %s: %d + %d exceeds %d: %w",
			userID, sq.UsedStorage, additionalBytes, sq.TotalQuota, ErrQuotaExceeded)
	}
	return nil
}

// Apply adjusts used_storage by a signed delta in a single atomic statement:
// +size on insert, -size on delete, new-old on update.
func (l *Ledger) Apply(ctx context.Context, q storage.DBTX, userID string, delta int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE storage_quotas
		SET used_storage = used_storage + ?, updated_at = ?
		WHERE user_id = ?`,
		delta, time.Now().UTC().Format(time.RFC3339), userID)
	if err != nil {
		return fmt.Errorf("applying ledger delta for %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("quota row for %s: %w", userID, storage.ErrNotFound)
	}
	return nil
}

// ReserveProject checks and consumes one project slot inside the caller's
// transaction.
func (l *Ledger) ReserveProject(ctx context.Context, q storage.DBTX, userID string) error {
	if err := l.Ensure(ctx, q, userID); err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		UPDATE storage_quotas
		SET used_projects = used_projects + 1, updated_at = ?
		WHERE user_id = ? AND used_projects < max_projects`,
		time.Now().UTC().Format(time.RFC3339), userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %s: project limit reached: %w", userID, ErrQuotaExceeded)
	}
	return nil
}

// Usage returns the user's denormalized quota totals.
func (l *Ledger) Usage(ctx context.Context, userID string) (storage.StorageQuota, error) {
	return l.Quota(ctx, l.db, userID)
}

// AuditEntry compares a user's ledger total against the recomputed sum of
// billed sizes over their current files. Divergence is a corruption bug,
// never a normal state; the audit reports and does not heal.
type AuditEntry struct {
	UserID      string `json:"user_id"`
	LedgerBytes int64  `json:"ledger_bytes"`
	ActualBytes int64  `json:"actual_bytes"`
	Divergent   bool   `json:"divergent"`
}

// Audit recomputes every user's billed total from stored_files rows and
// compares it to the ledger. Per-user recomputation fans out over a bounded
// errgroup.
func (l *Ledger) Audit(ctx context.Context) ([]AuditEntry, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT user_id, used_storage FROM storage_quotas ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("listing quota rows: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.UserID, &e.LedgerBytes); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(auditConcurrency)
	for i := range entries {
		g.Go(func() error {
			actual, err := l.billedTotal(gctx, entries[i].UserID)
			if err != nil {
				return err
			}
			entries[i].ActualBytes = actual
			entries[i].Divergent = actual != entries[i].LedgerBytes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (l *Ledger) billedTotal(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(
			CASE WHEN compression_type != 'none' THEN compressed_size ELSE original_size END
		), 0)
		FROM stored_files WHERE user_id = ?`, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("recomputing billed total for %s: %w", userID, err)
	}
	return total, nil
}
