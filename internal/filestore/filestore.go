// Package filestore orchestrates file saves: pattern selection, the codec
// call, the ledger update, and the learning update as one atomic unit.
package filestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/mmry/internal/catalog"
	"github.com/kalambet/mmry/internal/codec"
	"github.com/kalambet/mmry/internal/ledger"
	"github.com/kalambet/mmry/internal/learning"
	"github.com/kalambet/mmry/internal/storage"
)

// PatternSelector abstracts pattern selection. A nil result means "store
// uncompressed".
type PatternSelector interface {
	Select(ctx context.Context, extension, fileType string) *catalog.Candidate
}

// FileStore is the single writer path for files, projects, and the ledger.
// No other code mutates those rows; that is what keeps the ledger invariant
// (used_storage == sum of billed sizes) true.
type FileStore struct {
	store    *storage.Store
	catalog  *catalog.Catalog
	selector PatternSelector
	ledger   *ledger.Ledger
	learner  *learning.Updater
	codec    codec.Codec // optional; nil disables compression entirely
	logger   *slog.Logger
}

// New wires a FileStore. Pass a nil codec to store everything uncompressed.
func New(store *storage.Store, cat *catalog.Catalog, sel PatternSelector, led *ledger.Ledger, learner *learning.Updater, cdc codec.Codec) *FileStore {
	return &FileStore{
		store:    store,
		catalog:  cat,
		selector: sel,
		ledger:   led,
		learner:  learner,
		codec:    cdc,
		logger:   slog.Default(),
	}
}

// SaveRequest describes one file to store.
type SaveRequest struct {
	ProjectID string
	Path      string
	Content   []byte
	FileType  string // category hint for pattern matching, e.g. "source"
}

// compressionAttempt captures what happened between selection and storage,
// so the learning outcome can be recorded inside the save transaction.
type compressionAttempt struct {
	patternID string
	outcome   learning.Outcome
}

// SaveFile stores a new file. Duplicate (project, path) is rejected before
// the transaction; codec failure falls back to uncompressed storage and is
// recorded as a failed learning outcome, never a failed save. The file row,
// project counters, ledger delta, and learning update commit together or
// not at all.
func (fs *FileStore) SaveFile(ctx context.Context, req SaveRequest) (storage.FileRecord, error) {
	if req.Path == "" {
		return storage.FileRecord{}, ErrEmptyPath
	}

	project, err := storage.GetProject(ctx, fs.store.DB(), req.ProjectID)
	if err != nil {
		return storage.FileRecord{}, fmt.Errorf("loading project %s: %w", req.ProjectID, err)
	}
	if project.Status == storage.ProjectArchived {
		return storage.FileRecord{}, ErrProjectArchived
	}

	exists, err := storage.FileExists(ctx, fs.store.DB(), req.ProjectID, req.Path)
	if err != nil {
		return storage.FileRecord{}, fmt.Errorf("checking path: %w", err)
	}
	if exists {
		return storage.FileRecord{}, fmt.Errorf("%s: %w", req.Path, ErrDuplicatePath)
	}

	rec := fs.buildRecord(project, req)
	attempt := fs.compress(ctx, &rec, req)

	err = fs.inTx(ctx, func(tx *sql.Tx) error {
		billed := rec.BilledSize()
		quota, err := fs.loadQuota(ctx, tx, project.UserID)
		if err != nil {
			return err
		}
		if rec.OriginalSize > quota.MaxFileSize {
			return fmt.Errorf("%d bytes: %w", rec.OriginalSize, ErrFileTooLarge)
		}
		current, err := storage.GetProject(ctx, tx, req.ProjectID)
		if err != nil {
			return err
		}
		if current.TotalFiles >= quota.MaxFilesPerProject {
			return ErrTooManyFiles
		}
		if err := fs.ledger.Reserve(ctx, tx, project.UserID, billed); err != nil {
			return err
		}
		if err := storage.InsertFile(ctx, tx, rec); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%s: %w", req.Path, ErrDuplicatePath)
			}
			return fmt.Errorf("inserting file: %w", err)
		}
		if err := storage.AdjustProjectTotals(ctx, tx, req.ProjectID, 1, billed); err != nil {
			return fmt.Errorf("updating project totals: %w", err)
		}
		if err := fs.ledger.Apply(ctx, tx, project.UserID, billed); err != nil {
			return err
		}
		return fs.recordAttempt(ctx, tx, attempt)
	})
	if err != nil {
		return storage.FileRecord{}, err
	}
	return rec, nil
}

// UpdateFile replaces the content of an existing file. The ledger delta is
// signed: new billed size minus old.
func (fs *FileStore) UpdateFile(ctx context.Context, req SaveRequest) (storage.FileRecord, error) {
	old, err := storage.GetFileByPath(ctx, fs.store.DB(), req.ProjectID, req.Path)
	if err != nil {
		return storage.FileRecord{}, fmt.Errorf("loading file %s: %w", req.Path, err)
	}

	project, err := storage.GetProject(ctx, fs.store.DB(), req.ProjectID)
	if err != nil {
		return storage.FileRecord{}, fmt.Errorf("loading project %s: %w", req.ProjectID, err)
	}
	if project.Status == storage.ProjectArchived {
		return storage.FileRecord{}, ErrProjectArchived
	}

	rec := fs.buildRecord(project, req)
	rec.ID = old.ID
	rec.CreatedAt = old.CreatedAt
	rec.AccessFrequency = old.AccessFrequency
	rec.LastAccessedAt = old.LastAccessedAt
	attempt := fs.compress(ctx, &rec, req)

	err = fs.inTx(ctx, func(tx *sql.Tx) error {
		delta := rec.BilledSize() - old.BilledSize()
		quota, err := fs.loadQuota(ctx, tx, project.UserID)
		if err != nil {
			return err
		}
		if rec.OriginalSize > quota.MaxFileSize {
			return fmt.Errorf("%d bytes: %w", rec.OriginalSize, ErrFileTooLarge)
		}
		if err := fs.ledger.Reserve(ctx, tx, project.UserID, delta); err != nil {
			return err
		}
		if err := storage.UpdateFileContent(ctx, tx, rec); err != nil {
			return fmt.Errorf("updating file: %w", err)
		}
		if err := storage.AdjustProjectTotals(ctx, tx, req.ProjectID, 0, delta); err != nil {
			return fmt.Errorf("updating project totals: %w", err)
		}
		if err := fs.ledger.Apply(ctx, tx, project.UserID, delta); err != nil {
			return err
		}
		return fs.recordAttempt(ctx, tx, attempt)
	})
	if err != nil {
		return storage.FileRecord{}, err
	}
	return rec, nil
}

// DeleteFile removes a file and credits its billed size back to the ledger.
// No compression event occurs on delete, so no learning update is recorded.
func (fs *FileStore) DeleteFile(ctx context.Context, projectID, filePath string) error {
	old, err := storage.GetFileByPath(ctx, fs.store.DB(), projectID, filePath)
	if err != nil {
		return fmt.Errorf("loading file %s: %w", filePath, err)
	}

	return fs.inTx(ctx, func(tx *sql.Tx) error {
		if err := storage.DeleteFile(ctx, tx, projectID, filePath); err != nil {
			return fmt.Errorf("deleting file: %w", err)
		}
		if err := storage.AdjustProjectTotals(ctx, tx, projectID, -1, -old.BilledSize()); err != nil {
			return fmt.Errorf("updating project totals: %w", err)
		}
		return fs.ledger.Apply(ctx, tx, old.UserID, -old.BilledSize())
	})
}

// GetFile returns the decoded content of a file and bumps its access
// counters atomically.
func (fs *FileStore) GetFile(ctx context.Context, projectID, filePath string) ([]byte, storage.FileRecord, error) {
	rec, err := storage.GetFileByPath(ctx, fs.store.DB(), projectID, filePath)
	if err != nil {
		return nil, storage.FileRecord{}, err
	}

	content := rec.Content
	if rec.CompressionType != storage.CompressionNone {
		if fs.codec == nil || fs.codec.Tag() != rec.CompressionType {
			return nil, storage.FileRecord{}, fmt.Errorf("no codec for compression type %q", rec.CompressionType)
		}
		pattern, err := fs.catalog.Get(ctx, rec.PatternID)
		if err != nil {
			return nil, storage.FileRecord{}, fmt.Errorf("loading pattern %s: %w", rec.PatternID, err)
		}
		content, err = fs.codec.Decompress(pattern.Signature, rec.Content)
		if err != nil {
			return nil, storage.FileRecord{}, fmt.Errorf("decompressing %s: %w", filePath, err)
		}
	}

	if err := storage.TouchFileAccess(ctx, fs.store.DB(), projectID, filePath); err != nil {
		fs.logger.Warn("access touch failed", "project_id", projectID, "path", filePath, "error", err)
	}
	return content, rec, nil
}

// CreateProject creates a project in the building state, consuming one of
// the user's project slots in the same transaction.
func (fs *FileStore) CreateProject(ctx context.Context, userID string) (storage.Project, error) {
	now := time.Now().UTC()
	project := storage.Project{
		ID:        uuid.New().String(),
		UserID:    userID,
		Status:    storage.ProjectBuilding,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := fs.inTx(ctx, func(tx *sql.Tx) error {
		if err := fs.ledger.ReserveProject(ctx, tx, userID); err != nil {
			return err
		}
		return storage.InsertProject(ctx, tx, project)
	})
	if err != nil {
		return storage.Project{}, err
	}
	return project, nil
}

var validTransitions = map[string]map[string]bool{
	storage.ProjectBuilding: {storage.ProjectComplete: true, storage.ProjectFailed: true},
	storage.ProjectComplete: {storage.ProjectArchived: true},
	storage.ProjectFailed:   {storage.ProjectArchived: true},
}

// SetProjectStatus applies one lifecycle transition. building moves exactly
// once to complete or failed; either may later be archived; archived is
// terminal.
func (fs *FileStore) SetProjectStatus(ctx context.Context, projectID, to string) error {
	project, err := storage.GetProject(ctx, fs.store.DB(), projectID)
	if err != nil {
		return fmt.Errorf("loading project %s: %w", projectID, err)
	}
	if !validTransitions[project.Status][to] {
		return fmt.Errorf("%s -> %s: %w", project.Status, to, ErrInvalidTransition)
	}
	ok, err := storage.TransitionProject(ctx, fs.store.DB(), projectID, project.Status, to)
	if err != nil {
		return fmt.Errorf("transitioning project %s: %w", projectID, err)
	}
	if !ok {
		// The guarded update missed: another caller transitioned first.
		return fmt.Errorf("%s -> %s: project moved concurrently: %w", project.Status, to, ErrInvalidTransition)
	}
	return nil
}

// GetProject loads a project.
func (fs *FileStore) GetProject(ctx context.Context, projectID string) (storage.Project, error) {
	return storage.GetProject(ctx, fs.store.DB(), projectID)
}

// buildRecord computes the content-derived fields of a new file row.
func (fs *FileStore) buildRecord(project storage.Project, req SaveRequest) storage.FileRecord {
	sum := sha256.Sum256(req.Content)
	now := time.Now().UTC()
	return storage.FileRecord{
		ID:              uuid.New().String(),
		ProjectID:       project.ID,
		UserID:          project.UserID,
		Path:            req.Path,
		OriginalSize:    int64(len(req.Content)),
		CompressionType: storage.CompressionNone,
		ContentHash:     hex.EncodeToString(sum[:]),
		Content:         req.Content,
		IsBinary:        bytes.IndexByte(req.Content, 0) >= 0,
		DirectoryLevel:  directoryLevel(req.Path),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// compress runs selection and the codec. On codec failure the record keeps
// its uncompressed defaults and the failure is remembered as a learning
// outcome for the selected pattern.
func (fs *FileStore) compress(ctx context.Context, rec *storage.FileRecord, req SaveRequest) *compressionAttempt {
	if fs.codec == nil || len(req.Content) == 0 {
		return nil
	}
	candidate := fs.selector.Select(ctx, path.Ext(req.Path), req.FileType)
	if candidate == nil {
		return nil
	}

	res, err := fs.codec.Compress(candidate.Signature, req.Content)
	if err != nil {
		fs.logger.Warn("codec failed, storing uncompressed",
			"pattern_id", candidate.ID, "path", req.Path, "error", err)
		return &compressionAttempt{
			patternID: candidate.ID,
			outcome:   learning.Outcome{Success: false},
		}
	}

	rec.Content = res.Data
	rec.CompressedSize = int64(len(res.Data))
	rec.CompressionType = fs.codec.Tag()
	rec.PatternID = candidate.ID
	return &compressionAttempt{
		patternID: candidate.ID,
		outcome: learning.Outcome{
			Ratio:           res.Ratio,
			Quality:         res.Quality,
			DecompressionMs: res.TimeMs,
			Success:         true,
		},
	}
}

// recordAttempt writes the learning outcome inside the save transaction,
// which is what makes outcome delivery exactly-once per compression event.
func (fs *FileStore) recordAttempt(ctx context.Context, tx *sql.Tx, attempt *compressionAttempt) error {
	if attempt == nil {
		return nil
	}
	if err := fs.learner.RecordOutcome(ctx, tx, attempt.patternID, attempt.outcome); err != nil {
		return fmt.Errorf("recording outcome for pattern %s: %w", attempt.patternID, err)
	}
	return nil
}

func (fs *FileStore) loadQuota(ctx context.Context, tx *sql.Tx, userID string) (storage.StorageQuota, error) {
	if err := fs.ledger.Ensure(ctx, tx, userID); err != nil {
		return storage.StorageQuota{}, err
	}
	return fs.ledger.Quota(ctx, tx, userID)
}

// inTx runs fn inside one transaction; any error rolls the whole unit back
// so no partial observable state ever exists.
func (fs *FileStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := fs.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func directoryLevel(p string) int {
	clean := strings.Trim(path.Clean("/"+p), "/")
	if clean == "" {
		return 0
	}
	return strings.Count(clean, "/")
}
