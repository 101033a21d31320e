package filestore

import "errors"

// Validation failures, rejected before any transaction starts.
var (
	ErrDuplicatePath = errors.New("path already exists in project")
	ErrEmptyPath     = errors.New("path is required")
	ErrFileTooLarge  = errors.New("file exceeds per-file size limit")
	ErrTooManyFiles  = errors.New("project file limit reached")
)

// ErrInvalidTransition is returned for any project status change outside
// building→complete, building→failed, and {complete,failed}→archived.
var ErrInvalidTransition = errors.New("invalid project status transition")

// ErrProjectArchived rejects writes to an archived project.
var ErrProjectArchived = errors.New("project is archived")
