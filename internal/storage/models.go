package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// CompressionNone marks a file stored uncompressed; any other value on a
// file row is the tag of the codec that produced the stored bytes.
const CompressionNone = "none"

// Project lifecycle states. A project is created in building, moves exactly
// once to complete or failed, and either of those may later be archived.
const (
	ProjectBuilding = "building"
	ProjectComplete = "complete"
	ProjectFailed   = "failed"
	ProjectArchived = "archived"
)

// CompressionPattern is one learned compression strategy. Identity is the
// hex sha256 of Signature and is immutable; rows are never deleted, weak
// metrics deprioritize stale patterns instead.
type CompressionPattern struct {
	ID                     string
	PatternType            string // category, e.g. "code-js-react"
	FileExtension          string
	Signature              []byte // opaque, consumed by the codec
	TrainingFilesCount     int64
	AvgCompressionRatio    float64
	QualityScore           float64
	SuccessRate            float64
	AvgDecompressionTimeMs float64
	MemoryEfficiencyScore  float64
	UsageCount             int64
	LastUsedAt             time.Time
	AdaptationLevel        int64
	ParentPatternID        string // optional lineage link, never ownership
	EvolutionGeneration    int64
	RowVersion             int64
	CreatedAt              time.Time
}

// FileRecord is one stored file. Path is unique per project.
type FileRecord struct {
	ID              string
	ProjectID       string
	UserID          string
	Path            string
	OriginalSize    int64
	CompressedSize  int64 // meaningful only when CompressionType != "none"
	CompressionType string
	PatternID       string // weak reference; the pattern may be superseded
	ContentHash     string
	Content         []byte
	IsBinary        bool
	DirectoryLevel  int
	AccessFrequency int64
	LastAccessedAt  time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BilledSize is the byte count charged against the owner's quota: the
// compressed size when compression succeeded, the original size otherwise.
func (f FileRecord) BilledSize() int64 {
	if f.CompressionType != CompressionNone {
		return f.CompressedSize
	}
	return f.OriginalSize
}

// Project carries denormalized file totals that must agree with the sum
// over its FileRecord rows.
type Project struct {
	ID             string
	UserID         string
	Status         string
	TotalFiles     int64
	TotalSizeBytes int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StorageQuota is the per-user ledger row, created lazily on first write.
// UsedStorage equals the exact sum of billed sizes of the user's current
// files at all times.
type StorageQuota struct {
	UserID             string
	TotalQuota         int64
	UsedStorage        int64
	MaxProjects        int64
	UsedProjects       int64
	MaxFileSize        int64
	MaxFilesPerProject int64
	UpdatedAt          time.Time
}
