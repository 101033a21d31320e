// Package catalog is the durable store of compression-pattern records and
// their learned metrics. Patterns are identified by the sha256 of their
// codec signature and are never deleted; selection relies on learned
// quality/success metrics to sink stale entries instead.
package catalog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/kalambet/mmry/internal/storage"
)

// Lineage walks are metadata lookups over a forest; a bound keeps a
// corrupted parent chain from looping forever.
const maxLineageDepth = 64

// Catalog runs pattern queries against the shared database.
type Catalog struct {
	db *sql.DB
}

// New creates a Catalog over the store's database.
func New(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// PatternSpec describes a pattern to register. Metrics default to the cold
// state (success rate 1.0, everything else zero) unless seeded explicitly.
type PatternSpec struct {
	PatternType         string
	FileExtension       string
	Signature           []byte
	QualityScore        float64
	SuccessRate         float64
	AvgCompressionRatio float64
	ParentPatternID     string
	EvolutionGeneration int64
}

// Candidate is a pattern returned by LookupCandidates together with the
// fallback tier that matched it.
type Candidate struct {
	storage.CompressionPattern
	Tier int
}

// PatternID is the deterministic identity of a signature: hex sha256.
func PatternID(signature []byte) string {
	sum := sha256.Sum256(signature)
	return hex.EncodeToString(sum[:])
}

// Register inserts a pattern if its signature is new and returns its id.
// Re-registering an existing signature is a no-op: learned metrics are
// never overwritten by registration.
func (c *Catalog) Register(ctx context.Context, spec PatternSpec) (string, error) {
	if len(spec.Signature) == 0 {
		return "", fmt.Errorf("register pattern: empty signature")
	}
	id := PatternID(spec.Signature)
	successRate := spec.SuccessRate
	if successRate == 0 {
		successRate = 1.0
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO compression_patterns
			(id, pattern_type, file_extension, signature, quality_score, success_rate,
			 avg_compression_ratio, parent_pattern_id, evolution_generation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, spec.PatternType, spec.FileExtension, spec.Signature,
		spec.QualityScore, successRate, spec.AvgCompressionRatio,
		nullString(spec.ParentPatternID), spec.EvolutionGeneration,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("registering pattern: %w", err)
	}
	return id, nil
}

// Get loads a single pattern row.
func (c *Catalog) Get(ctx context.Context, id string) (storage.CompressionPattern, error) {
	return scanPattern(c.db.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM compression_patterns WHERE id = ?`, id))
}

// LookupCandidates returns ranked candidates for an extension and file type
// using three progressively looser tiers, stopping at the first non-empty
// one. The returned tier is 1, 2, or 3.
//
//	tier 1: type matches AND extension matches, quality > 0.7, success > 0.8
//	tier 2: extension matches, quality > 0.6, success > 0.7
//	tier 3: type matches, quality > 0.5
//
// Tiers 1–2 rank by quality*success*(usage+1) with compression ratio as the
// tie-break; tier 3 ranks by quality then usage.
func (c *Catalog) LookupCandidates(ctx context.Context, extension, fileType string) ([]Candidate, int, error) {
	tiers := []struct {
		tier  int
		query string
		args  []any
	}{
		{1, `SELECT ` + patternColumns + ` FROM compression_patterns
			WHERE pattern_type LIKE '%' || ? || '%' AND file_extension = ?
			  AND quality_score > 0.7 AND success_rate > 0.8
			ORDER BY quality_score * success_rate * (usage_count + 1) DESC,
			         avg_compression_ratio DESC`,
			[]any{fileType, extension}},
		{2, `SELECT ` + patternColumns + ` FROM compression_patterns
			WHERE file_extension = ? AND quality_score > 0.6 AND success_rate > 0.7
			ORDER BY quality_score * success_rate * (usage_count + 1) DESC,
			         avg_compression_ratio DESC`,
			[]any{extension}},
		{3, `SELECT ` + patternColumns + ` FROM compression_patterns
			WHERE pattern_type LIKE '%' || ? || '%' AND quality_score > 0.5
			ORDER BY quality_score DESC, usage_count DESC`,
			[]any{fileType}},
	}

	for _, t := range tiers {
		candidates, err := c.queryCandidates(ctx, t.tier, t.query, t.args...)
		if err != nil {
			return nil, 0, fmt.Errorf("tier %d lookup: %w", t.tier, err)
		}
		if len(candidates) > 0 {
			return candidates, t.tier, nil
		}
	}
	return nil, 0, nil
}

func (c *Catalog) queryCandidates(ctx context.Context, tier int, query string, args ...any) ([]Candidate, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Candidate
	for rows.Next() {
		p, err := scanPatternRows(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, Candidate{CompressionPattern: p, Tier: tier})
	}
	return results, rows.Err()
}

// TouchUsage bumps usage_count and last_used_at in a single atomic
// statement. Never read-then-write: concurrent touches must not lose
// increments.
func (c *Catalog) TouchUsage(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE compression_patterns
		SET usage_count = usage_count + 1, last_used_at = ?
		WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Lineage returns a pattern and its ancestors, nearest first. Parent links
// are weak lookup metadata over an id-indexed table, never ownership.
func (c *Catalog) Lineage(ctx context.Context, id string) ([]storage.CompressionPattern, error) {
	var chain []storage.CompressionPattern
	next := id
	for depth := 0; next != "" && depth < maxLineageDepth; depth++ {
		p, err := c.Get(ctx, next)
		if err == storage.ErrNotFound {
			// A dangling parent reference ends the chain; the ancestor may
			// predate this database.
			break
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, p)
		next = p.ParentPatternID
	}
	if len(chain) == 0 {
		return nil, storage.ErrNotFound
	}
	return chain, nil
}

const patternColumns = `id, pattern_type, file_extension, signature,
	training_files_count, avg_compression_ratio, quality_score, success_rate,
	avg_decompression_time_ms, memory_efficiency_score, usage_count,
	last_used_at, adaptation_level, parent_pattern_id, evolution_generation,
	row_version, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPattern(row *sql.Row) (storage.CompressionPattern, error) {
	p, err := scanPatternFrom(row)
	if err == sql.ErrNoRows {
		return storage.CompressionPattern{}, storage.ErrNotFound
	}
	return p, err
}

func scanPatternRows(rows *sql.Rows) (storage.CompressionPattern, error) {
	return scanPatternFrom(rows)
}

func scanPatternFrom(row rowScanner) (storage.CompressionPattern, error) {
	var p storage.CompressionPattern
	var lastUsed, parentID sql.NullString
	var createdAt string
	err := row.Scan(
		&p.ID, &p.PatternType, &p.FileExtension, &p.Signature,
		&p.TrainingFilesCount, &p.AvgCompressionRatio, &p.QualityScore, &p.SuccessRate,
		&p.AvgDecompressionTimeMs, &p.MemoryEfficiencyScore, &p.UsageCount,
		&lastUsed, &p.AdaptationLevel, &parentID, &p.EvolutionGeneration,
		&p.RowVersion, &createdAt,
	)
	if err != nil {
		return storage.CompressionPattern{}, err
	}
	p.ParentPatternID = parentID.String
	if lastUsed.Valid && lastUsed.String != "" {
		if p.LastUsedAt, err = time.Parse(time.RFC3339, lastUsed.String); err != nil {
			return storage.CompressionPattern{}, fmt.Errorf("parsing last_used_at: %w", err)
		}
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return storage.CompressionPattern{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return p, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
