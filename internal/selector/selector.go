// Package selector picks a compression pattern for a file, or none.
package selector

import (
	"context"
	"log/slog"

	"github.com/kalambet/mmry/internal/catalog"
)

// CandidateSource abstracts the catalog operations the selector needs.
type CandidateSource interface {
	LookupCandidates(ctx context.Context, extension, fileType string) ([]catalog.Candidate, int, error)
	TouchUsage(ctx context.Context, id string) error
}

// Selector chooses the best-ranked candidate from the catalog's tiered
// lookup. Its only side effect is the atomic usage touch on the chosen
// pattern.
type Selector struct {
	catalog CandidateSource
	logger  *slog.Logger
}

// New creates a Selector over the given catalog.
func New(source CandidateSource) *Selector {
	return &Selector{catalog: source, logger: slog.Default()}
}

// Select returns the top candidate for the extension and file type, or nil
// when no tier matches. A catalog error fails closed to nil (the file is
// stored uncompressed) and is logged, never fatal.
func (s *Selector) Select(ctx context.Context, extension, fileType string) *catalog.Candidate {
	candidates, tier, err := s.catalog.LookupCandidates(ctx, extension, fileType)
	if err != nil {
		s.logger.Warn("pattern lookup failed, storing uncompressed",
			"extension", extension, "file_type", fileType, "error", err)
		return nil
	}
	if len(candidates) == 0 {
		return nil
	}

	chosen := candidates[0]
	if err := s.catalog.TouchUsage(ctx, chosen.ID); err != nil {
		s.logger.Warn("pattern usage touch failed",
			"pattern_id", chosen.ID, "error", err)
	}
	s.logger.Debug("pattern selected",
		"pattern_id", chosen.ID, "tier", tier, "quality", chosen.QualityScore)
	return &chosen
}
