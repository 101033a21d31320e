// Package learning folds observed compression outcomes into a pattern's
// aggregate metrics.
package learning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kalambet/mmry/internal/storage"
)

// ErrConflict is returned when the optimistic update loses the row-version
// race more times than the retry budget allows.
var ErrConflict = errors.New("pattern update conflict")

const (
	defaultMaxAttempts = 5

	// Multiplicative decay applied to success_rate on a failed outcome.
	// Approaches zero asymptotically; no floor clamp needed.
	failureDecay = 0.95
)

// Outcome is one real observation from a compression event. Recording it is
// not idempotent; the caller guarantees exactly-once delivery by recording
// inside the same transaction as the file write.
type Outcome struct {
	Ratio           float64
	Quality         float64
	DecompressionMs float64
	Success         bool
}

// QualityFn maps an outcome to the quality sample folded into the pattern's
// aggregate. The scoring formula (fidelity vs. effectiveness) is deliberately
// pluggable; the default passes the codec-reported value through.
type QualityFn func(Outcome) float64

// Updater applies outcome observations to pattern rows with per-row
// optimistic concurrency. Updates to different patterns are independent.
type Updater struct {
	maxAttempts int
	quality     QualityFn
}

// New creates an Updater with the default retry budget and quality function.
func New() *Updater {
	return &Updater{
		maxAttempts: defaultMaxAttempts,
		quality:     func(o Outcome) float64 { return o.Quality },
	}
}

// WithQualityFn replaces the quality scoring function.
func (u *Updater) WithQualityFn(fn QualityFn) *Updater {
	u.quality = fn
	return u
}

// RecordOutcome folds one observation into the pattern's metrics inside the
// caller's transaction:
//
//   - training_files_count and adaptation_level always increment
//   - ratio, quality, and decompression time fold in as incremental averages
//     (the first observation becomes the average)
//   - success_rate decays multiplicatively on failure, unchanged on success
//
// The read-modify-write is guarded by row_version; a concurrent update on
// the same row retries up to the budget, then surfaces ErrConflict.
func (u *Updater) RecordOutcome(ctx context.Context, q storage.DBTX, patternID string, o Outcome) error {
	quality := u.quality(o)

	for attempt := 0; attempt < u.maxAttempts; attempt++ {
		var count, version int64
		var ratio, avgQuality, successRate, decompMs float64
		err := q.QueryRowContext(ctx, `
			SELECT training_files_count, avg_compression_ratio, quality_score,
			       success_rate, avg_decompression_time_ms, row_version
			FROM compression_patterns WHERE id = ?`, patternID,
		).Scan(&count, &ratio, &avgQuality, &successRate, &decompMs, &version)
		if err == sql.ErrNoRows {
			return fmt.Errorf("pattern %s: %w", patternID, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("loading pattern %s: %w", patternID, err)
		}

		newCount := count + 1
		newRatio := incrementalAvg(ratio, count, o.Ratio)
		newQuality := incrementalAvg(avgQuality, count, quality)
		newDecompMs := incrementalAvg(decompMs, count, o.DecompressionMs)
		newSuccess := successRate
		if !o.Success {
			newSuccess = successRate * failureDecay
		}

		res, err := q.ExecContext(ctx, `
			UPDATE compression_patterns SET
				training_files_count = ?, avg_compression_ratio = ?,
				quality_score = ?, success_rate = ?,
				avg_decompression_time_ms = ?,
				adaptation_level = adaptation_level + 1,
				row_version = row_version + 1
			WHERE id = ? AND row_version = ?`,
			newCount, newRatio, newQuality, newSuccess, newDecompMs,
			patternID, version)
		if err != nil {
			return fmt.Errorf("updating pattern %s: %w", patternID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}
		// Lost the version race; reload and retry.
	}
	return fmt.Errorf("pattern %s: %w", patternID, ErrConflict)
}

// incrementalAvg folds one sample into a running average over oldCount
// samples. With oldCount zero the sample becomes the average (cold start).
func incrementalAvg(old float64, oldCount int64, sample float64) float64 {
	return (old*float64(oldCount) + sample) / float64(oldCount+1)
}
