package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/kalambet/mmry/internal/catalog"
	"github.com/kalambet/mmry/internal/codec"
	"github.com/kalambet/mmry/internal/ledger"
	"github.com/kalambet/mmry/internal/learning"
	"github.com/kalambet/mmry/internal/selector"
	"github.com/kalambet/mmry/internal/storage"
)

// fixedCodec always produces the same output bytes, which makes billed
// sizes deterministic. Decompression is unsupported.
type fixedCodec struct {
	out  []byte
	fail bool
}

func (c *fixedCodec) Tag() string { return "fixed" }

func (c *fixedCodec) Compress(_, data []byte) (codec.Result, error) {
	if c.fail {
		return codec.Result{}, errors.New("signature rejected input")
	}
	return codec.Result{
		Data:    c.out,
		Ratio:   float64(len(data)) / float64(len(c.out)),
		Quality: 0.9,
		TimeMs:  1.0,
	}, nil
}

func (c *fixedCodec) Decompress(_, _ []byte) ([]byte, error) {
	return nil, errors.New("not supported")
}

type env struct {
	store *storage.Store
	cat   *catalog.Catalog
	led   *ledger.Ledger
	fs    *FileStore
}

func newEnv(t *testing.T, cdc codec.Codec) *env {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cat := catalog.New(s.DB())
	led := ledger.New(s.DB())
	fs := New(s, cat, selector.New(cat), led, learning.New(), cdc)
	return &env{store: s, cat: cat, led: led, fs: fs}
}

func (e *env) createProject(t *testing.T, userID string) storage.Project {
	t.Helper()
	p, err := e.fs.CreateProject(context.Background(), userID)
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p
}

// seedPattern registers a pattern and pushes its metrics above the tier-1
// thresholds so selection picks it up.
func (e *env) seedPattern(t *testing.T, patternType, ext string, quality, success float64) string {
	t.Helper()
	id, err := e.cat.Register(context.Background(), catalog.PatternSpec{
		PatternType:   patternType,
		FileExtension: ext,
		Signature:     []byte(patternType + ext),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err = e.store.DB().Exec(`
		UPDATE compression_patterns SET quality_score = ?, success_rate = ? WHERE id = ?`,
		quality, success, id)
	if err != nil {
		t.Fatalf("seeding metrics: %v", err)
	}
	return id
}

func (e *env) setQuotaLimits(t *testing.T, userID string, totalQuota, maxFileSize, maxFilesPerProject int64) {
	t.Helper()
	_, err := e.store.DB().Exec(`
		UPDATE storage_quotas
		SET total_quota = ?, max_file_size = ?, max_files_per_project = ?
		WHERE user_id = ?`,
		totalQuota, maxFileSize, maxFilesPerProject, userID)
	if err != nil {
		t.Fatalf("setting quota limits: %v", err)
	}
}

func (e *env) usedStorage(t *testing.T, userID string) int64 {
	t.Helper()
	sq, err := e.led.Usage(context.Background(), userID)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	return sq.UsedStorage
}

func (e *env) pattern(t *testing.T, id string) storage.CompressionPattern {
	t.Helper()
	p, err := e.cat.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get pattern: %v", err)
	}
	return p
}

func TestSaveFile_CompressedBilling(t *testing.T) {
	e := newEnv(t, &fixedCodec{out: bytes.Repeat([]byte("z"), 42)})
	ctx := context.Background()
	project := e.createProject(t, "u1")
	patternID := e.seedPattern(t, "web-html", ".html", 0.9, 0.95)

	rec, err := e.fs.SaveFile(ctx, SaveRequest{
		ProjectID: project.ID,
		Path:      "index.html",
		Content:   bytes.Repeat([]byte("a"), 150),
		FileType:  "html",
	})
	if err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	if rec.CompressionType != "fixed" {
		t.Errorf("compression type = %q, want %q", rec.CompressionType, "fixed")
	}
	if rec.OriginalSize != 150 || rec.CompressedSize != 42 {
		t.Errorf("sizes = %d/%d, want 150/42", rec.OriginalSize, rec.CompressedSize)
	}
	if rec.BilledSize() != 42 {
		t.Errorf("billed = %d, want compressed size 42", rec.BilledSize())
	}
	if rec.PatternID != patternID {
		t.Errorf("pattern id = %q, want %q", rec.PatternID, patternID)
	}

	// The ledger charges exactly the billed size, not the original.
	if used := e.usedStorage(t, "u1"); used != 42 {
		t.Errorf("used storage = %d, want 42", used)
	}

	p, err := e.fs.GetProject(ctx, project.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if p.TotalFiles != 1 || p.TotalSizeBytes != 42 {
		t.Errorf("project totals = %d/%d, want 1/42", p.TotalFiles, p.TotalSizeBytes)
	}

	// One selection touch, one successful learning observation.
	pat := e.pattern(t, patternID)
	if pat.UsageCount != 1 {
		t.Errorf("usage count = %d, want 1", pat.UsageCount)
	}
	if pat.TrainingFilesCount != 1 || pat.AdaptationLevel != 1 {
		t.Errorf("training/adaptation = %d/%d, want 1/1", pat.TrainingFilesCount, pat.AdaptationLevel)
	}
	if pat.SuccessRate != 0.95 {
		t.Errorf("success rate = %f, want unchanged 0.95", pat.SuccessRate)
	}
}

func TestSaveFile_NoPatternStoresUncompressed(t *testing.T) {
	e := newEnv(t, &fixedCodec{out: []byte("zz")})
	ctx := context.Background()
	project := e.createProject(t, "u1")

	content := bytes.Repeat([]byte("b"), 120)
	rec, err := e.fs.SaveFile(ctx, SaveRequest{
		ProjectID: project.ID,
		Path:      "app.js",
		Content:   content,
		FileType:  "js",
	})
	if err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	if rec.CompressionType != storage.CompressionNone {
		t.Errorf("compression type = %q, want %q", rec.CompressionType, storage.CompressionNone)
	}
	if rec.BilledSize() != 120 {
		t.Errorf("billed = %d, want original size 120", rec.BilledSize())
	}
	if used := e.usedStorage(t, "u1"); used != 120 {
		t.Errorf("used storage = %d, want 120", used)
	}

	got, _, err := e.fs.GetFile(ctx, project.ID, "app.js")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("content mismatch on uncompressed read")
	}
}

func TestSaveFile_CodecFailureFallsBack(t *testing.T) {
	e := newEnv(t, &fixedCodec{fail: true})
	ctx := context.Background()
	project := e.createProject(t, "u1")
	patternID := e.seedPattern(t, "web-html", ".html", 0.9, 0.9)

	rec, err := e.fs.SaveFile(ctx, SaveRequest{
		ProjectID: project.ID,
		Path:      "index.html",
		Content:   bytes.Repeat([]byte("a"), 150),
		FileType:  "html",
	})
	if err != nil {
		t.Fatalf("SaveFile after codec failure: %v", err)
	}

	// The save absorbs the failure: uncompressed bytes, original billed.
	if rec.CompressionType != storage.CompressionNone {
		t.Errorf("compression type = %q, want %q", rec.CompressionType, storage.CompressionNone)
	}
	if rec.PatternID != "" {
		t.Errorf("pattern id = %q, want empty on fallback", rec.PatternID)
	}
	if used := e.usedStorage(t, "u1"); used != 150 {
		t.Errorf("used storage = %d, want 150", used)
	}

	// The failure is still a learning observation: rate decays 0.9 -> 0.855.
	pat := e.pattern(t, patternID)
	if pat.TrainingFilesCount != 1 {
		t.Errorf("training files = %d, want 1", pat.TrainingFilesCount)
	}
	if diff := pat.SuccessRate - 0.855; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("success rate = %f, want 0.855", pat.SuccessRate)
	}
}

func TestSaveFile_QuotaExceededRollsBack(t *testing.T) {
	e := newEnv(t, &fixedCodec{out: bytes.Repeat([]byte("z"), 42)})
	ctx := context.Background()
	project := e.createProject(t, "u1")
	patternID := e.seedPattern(t, "web-html", ".html", 0.9, 0.9)
	e.setQuotaLimits(t, "u1", 10, ledger.DefaultMaxFileSize, ledger.DefaultMaxFilesPerProject)

	_, err := e.fs.SaveFile(ctx, SaveRequest{
		ProjectID: project.ID,
		Path:      "index.html",
		Content:   bytes.Repeat([]byte("a"), 150),
		FileType:  "html",
	})
	if !errors.Is(err, ledger.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}

	// Nothing from the envelope may survive the rollback.
	exists, err := storage.FileExists(ctx, e.store.DB(), project.ID, "index.html")
	if err != nil {
		t.Fatalf("FileExists: %v", err)
	}
	if exists {
		t.Error("file row survived a rolled-back save")
	}
	if used := e.usedStorage(t, "u1"); used != 0 {
		t.Errorf("used storage = %d, want 0", used)
	}
	p, err := e.fs.GetProject(ctx, project.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if p.TotalFiles != 0 || p.TotalSizeBytes != 0 {
		t.Errorf("project totals = %d/%d, want 0/0", p.TotalFiles, p.TotalSizeBytes)
	}
	if pat := e.pattern(t, patternID); pat.TrainingFilesCount != 0 {
		t.Errorf("training files = %d, want 0 after rollback", pat.TrainingFilesCount)
	}
}

func TestSaveFile_ExactQuotaBoundary(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	project := e.createProject(t, "u1")
	e.setQuotaLimits(t, "u1", 150, ledger.DefaultMaxFileSize, ledger.DefaultMaxFilesPerProject)

	// A file that lands exactly on the quota is accepted.
	if _, err := e.fs.SaveFile(ctx, SaveRequest{
		ProjectID: project.ID,
		Path:      "exact.bin",
		Content:   bytes.Repeat([]byte("a"), 150),
	}); err != nil {
		t.Fatalf("SaveFile at exact boundary: %v", err)
	}
	if used := e.usedStorage(t, "u1"); used != 150 {
		t.Errorf("used storage = %d, want 150", used)
	}

	// The next byte does not fit.
	_, err := e.fs.SaveFile(ctx, SaveRequest{
		ProjectID: project.ID,
		Path:      "one-more.bin",
		Content:   []byte("x"),
	})
	if !errors.Is(err, ledger.ErrQuotaExceeded) {
		t.Errorf("err = %v, want ErrQuotaExceeded", err)
	}
}

func TestSaveFile_EmptyPath(t *testing.T) {
	e := newEnv(t, nil)
	project := e.createProject(t, "u1")

	_, err := e.fs.SaveFile(context.Background(), SaveRequest{ProjectID: project.ID, Content: []byte("x")})
	if !errors.Is(err, ErrEmptyPath) {
		t.Errorf("err = %v, want ErrEmptyPath", err)
	}
}

func TestSaveFile_DuplicatePath(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	project := e.createProject(t, "u1")

	if _, err := e.fs.SaveFile(ctx, SaveRequest{ProjectID: project.ID, Path: "a.txt", Content: []byte("one")}); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	_, err := e.fs.SaveFile(ctx, SaveRequest{ProjectID: project.ID, Path: "a.txt", Content: []byte("two")})
	if !errors.Is(err, ErrDuplicatePath) {
		t.Errorf("err = %v, want ErrDuplicatePath", err)
	}

	// The original content is untouched.
	got, _, err := e.fs.GetFile(ctx, project.ID, "a.txt")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if string(got) != "one" {
		t.Errorf("content = %q, want %q", got, "one")
	}
}

func TestSaveFile_MissingProject(t *testing.T) {
	e := newEnv(t, nil)

	_, err := e.fs.SaveFile(context.Background(), SaveRequest{ProjectID: "nope", Path: "a.txt", Content: []byte("x")})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveFile_FileTooLarge(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	project := e.createProject(t, "u1")
	e.setQuotaLimits(t, "u1", ledger.DefaultTotalQuota, 10, ledger.DefaultMaxFilesPerProject)

	_, err := e.fs.SaveFile(ctx, SaveRequest{ProjectID: project.ID, Path: "big.bin", Content: bytes.Repeat([]byte("a"), 11)})
	if !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("err = %v, want ErrFileTooLarge", err)
	}
	if used := e.usedStorage(t, "u1"); used != 0 {
		t.Errorf("used storage = %d, want 0", used)
	}
}

func TestSaveFile_TooManyFiles(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	project := e.createProject(t, "u1")
	e.setQuotaLimits(t, "u1", ledger.DefaultTotalQuota, ledger.DefaultMaxFileSize, 1)

	if _, err := e.fs.SaveFile(ctx, SaveRequest{ProjectID: project.ID, Path: "a.txt", Content: []byte("x")}); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	_, err := e.fs.SaveFile(ctx, SaveRequest{ProjectID: project.ID, Path: "b.txt", Content: []byte("x")})
	if !errors.Is(err, ErrTooManyFiles) {
		t.Errorf("err = %v, want ErrTooManyFiles", err)
	}
}

func TestUpdateFile_LedgerDelta(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	project := e.createProject(t, "u1")

	if _, err := e.fs.SaveFile(ctx, SaveRequest{ProjectID: project.ID, Path: "a.txt", Content: bytes.Repeat([]byte("a"), 100)}); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	// Grow: delta +50.
	rec, err := e.fs.UpdateFile(ctx, SaveRequest{ProjectID: project.ID, Path: "a.txt", Content: bytes.Repeat([]byte("b"), 150)})
	if err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}
	if rec.OriginalSize != 150 {
		t.Errorf("original size = %d, want 150", rec.OriginalSize)
	}
	if used := e.usedStorage(t, "u1"); used != 150 {
		t.Errorf("used storage = %d, want 150", used)
	}

	// Shrink: delta -100.
	if _, err := e.fs.UpdateFile(ctx, SaveRequest{ProjectID: project.ID, Path: "a.txt", Content: bytes.Repeat([]byte("c"), 50)}); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}
	if used := e.usedStorage(t, "u1"); used != 50 {
		t.Errorf("used storage = %d, want 50", used)
	}

	p, err := e.fs.GetProject(ctx, project.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if p.TotalFiles != 1 || p.TotalSizeBytes != 50 {
		t.Errorf("project totals = %d/%d, want 1/50", p.TotalFiles, p.TotalSizeBytes)
	}
}

func TestUpdateFile_MissingFile(t *testing.T) {
	e := newEnv(t, nil)
	project := e.createProject(t, "u1")

	_, err := e.fs.UpdateFile(context.Background(), SaveRequest{ProjectID: project.ID, Path: "nope.txt", Content: []byte("x")})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteFile_CreditsLedger(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	project := e.createProject(t, "u1")

	if _, err := e.fs.SaveFile(ctx, SaveRequest{ProjectID: project.ID, Path: "a.txt", Content: bytes.Repeat([]byte("a"), 100)}); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	if err := e.fs.DeleteFile(ctx, project.ID, "a.txt"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}

	if used := e.usedStorage(t, "u1"); used != 0 {
		t.Errorf("used storage = %d, want 0 after delete", used)
	}
	p, err := e.fs.GetProject(ctx, project.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if p.TotalFiles != 0 || p.TotalSizeBytes != 0 {
		t.Errorf("project totals = %d/%d, want 0/0", p.TotalFiles, p.TotalSizeBytes)
	}

	if err := e.fs.DeleteFile(ctx, project.ID, "a.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestGetFile_CompressedRoundTrip(t *testing.T) {
	e := newEnv(t, codec.NewGzip())
	ctx := context.Background()
	project := e.createProject(t, "u1")
	e.seedPattern(t, "text-plain", ".txt", 0.9, 0.95)

	original := []byte(strings.Repeat("all work and no play makes a dull store\n", 40))
	rec, err := e.fs.SaveFile(ctx, SaveRequest{
		ProjectID: project.ID,
		Path:      "notes.txt",
		Content:   original,
		FileType:  "text",
	})
	if err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	if rec.CompressionType != "gzip" {
		t.Fatalf("compression type = %q, want gzip", rec.CompressionType)
	}
	if rec.BilledSize() >= int64(len(original)) {
		t.Errorf("billed = %d, want smaller than %d", rec.BilledSize(), len(original))
	}

	got, meta, err := e.fs.GetFile(ctx, project.ID, "notes.txt")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if !bytes.Equal(got, original) {
		t.Error("round trip did not reproduce original bytes")
	}
	if meta.ContentHash != rec.ContentHash {
		t.Errorf("hash = %q, want %q", meta.ContentHash, rec.ContentHash)
	}

	// Reads bump the access counter.
	stored, err := storage.GetFileByPath(ctx, e.store.DB(), project.ID, "notes.txt")
	if err != nil {
		t.Fatalf("GetFileByPath: %v", err)
	}
	if stored.AccessFrequency != 1 {
		t.Errorf("access frequency = %d, want 1", stored.AccessFrequency)
	}
}

func TestProjectLifecycle(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	project := e.createProject(t, "u1")

	if project.Status != storage.ProjectBuilding {
		t.Fatalf("status = %q, want building", project.Status)
	}

	// building -> archived skips a state and is rejected.
	err := e.fs.SetProjectStatus(ctx, project.ID, storage.ProjectArchived)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}

	if err := e.fs.SetProjectStatus(ctx, project.ID, storage.ProjectComplete); err != nil {
		t.Fatalf("building -> complete: %v", err)
	}
	// complete -> failed is not a legal move.
	if err := e.fs.SetProjectStatus(ctx, project.ID, storage.ProjectFailed); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
	if err := e.fs.SetProjectStatus(ctx, project.ID, storage.ProjectArchived); err != nil {
		t.Fatalf("complete -> archived: %v", err)
	}
	// archived is terminal.
	if err := e.fs.SetProjectStatus(ctx, project.ID, storage.ProjectComplete); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}

	// Writes to an archived project are rejected.
	_, err = e.fs.SaveFile(ctx, SaveRequest{ProjectID: project.ID, Path: "late.txt", Content: []byte("x")})
	if !errors.Is(err, ErrProjectArchived) {
		t.Errorf("err = %v, want ErrProjectArchived", err)
	}
}

func TestCreateProject_SlotLimit(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	for i := 0; i < ledger.DefaultMaxProjects; i++ {
		if _, err := e.fs.CreateProject(ctx, "u1"); err != nil {
			t.Fatalf("CreateProject %d: %v", i, err)
		}
	}
	_, err := e.fs.CreateProject(ctx, "u1")
	if !errors.Is(err, ledger.ErrQuotaExceeded) {
		t.Errorf("err = %v, want ErrQuotaExceeded at project limit", err)
	}
}

func TestLedgerInvariant_AfterMixedSequence(t *testing.T) {
	e := newEnv(t, codec.NewGzip())
	ctx := context.Background()
	project := e.createProject(t, "u1")
	e.seedPattern(t, "text-plain", ".txt", 0.9, 0.95)

	compressible := []byte(strings.Repeat("repetition compresses well\n", 30))
	for i := 0; i < 5; i++ {
		if _, err := e.fs.SaveFile(ctx, SaveRequest{
			ProjectID: project.ID,
			Path:      fmt.Sprintf("doc-%d.txt", i),
			Content:   compressible,
			FileType:  "text",
		}); err != nil {
			t.Fatalf("SaveFile %d: %v", i, err)
		}
	}
	if _, err := e.fs.UpdateFile(ctx, SaveRequest{
		ProjectID: project.ID, Path: "doc-0.txt",
		Content: []byte("tiny"), FileType: "text",
	}); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}
	if err := e.fs.DeleteFile(ctx, project.ID, "doc-1.txt"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}

	// After any sequence of operations the ledger equals the recomputed sum.
	entries, err := e.led.Audit(ctx)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d audit entries, want 1", len(entries))
	}
	if entries[0].Divergent {
		t.Errorf("ledger diverged: ledger=%d actual=%d", entries[0].LedgerBytes, entries[0].ActualBytes)
	}
}

func TestDirectoryLevel(t *testing.T) {
	cases := []struct {
		path string
		want int
	}{
		{"file.txt", 0},
		{"src/file.txt", 1},
		{"src/deep/nested/file.txt", 3},
		{"./src/file.txt", 1},
	}
	for _, c := range cases {
		if got := directoryLevel(c.path); got != c.want {
			t.Errorf("directoryLevel(%q) = %d, want %d", c.path, got, c.want)
		}
	}
}
