// Package api exposes the file store over HTTP and MCP. This is the
// subsystem's own transport; the surrounding product's web application is
// a separate concern and does not live here.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/mmry/internal/catalog"
	"github.com/kalambet/mmry/internal/filestore"
	"github.com/kalambet/mmry/internal/ledger"
	"github.com/kalambet/mmry/internal/storage"
)

const maxSaveBodySize = 32 << 20 // 32MB

// AppDeps holds dependencies for the HTTP handler.
type AppDeps struct {
	Files   *filestore.FileStore
	Ledger  *ledger.Ledger
	Catalog *catalog.Catalog
	Token   string
}

// NewAppHandler builds the service router.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/projects", handleCreateProject(deps))
		r.Get("/v1/projects/{projectID}", handleGetProject(deps))
		r.Post("/v1/projects/{projectID}/status", handleSetStatus(deps))

		r.Post("/v1/projects/{projectID}/files", handleSaveFile(deps))
		r.Put("/v1/projects/{projectID}/files", handleUpdateFile(deps))
		r.Get("/v1/projects/{projectID}/files", handleGetFile(deps))
		r.Delete("/v1/projects/{projectID}/files", handleDeleteFile(deps))

		r.Get("/v1/usage/{userID}", handleUsage(deps))
		r.Get("/v1/audit", handleAudit(deps))

		r.Post("/v1/patterns", handleRegisterPattern(deps))
		r.Get("/v1/patterns/{patternID}", handleGetPattern(deps))
	})

	return r
}

type saveFileRequest struct {
	Path     string `json:"path"`
	Content  string `json:"content"` // base64
	FileType string `json:"file_type"`
}

type fileResponse struct {
	ID              string `json:"id"`
	ProjectID       string `json:"project_id"`
	Path            string `json:"path"`
	OriginalSize    int64  `json:"original_size"`
	CompressedSize  int64  `json:"compressed_size,omitempty"`
	CompressionType string `json:"compression_type"`
	PatternID       string `json:"pattern_id,omitempty"`
	ContentHash     string `json:"content_hash"`
	BilledSize      int64  `json:"billed_size"`
	IsBinary        bool   `json:"is_binary"`
}

func toFileResponse(f storage.FileRecord) fileResponse {
	return fileResponse{
		ID:              f.ID,
		ProjectID:       f.ProjectID,
		Path:            f.Path,
		OriginalSize:    f.OriginalSize,
		CompressedSize:  f.CompressedSize,
		CompressionType: f.CompressionType,
		PatternID:       f.PatternID,
		ContentHash:     f.ContentHash,
		BilledSize:      f.BilledSize(),
		IsBinary:        f.IsBinary,
	}
}

func handleCreateProject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID string `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}

		project, err := deps.Files.CreateProject(r.Context(), req.UserID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, project)
	}
}

func handleGetProject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		project, err := deps.Files.GetProject(r.Context(), chi.URLParam(r, "projectID"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, project)
	}
}

func handleSetStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if err := deps.Files.SetProjectStatus(r.Context(), chi.URLParam(r, "projectID"), req.Status); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
	}
}

func handleSaveFile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeSaveRequest(w, r)
		if !ok {
			return
		}
		req.ProjectID = chi.URLParam(r, "projectID")

		rec, err := deps.Files.SaveFile(r.Context(), req)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toFileResponse(rec))
	}
}

func handleUpdateFile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeSaveRequest(w, r)
		if !ok {
			return
		}
		req.ProjectID = chi.URLParam(r, "projectID")

		rec, err := deps.Files.UpdateFile(r.Context(), req)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toFileResponse(rec))
	}
}

func handleGetFile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "path query parameter is required")
			return
		}

		content, rec, err := deps.Files.GetFile(r.Context(), chi.URLParam(r, "projectID"), path)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"file":    toFileResponse(rec),
			"content": base64.StdEncoding.EncodeToString(content),
		})
	}
}

func handleDeleteFile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "path query parameter is required")
			return
		}

		if err := deps.Files.DeleteFile(r.Context(), chi.URLParam(r, "projectID"), path); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleUsage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usage, err := deps.Ledger.Usage(r.Context(), chi.URLParam(r, "userID"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id":         usage.UserID,
			"total_quota":     usage.TotalQuota,
			"used_storage":    usage.UsedStorage,
			"max_projects":    usage.MaxProjects,
			"used_projects":   usage.UsedProjects,
			"remaining_bytes": usage.TotalQuota - usage.UsedStorage,
		})
	}
}

func handleAudit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Ledger.Audit(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "audit failed: %v", err)
			return
		}
		divergent := 0
		for _, e := range entries {
			if e.Divergent {
				divergent++
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"entries":   entries,
			"divergent": divergent,
		})
	}
}

func handleRegisterPattern(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PatternType         string  `json:"pattern_type"`
			FileExtension       string  `json:"file_extension"`
			Signature           string  `json:"signature"` // base64
			QualityScore        float64 `json:"quality_score"`
			SuccessRate         float64 `json:"success_rate"`
			AvgCompressionRatio float64 `json:"avg_compression_ratio"`
			ParentPatternID     string  `json:"parent_pattern_id"`
			EvolutionGeneration int64   `json:"evolution_generation"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		signature, err := base64.StdEncoding.DecodeString(req.Signature)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "signature must be base64: %v", err)
			return
		}
		if len(signature) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "signature is required")
			return
		}

		id, err := deps.Catalog.Register(r.Context(), catalog.PatternSpec{
			PatternType:         req.PatternType,
			FileExtension:       req.FileExtension,
			Signature:           signature,
			QualityScore:        req.QualityScore,
			SuccessRate:         req.SuccessRate,
			AvgCompressionRatio: req.AvgCompressionRatio,
			ParentPatternID:     req.ParentPatternID,
			EvolutionGeneration: req.EvolutionGeneration,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "registering pattern: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func handleGetPattern(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Catalog.Get(r.Context(), chi.URLParam(r, "patternID"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":                        p.ID,
			"pattern_type":              p.PatternType,
			"file_extension":            p.FileExtension,
			"training_files_count":      p.TrainingFilesCount,
			"avg_compression_ratio":     p.AvgCompressionRatio,
			"quality_score":             p.QualityScore,
			"success_rate":              p.SuccessRate,
			"avg_decompression_time_ms": p.AvgDecompressionTimeMs,
			"usage_count":               p.UsageCount,
			"adaptation_level":          p.AdaptationLevel,
			"parent_pattern_id":         p.ParentPatternID,
			"evolution_generation":      p.EvolutionGeneration,
			"last_used_at":              formatNullableTime(p.LastUsedAt),
		})
	}
}

func decodeSaveRequest(w http.ResponseWriter, r *http.Request) (filestore.SaveRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSaveBodySize)
	defer r.Body.Close()

	var req saveFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return filestore.SaveRequest{}, false
	}
	if req.Path == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "path is required")
		return filestore.SaveRequest{}, false
	}
	content, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "content must be base64: %v", err)
		return filestore.SaveRequest{}, false
	}

	return filestore.SaveRequest{
		Path:     req.Path,
		Content:  content,
		FileType: req.FileType,
	}, true
}

// writeDomainError maps the domain taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, filestore.ErrDuplicatePath):
		httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
	case errors.Is(err, filestore.ErrEmptyPath),
		errors.Is(err, filestore.ErrFileTooLarge),
		errors.Is(err, filestore.ErrTooManyFiles),
		errors.Is(err, filestore.ErrProjectArchived):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, filestore.ErrInvalidTransition):
		httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
	case errors.Is(err, ledger.ErrQuotaExceeded):
		httpError(w, http.StatusRequestEntityTooLarge, "quota_exceeded_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func formatNullableTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
