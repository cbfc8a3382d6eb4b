// Package httpapi is the Gin façade over the core job engine: routing,
// parameter binding, and multipart upload handling, matching spec.md §6's
// five external operations. Everything below the handler boundary (status
// transitions, queueing, storage, filter semantics) is the core's.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jonesrussell/bulkjobs/internal/jobs"
	"github.com/jonesrussell/bulkjobs/internal/objectstorage"
	platerrors "github.com/jonesrussell/bulkjobs/internal/platform/errors"
	"github.com/jonesrussell/bulkjobs/internal/platform/logger"
	"github.com/jonesrussell/bulkjobs/internal/queue"
)

// idempotencyKeyPattern enforces spec.md §6's "1..255 chars, [A-Za-z0-9_-]".
var idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

// Storage is the subset of object storage the façade needs, narrowed so
// tests can fake it instead of standing up a real S3 endpoint.
type Storage interface {
	PutStream(ctx context.Context, key string, r io.Reader, contentType string, metadata map[string]string) (objectstorage.PutResult, error)
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)
	PresignGet(ctx context.Context, key string, expiresIn time.Duration) (string, error)
}

// Handler wires the five spec.md §6 operations onto the job store and queue.
type Handler struct {
	store   *jobs.Store
	queue   *queue.Queue
	storage Storage
	logger  logger.Logger
}

// NewHandler constructs a Handler.
func NewHandler(store *jobs.Store, q *queue.Queue, storage Storage, log logger.Logger) *Handler {
	return &Handler{store: store, queue: q, storage: storage, logger: log}
}

// Register mounts the façade's five routes on router in a single /api/v1
// group with no authentication layer.
func (h *Handler) Register(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	v1.POST("/imports", h.CreateImport)
	v1.GET("/imports/:id", h.GetImport)
	v1.POST("/exports", h.CreateExport)
	v1.GET("/exports/:id", h.GetExport)
	v1.GET("/exports/:id/download", h.StreamExport)
}

// CreateImport handles POST /api/v1/imports: multipart upload, idempotency
// check, enqueue. FormFile extraction and extension validation generalize
// to the three wire formats, producing a durable job record instead of a
// synchronous upsert.
func (h *Handler) CreateImport(c *gin.Context) {
	resourceType := jobs.ResourceType(c.PostForm("resource_type"))
	if !jobs.ValidResourceType(resourceType) {
		h.respondError(c, http.StatusBadRequest, "invalid_request", "resource_type must be one of users, articles, comments")
		return
	}

	idempotencyKey := strings.TrimSpace(c.PostForm("idempotency_key"))
	if idempotencyKey == "" {
		idempotencyKey = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	}
	if idempotencyKey != "" {
		if !idempotencyKeyPattern.MatchString(idempotencyKey) {
			h.respondError(c, http.StatusBadRequest, "invalid_request", "idempotency_key must be 1-255 chars of [A-Za-z0-9_-]")
			return
		}
		existing, err := h.store.FindImportByIdempotencyKey(c.Request.Context(), idempotencyKey)
		if err != nil {
			h.respondDomainErr(c, err)
			return
		}
		if existing != nil {
			c.JSON(http.StatusOK, importJobResponse(existing))
			return
		}
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_request", "no file uploaded")
		return
	}
	defer file.Close()

	format, ok := resolveFormat(c.PostForm("file_format"), header.Filename)
	if !ok {
		h.respondError(c, http.StatusBadRequest, "invalid_request", "unrecognized file format; expected json, ndjson, jsonl, or csv")
		return
	}

	jobID := uuid.New()
	sanitized := sanitizeFilename(header.Filename)
	key := objectstorage.ImportKey(time.Now().UTC(), jobID.String(), sanitized)

	if _, err := h.storage.PutStream(c.Request.Context(), key, file, contentTypeForUpload(format), map[string]string{
		"job_id":        jobID.String(),
		"resource_type": string(resourceType),
	}); err != nil {
		h.logger.Error("import upload failed", logger.String("job_id", jobID.String()), logger.Error(err))
		h.respondError(c, http.StatusServiceUnavailable, "storage_unavailable", "failed to store uploaded file")
		return
	}

	job := &jobs.ImportJob{
		ID:           jobID,
		ResourceType: resourceType,
		Status:       jobs.StatusPending,
		StorageKey:   key,
		FileName:     header.Filename,
		FileSize:     header.Size,
		FileFormat:   format,
	}
	if idempotencyKey != "" {
		job.IdempotencyKey = &idempotencyKey
	}

	if err := h.store.CreateImport(c.Request.Context(), job); err != nil {
		if platerrors.IsKind(err, platerrors.KindConflict) {
			existing, ferr := h.store.FindImportByIdempotencyKey(c.Request.Context(), idempotencyKey)
			if ferr == nil && existing != nil {
				c.JSON(http.StatusOK, importJobResponse(existing))
				return
			}
		}
		h.respondDomainErr(c, err)
		return
	}

	data := jobs.JobData{
		JobID:          job.ID,
		ResourceType:   job.ResourceType,
		Kind:           jobs.JobKindImport,
		StorageKey:     job.StorageKey,
		FileFormat:     job.FileFormat,
		IdempotencyKey: job.IdempotencyKey,
	}
	if err := h.queue.Enqueue(c.Request.Context(), data); err != nil {
		h.logger.Error("enqueue import job failed", logger.String("job_id", job.ID.String()), logger.Error(err))
		h.respondError(c, http.StatusServiceUnavailable, "queue_unavailable", "failed to enqueue import job")
		return
	}

	c.JSON(http.StatusCreated, importJobResponse(job))
}

// GetImport handles GET /api/v1/imports/:id.
func (h *Handler) GetImport(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_request", "invalid job id")
		return
	}
	job, err := h.store.FindImportByID(c.Request.Context(), id)
	if err != nil {
		h.respondDomainErr(c, err)
		return
	}
	if job == nil {
		h.respondError(c, http.StatusNotFound, "not_found", "import job not found")
		return
	}
	c.JSON(http.StatusOK, importJobResponse(job))
}

// CreateExport handles POST /api/v1/exports: filter validation, job
// creation, enqueue.
func (h *Handler) CreateExport(c *gin.Context) {
	var req CreateExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !jobs.ValidResourceType(req.ResourceType) {
		h.respondError(c, http.StatusBadRequest, "invalid_request", "resource_type must be one of users, articles, comments")
		return
	}
	if req.Format != jobs.FormatJSON && req.Format != jobs.FormatNDJSON && req.Format != jobs.FormatCSV {
		h.respondError(c, http.StatusBadRequest, "invalid_request", "format must be one of json, ndjson, csv")
		return
	}
	if msg, ok := validateFiltersForResource(req.ResourceType, req.Filters); !ok {
		h.respondError(c, http.StatusBadRequest, "invalid_request", msg)
		return
	}

	job := &jobs.ExportJob{
		ID:           uuid.New(),
		ResourceType: req.ResourceType,
		Format:       req.Format,
		Status:       jobs.StatusPending,
		Filters:      req.Filters,
		Fields:       req.Fields,
	}
	if err := h.store.CreateExport(c.Request.Context(), job); err != nil {
		h.respondDomainErr(c, err)
		return
	}

	filters := req.Filters
	data := jobs.JobData{
		JobID:        job.ID,
		ResourceType: job.ResourceType,
		Kind:         jobs.JobKindExport,
		Format:       job.Format,
		Filters:      &filters,
		Fields:       job.Fields,
	}
	if err := h.queue.Enqueue(c.Request.Context(), data); err != nil {
		h.logger.Error("enqueue export job failed", logger.String("job_id", job.ID.String()), logger.Error(err))
		h.respondError(c, http.StatusServiceUnavailable, "queue_unavailable", "failed to enqueue export job")
		return
	}

	c.JSON(http.StatusCreated, exportJobResponse(job))
}

// GetExport handles GET /api/v1/exports/:id, refreshing the presigned
// download URL when the job is COMPLETED and its current URL is stale or
// close to expiring.
func (h *Handler) GetExport(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_request", "invalid job id")
		return
	}
	job, err := h.store.FindExportByID(c.Request.Context(), id)
	if err != nil {
		h.respondDomainErr(c, err)
		return
	}
	if job == nil {
		h.respondError(c, http.StatusNotFound, "not_found", "export job not found")
		return
	}

	if job.Status == jobs.StatusCompleted && (job.ExpiresAt == nil || time.Until(*job.ExpiresAt) < time.Hour) {
		key := objectstorage.ExportKey(job.CreatedAt, job.ID.String(), string(job.Format))
		if url, perr := h.storage.PresignGet(c.Request.Context(), key, 24*time.Hour); perr == nil {
			expiresAt := time.Now().UTC().Add(24 * time.Hour)
			if uerr := h.store.RefreshDownloadURL(c.Request.Context(), job.ID, url, expiresAt); uerr == nil {
				job.DownloadURL = &url
				job.ExpiresAt = &expiresAt
			}
		} else {
			h.logger.Warn("presign refresh failed", logger.String("job_id", job.ID.String()), logger.Error(perr))
		}
	}

	c.JSON(http.StatusOK, exportJobResponse(job))
}

// StreamExport handles GET /api/v1/exports/:id/download: the core returns
// a byte stream, content type, and suggested filename; the façade (here,
// this handler itself, since routing/piping is the façade's job per §6)
// pipes it straight to the response.
func (h *Handler) StreamExport(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_request", "invalid job id")
		return
	}
	job, err := h.store.FindExportByID(c.Request.Context(), id)
	if err != nil {
		h.respondDomainErr(c, err)
		return
	}
	if job == nil {
		h.respondError(c, http.StatusNotFound, "not_found", "export job not found")
		return
	}
	if job.Status != jobs.StatusCompleted {
		h.respondError(c, http.StatusConflict, "not_ready", "export job is not yet completed")
		return
	}

	key := objectstorage.ExportKey(job.CreatedAt, job.ID.String(), string(job.Format))
	body, err := h.storage.GetStream(c.Request.Context(), key)
	if err != nil {
		h.logger.Error("export download failed", logger.String("job_id", job.ID.String()), logger.Error(err))
		h.respondError(c, http.StatusServiceUnavailable, "storage_unavailable", "failed to open export artifact")
		return
	}
	defer body.Close()

	filename := job.FileName
	if filename == "" {
		filename = "export." + string(job.Format)
	}
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.DataFromReader(http.StatusOK, job.FileSize, contentTypeForUpload(job.Format), body, nil)
}

func (h *Handler) respondError(c *gin.Context, status int, errName, message string) {
	c.JSON(status, platerrors.NewAPIError(status, errName, message, c.Request.URL.Path, c.GetHeader("X-Request-ID")))
}

func (h *Handler) respondDomainErr(c *gin.Context, err error) {
	var de *platerrors.DomainError
	if platerrors.As(err, &de) {
		status := platerrors.KindToStatusCode(de.Kind)
		h.respondError(c, status, string(de.Kind), de.Error())
		return
	}
	h.respondError(c, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
}

// resolveFormat honors an explicit file_format field, falling back to
// extension auto-detection per spec.md §6.
func resolveFormat(explicit, filename string) (jobs.FileFormat, bool) {
	if explicit != "" {
		switch jobs.FileFormat(explicit) {
		case jobs.FormatJSON, jobs.FormatNDJSON, jobs.FormatCSV:
			return jobs.FileFormat(explicit), true
		}
		return "", false
	}
	return jobs.DetectFormat(filename)
}

func contentTypeForUpload(format jobs.FileFormat) string {
	switch format {
	case jobs.FormatCSV:
		return "text/csv"
	case jobs.FormatNDJSON:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

// sanitizeFilename strips any path components and reserves the extension,
// guarding against a crafted multipart filename escaping the storage key
// prefix.
func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, "..", "")
	if base == "" || base == "." || base == "/" {
		return "upload"
	}
	return base
}

// validateFiltersForResource rejects any filter not applicable to
// resourceType, per spec.md §4's "supported filters" list: ids/created_*/
// updated_* are shared; active is users-only; status/author_id are
// articles-only; article_id/user_id are comments-only.
func validateFiltersForResource(resourceType jobs.ResourceType, f jobs.ExportFilters) (string, bool) {
	if f.Active != nil && resourceType != jobs.ResourceUsers {
		return "filter 'active' only applies to users", false
	}
	if (f.ArticleStatus != nil || f.AuthorID != nil) && resourceType != jobs.ResourceArticles {
		return "filters 'status' and 'author_id' only apply to articles", false
	}
	if (f.ArticleID != nil || f.UserID != nil) && resourceType != jobs.ResourceComments {
		return "filters 'article_id' and 'user_id' only apply to comments", false
	}
	return "", true
}
