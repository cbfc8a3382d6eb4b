package httpapi

import (
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/bulkjobs/internal/jobs"
)

// ImportJobResponse is the wire shape for an import job, per spec.md §6.
type ImportJobResponse struct {
	ID             uuid.UUID      `json:"id"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	ResourceType   jobs.ResourceType `json:"resource_type"`
	Status         jobs.Status    `json:"status"`
	FileName       string         `json:"file_name"`
	FileSize       int64          `json:"file_size"`
	FileFormat     jobs.FileFormat `json:"file_format"`
	jobs.Counters
	Errors       []jobs.RowError `json:"errors"`
	Metrics      jobs.Metrics    `json:"metrics"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ExportJobResponse is the wire shape for an export job, per spec.md §6.
type ExportJobResponse struct {
	ID           uuid.UUID          `json:"id"`
	ResourceType jobs.ResourceType  `json:"resource_type"`
	Format       jobs.FileFormat    `json:"format"`
	Status       jobs.Status        `json:"status"`
	Filters      jobs.ExportFilters `json:"filters"`
	Fields       []string           `json:"fields,omitempty"`
	DownloadURL  *string            `json:"download_url,omitempty"`
	ExpiresAt    *time.Time         `json:"expires_at,omitempty"`
	FileName     string             `json:"file_name,omitempty"`
	FileSize     int64              `json:"file_size,omitempty"`
	TotalRows    int                `json:"total_rows"`
	ExportedRows int                `json:"exported_rows"`
	Metrics      jobs.Metrics       `json:"metrics"`
	ErrorMessage *string            `json:"error_message,omitempty"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

func importJobResponse(j *jobs.ImportJob) ImportJobResponse {
	return ImportJobResponse{
		ID:             j.ID,
		IdempotencyKey: j.IdempotencyKey,
		ResourceType:   j.ResourceType,
		Status:         j.Status,
		FileName:       j.FileName,
		FileSize:       j.FileSize,
		FileFormat:     j.FileFormat,
		Counters:       j.Counters,
		Errors:         j.Errors,
		Metrics:        j.Metrics,
		ErrorMessage:   j.ErrorMessage,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

func exportJobResponse(j *jobs.ExportJob) ExportJobResponse {
	return ExportJobResponse{
		ID:           j.ID,
		ResourceType: j.ResourceType,
		Format:       j.Format,
		Status:       j.Status,
		Filters:      j.Filters,
		Fields:       j.Fields,
		DownloadURL:  j.DownloadURL,
		ExpiresAt:    j.ExpiresAt,
		FileName:     j.FileName,
		FileSize:     j.FileSize,
		TotalRows:    j.TotalRows,
		ExportedRows: j.ExportedRows,
		Metrics:      j.Metrics,
		ErrorMessage: j.ErrorMessage,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

// CreateExportRequest is the JSON body for POST /api/v1/exports.
type CreateExportRequest struct {
	ResourceType jobs.ResourceType  `json:"resource_type" binding:"required"`
	Format       jobs.FileFormat    `json:"format" binding:"required"`
	Filters      jobs.ExportFilters `json:"filters"`
	Fields       []string           `json:"fields"`
}
