// Package jobs defines the durable job record, its state lattice, and the
// Postgres-backed store that provides atomic transition/finalize
// primitives on top of it.
package jobs

import (
	"time"

	"github.com/google/uuid"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether s is a terminal status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// allowedTransitions encodes the lattice from the data model: PENDING →
// PROCESSING → {COMPLETED, FAILED}; PENDING → CANCELLED; PROCESSING →
// CANCELLED. Any other transition is rejected.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusProcessing: true,
		StatusCancelled:   true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// ResourceType is one of the three bulk-transferable domains.
type ResourceType string

const (
	ResourceUsers    ResourceType = "users"
	ResourceArticles ResourceType = "articles"
	ResourceComments ResourceType = "comments"
)

// ValidResourceType reports whether rt is one of the known resource kinds.
func ValidResourceType(rt ResourceType) bool {
	switch rt {
	case ResourceUsers, ResourceArticles, ResourceComments:
		return true
	default:
		return false
	}
}

// FileFormat is one of the three supported wire formats.
type FileFormat string

const (
	FormatJSON   FileFormat = "json"
	FormatNDJSON FileFormat = "ndjson"
	FormatCSV    FileFormat = "csv"
)

// DetectFormat maps a filename extension to a FileFormat, per the
// "auto-detect from filename extension" contract: json, ndjson, jsonl
// (-> ndjson), csv.
func DetectFormat(filename string) (FileFormat, bool) {
	ext := extOf(filename)
	switch ext {
	case "json":
		return FormatJSON, true
	case "ndjson", "jsonl":
		return FormatNDJSON, true
	case "csv":
		return FormatCSV, true
	default:
		return "", false
	}
}

func extOf(filename string) string {
	for i := len(filename) - 1; i >= 0; i-- {
		if filename[i] == '.' {
			return toLowerASCII(filename[i+1:])
		}
		if filename[i] == '/' {
			break
		}
	}
	return ""
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// RowError is one entry of a job's bounded error list.
type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

// MaxErrors is the bound on a job's persisted error list (I5).
const MaxErrors = 100

// MaxErrorValueLen is the length at which an errors[].value is truncated
// with a "…" suffix (B3).
const MaxErrorValueLen = 100

// TruncateValue truncates s to MaxErrorValueLen runes, appending "…" if
// truncation occurred.
func TruncateValue(s string) string {
	r := []rune(s)
	if len(r) <= MaxErrorValueLen {
		return s
	}
	return string(r[:MaxErrorValueLen]) + "…"
}

// Metrics is the job's finalize-time performance snapshot.
type Metrics struct {
	RowsPerSecond float64 `json:"rows_per_second,omitempty"`
	DurationMS    int64   `json:"duration_ms,omitempty"`
	ErrorRate     float64 `json:"error_rate,omitempty"`
	TotalBytes    int64   `json:"total_bytes,omitempty"`
}

// Counters is the set of non-negative progress counters tracked on every
// job record; P1 requires successful+failed+skipped <= processed <= total
// once total is set.
type Counters struct {
	TotalRows      int `json:"total_rows"`
	ProcessedRows  int `json:"processed_rows"`
	SuccessfulRows int `json:"successful_rows"`
	FailedRows     int `json:"failed_rows"`
	SkippedRows    int `json:"skipped_rows"`
}

// ImportJob is the durable record for a bulk import operation.
type ImportJob struct {
	ID             uuid.UUID
	IdempotencyKey *string
	ResourceType   ResourceType
	Status         Status
	Version        int64

	LockedBy *string
	LockedAt *time.Time

	StartedAt   *time.Time
	CompletedAt *time.Time

	FileURL    string
	StorageKey string
	FileName   string
	FileSize   int64
	FileFormat FileFormat

	Counters
	Errors  []RowError
	Metrics Metrics

	ErrorMessage *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExportJob is the durable record for a bulk export operation.
type ExportJob struct {
	ID           uuid.UUID
	ResourceType ResourceType
	Format       FileFormat
	Status       Status
	Version      int64

	LockedBy *string
	LockedAt *time.Time

	StartedAt   *time.Time
	CompletedAt *time.Time

	Filters ExportFilters
	Fields  []string

	DownloadURL *string
	ExpiresAt   *time.Time
	FileName    string
	FileSize    int64

	TotalRows    int
	ExportedRows int
	Metrics      Metrics

	ErrorMessage *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExportFilters is the semantic filter set accepted by an export job.
// Fields irrelevant to a given resource type are ignored by the core (the
// façade is expected to reject them up front).
type ExportFilters struct {
	IDs             []uuid.UUID `json:"ids,omitempty"`
	CreatedAfter    *time.Time  `json:"created_after,omitempty"`
	CreatedBefore   *time.Time  `json:"created_before,omitempty"`
	UpdatedAfter    *time.Time  `json:"updated_after,omitempty"`
	UpdatedBefore   *time.Time  `json:"updated_before,omitempty"`
	Active          *bool       `json:"active,omitempty"`
	ArticleStatus   *string     `json:"status,omitempty"`
	AuthorID        *uuid.UUID  `json:"author_id,omitempty"`
	ArticleID       *uuid.UUID  `json:"article_id,omitempty"`
	UserID          *uuid.UUID  `json:"user_id,omitempty"`
}

// AppendError appends err to the job's bounded error list, respecting I5.
// Callers must still increment FailedRows themselves; this only governs
// what is persisted.
func (j *ImportJob) AppendError(e RowError) {
	e.Value = TruncateValue(e.Value)
	if len(j.Errors) >= MaxErrors {
		return
	}
	j.Errors = append(j.Errors, e)
}

// JobData is the payload delivered by the job queue to worker processes.
type JobData struct {
	JobID          uuid.UUID      `json:"job_id"`
	ResourceType   ResourceType   `json:"resource_type"`
	Kind           JobKind        `json:"kind"`
	FileURL        string         `json:"file_url,omitempty"`
	StorageKey     string         `json:"storage_key,omitempty"`
	FileFormat     FileFormat     `json:"file_format,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	Format         FileFormat     `json:"format,omitempty"`
	Filters        *ExportFilters `json:"filters,omitempty"`
	Fields         []string       `json:"fields,omitempty"`
}

// JobKind distinguishes an import delivery from an export delivery on the
// same queue.
type JobKind string

const (
	JobKindImport JobKind = "import"
	JobKindExport JobKind = "export"
)
