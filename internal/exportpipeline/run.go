package exportpipeline

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/bulkjobs/internal/codec"
	"github.com/jonesrussell/bulkjobs/internal/jobs"
	"github.com/jonesrussell/bulkjobs/internal/objectstorage"
	platerrors "github.com/jonesrussell/bulkjobs/internal/platform/errors"
	"github.com/jonesrussell/bulkjobs/internal/platform/logger"
)

// pageCursor is the keyset position after the last row of the previous page.
type pageCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// ProgressFunc is invoked after every page with the running export count.
type ProgressFunc func(exportedRows int)

// Storage is the subset of the object storage adapter the Runner needs,
// narrowed to allow a fake in tests instead of a real S3 client.
type Storage interface {
	PutStream(ctx context.Context, key string, r io.Reader, contentType string, metadata map[string]string) (objectstorage.PutResult, error)
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)
}

// Runner executes one export job end to end: count, stream, project,
// encode, upload.
type Runner struct {
	db       *sql.DB
	storage  Storage
	logger   logger.Logger
	pageSize int
}

// NewRunner constructs a Runner. pageSize defaults to 1000 when <= 0.
func NewRunner(db *sql.DB, storage Storage, log logger.Logger, pageSize int) *Runner {
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &Runner{db: db, storage: storage, logger: log, pageSize: pageSize}
}

// Outcome is the result of a completed export run.
type Outcome struct {
	TotalRows    int
	ExportedRows int
	StorageKey   string
	FileSize     int64
	DurationMS   int64
}

// Run executes the full export pipeline for job, calling onProgress after
// every page (§4.8's "progress flushed every 10 batches" — here every page,
// since export pages already batch at WorkerConfig.BatchSize).
func (r *Runner) Run(ctx context.Context, job *jobs.ExportJob, onProgress ProgressFunc) (Outcome, error) {
	start := time.Now()

	total, err := r.count(ctx, job.ResourceType, job.Filters)
	if err != nil {
		return Outcome{}, platerrors.Wrap(platerrors.KindRowDB, err, "count export rows")
	}

	encoder, err := codec.ForEncodeFormat(string(job.Format), job.Fields)
	if err != nil {
		return Outcome{}, platerrors.Wrap(platerrors.KindValidation, err, "select encoder")
	}

	pr, pw := io.Pipe()
	uploadErrCh := make(chan error, 1)
	key := objectstorage.ExportKey(start, job.ID.String(), string(job.Format))

	go func() {
		_, uploadErr := r.storage.PutStream(ctx, key, pr, contentTypeFor(job.Format), map[string]string{
			"job_id":        job.ID.String(),
			"resource_type": string(job.ResourceType),
		})
		uploadErrCh <- uploadErr
		_ = pr.CloseWithError(uploadErr)
	}()

	byteCounter := &codec.ByteCounter{}
	meter := codec.NewMeter(0, func(rep codec.MeterReport) {
		r.logger.Debug("export throughput",
			logger.String("job_id", job.ID.String()),
			logger.Int("rows", int(rep.TotalRows)),
			logger.Duration("elapsed", time.Duration(rep.ElapsedMS)*time.Millisecond),
		)
	})
	exported, encodeErr := r.streamAndEncode(ctx, byteCounter.CountingWriter(pw), encoder, job, meter, onProgress)
	meter.Close()
	closeErr := pw.Close()
	if encodeErr == nil {
		encodeErr = closeErr
	}

	uploadErr := <-uploadErrCh
	if encodeErr != nil {
		return Outcome{}, platerrors.Wrap(platerrors.KindFatalIO, encodeErr, "encode export stream")
	}
	if uploadErr != nil {
		return Outcome{}, platerrors.Wrap(platerrors.KindFatalIO, uploadErr, "upload export stream")
	}

	return Outcome{
		TotalRows:    total,
		ExportedRows: exported,
		StorageKey:   key,
		FileSize:     byteCounter.Count(),
		DurationMS:   time.Since(start).Milliseconds(),
	}, nil
}

func (r *Runner) count(ctx context.Context, resourceType jobs.ResourceType, filters jobs.ExportFilters) (int, error) {
	q, args := buildCountQuery(resourceType, filters)
	var total int
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (r *Runner) streamAndEncode(ctx context.Context, w io.Writer, encoder codec.Encoder, job *jobs.ExportJob, meter *codec.Meter, onProgress ProgressFunc) (int, error) {
	bw := codec.NewBufferedWriter(w)
	defer bw.Close()

	if err := encoder.Begin(bw); err != nil {
		return 0, fmt.Errorf("begin encoder: %w", err)
	}

	var cursor *pageCursor
	exported := 0
	for {
		rows, next, err := r.fetchPage(ctx, job.ResourceType, job.Filters, cursor)
		if err != nil {
			return exported, fmt.Errorf("fetch export page: %w", err)
		}
		for _, row := range rows {
			projected := project(job.ResourceType, job.Fields, row)
			if err := encoder.Write(bw, projected); err != nil {
				return exported, fmt.Errorf("encode row: %w", err)
			}
			exported++
		}
		meter.Inc(int64(len(rows)))
		if onProgress != nil {
			onProgress(exported)
		}
		if next == nil {
			break
		}
		cursor = next
	}

	if err := encoder.End(bw); err != nil {
		return exported, fmt.Errorf("end encoder: %w", err)
	}
	return exported, nil
}

// fetchPage returns up to pageSize rows as codec.Value Objs keyed by DB
// column name (pre-rename), plus the cursor for the next page or nil if
// this was the last page.
func (r *Runner) fetchPage(ctx context.Context, resourceType jobs.ResourceType, filters jobs.ExportFilters, cursor *pageCursor) ([]codec.Value, *pageCursor, error) {
	q, args := buildPageQuery(resourceType, filters, cursor)
	args = append(args, r.pageSize)

	sqlRows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nil, err
	}
	defer sqlRows.Close()

	columns := resourceColumns[resourceType]
	var out []codec.Value
	var lastCreatedAt time.Time
	var lastID uuid.UUID

	for sqlRows.Next() {
		dest := make([]any, len(columns))
		raw := make([]any, len(columns))
		for i := range dest {
			dest[i] = &raw[i]
		}
		if err := sqlRows.Scan(dest...); err != nil {
			return nil, nil, err
		}
		obj := map[string]codec.Value{}
		for i, col := range columns {
			obj[col] = codec.FromAny(raw[i])
			if col == "created_at" {
				if t, ok := raw[i].(time.Time); ok {
					lastCreatedAt = t
				}
			}
			if col == "id" {
				if id, ok := raw[i].(uuid.UUID); ok {
					lastID = id
				} else if s, ok := raw[i].(string); ok {
					if parsed, perr := uuid.Parse(s); perr == nil {
						lastID = parsed
					}
				}
			}
		}
		out = append(out, codec.Obj(obj))
	}
	if err := sqlRows.Err(); err != nil {
		return nil, nil, err
	}

	if len(out) < r.pageSize {
		return out, nil, nil
	}
	return out, &pageCursor{CreatedAt: lastCreatedAt, ID: lastID}, nil
}

// project renames DB columns to their exported field names and, if fields
// is non-empty, restricts the output to that set (after renaming), per
// §4.7 step 3.
func project(resourceType jobs.ResourceType, fields []string, row codec.Value) codec.Value {
	wanted := map[string]bool{}
	for _, f := range fields {
		wanted[f] = true
	}

	out := map[string]codec.Value{}
	for _, col := range resourceColumns[resourceType] {
		if !row.Has(col) {
			continue
		}
		name := exportFieldName(col)
		if len(wanted) > 0 && !wanted[name] {
			continue
		}
		out[name] = row.Get(col)
	}
	return codec.Obj(out)
}

func contentTypeFor(format jobs.FileFormat) string {
	switch format {
	case jobs.FormatCSV:
		return "text/csv"
	case jobs.FormatNDJSON:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}
