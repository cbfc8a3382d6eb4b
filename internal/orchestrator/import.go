package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/jonesrussell/bulkjobs/internal/codec"
	"github.com/jonesrussell/bulkjobs/internal/jobs"
	platerrors "github.com/jonesrussell/bulkjobs/internal/platform/errors"
	"github.com/jonesrussell/bulkjobs/internal/platform/logger"
	"github.com/jonesrussell/bulkjobs/internal/upsert"
	"github.com/jonesrussell/bulkjobs/internal/validate"
)

// flushEveryBatches is how often progress counters are persisted to the
// job record during a run, per §4.8.
const flushEveryBatches = 10

// runImportPipeline implements spec.md §4.4 -> §4.5 -> §4.6 for one import
// job: decode, validate, batch, upsert, with progress flushed every
// flushEveryBatches batches. The returned int64 is the total bytes read off
// the source stream, for jobs.Metrics.TotalBytes.
func (o *ImportOrchestrator) runImportPipeline(ctx context.Context, job *jobs.ImportJob, onProgress func(jobs.Counters)) (jobs.Counters, []jobs.RowError, int64, error) {
	validator, ok := validate.ForResource(string(job.ResourceType))
	if !ok {
		return jobs.Counters{}, nil, 0, platerrors.New(platerrors.KindValidation, fmt.Sprintf("unknown resource type %q", job.ResourceType))
	}

	decoder, err := codec.ForFormat(string(job.FileFormat))
	if err != nil {
		return jobs.Counters{}, nil, 0, platerrors.Wrap(platerrors.KindValidation, err, "select decoder")
	}

	src, err := o.storage.GetStream(ctx, job.StorageKey)
	if err != nil {
		return jobs.Counters{}, nil, 0, platerrors.Wrap(platerrors.KindFatalIO, err, "open import file")
	}
	defer src.Close()

	byteCounter := &codec.ByteCounter{}
	meter := codec.NewMeter(0, func(rep codec.MeterReport) {
		o.logger.Debug("import throughput",
			logger.String("job_id", job.ID.String()),
			logger.Int("rows", int(rep.TotalRows)),
			logger.Duration("elapsed", time.Duration(rep.ElapsedMS)*time.Millisecond),
		)
	})
	defer meter.Close()

	records := decoder.Decode(byteCounter.CountingReader(src))
	batches := codec.Batcher(records, o.batchSize)

	var counters jobs.Counters
	var errs []jobs.RowError
	batchCount := 0

	for batch := range batches {
		var rows []upsert.NormalizedRow
		for _, rec := range batch.Records {
			if rec.Err != nil && rec.LineNumber == 0 {
				return counters, errs, byteCounter.Count(), platerrors.Wrap(platerrors.KindFatalIO, rec.Err, "decode import file")
			}
			counters.TotalRows++
			counters.ProcessedRows++
			meter.Inc(1)
			if rec.Err != nil {
				counters.FailedRows++
				errs = appendBounded(errs, jobs.RowError{
					Row:     rec.LineNumber,
					Message: rec.Err.Error(),
				})
				continue
			}
			verdict := validator(rec.Value, rec.LineNumber)
			if !verdict.Valid {
				counters.FailedRows++
				for _, fe := range verdict.Errors {
					errs = appendBounded(errs, jobs.RowError{
						Row: rec.LineNumber, Field: fe.Field, Message: fe.Message, Value: fe.Value,
					})
				}
				continue
			}
			rows = append(rows, upsert.NormalizedRow{LineNumber: rec.LineNumber, Fields: verdict.Normalized})
		}

		if len(rows) > 0 {
			result, err := o.upsert.UpsertBatch(ctx, job.ResourceType, rows)
			if err != nil {
				// §7 item 4: a transaction-level failure rolls back the whole
				// batch; every row in it counts as failed, the error is
				// recorded once, and the pipeline continues with the next
				// batch rather than failing the whole job.
				counters.FailedRows += len(rows)
				errs = appendBounded(errs, jobs.RowError{Message: err.Error()})
			} else {
				counters.SuccessfulRows += result.Successful
				counters.FailedRows += result.Failed
				for _, re := range result.Errors {
					errs = appendBounded(errs, re)
				}
			}
		}

		batchCount++
		if batchCount%flushEveryBatches == 0 && onProgress != nil {
			onProgress(counters)
		}
	}

	if onProgress != nil {
		onProgress(counters)
	}
	return counters, errs, byteCounter.Count(), nil
}

func appendBounded(errs []jobs.RowError, e jobs.RowError) []jobs.RowError {
	if len(errs) >= jobs.MaxErrors {
		return errs
	}
	e.Value = jobs.TruncateValue(e.Value)
	return append(errs, e)
}
