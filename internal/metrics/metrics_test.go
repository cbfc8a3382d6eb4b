package metrics_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/bulkjobs/internal/jobs"
	"github.com/jonesrussell/bulkjobs/internal/metrics"
)

func TestJobStartedAndFinishedAreObservable(t *testing.T) {
	r := metrics.New()
	r.JobStarted(jobs.JobKindImport, jobs.ResourceUsers)
	r.JobFinished(jobs.JobKindImport, jobs.ResourceUsers, jobs.StatusCompleted, 1500)
	r.RowsProcessed(jobs.ResourceUsers, 100, 3)
	r.SetQueueDepth(7)
	r.ObserveLockWait(42)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "bulkjobs_jobs_started_total"))
	assert.True(t, strings.Contains(body, "bulkjobs_jobs_finished_total"))
	assert.True(t, strings.Contains(body, "bulkjobs_rows_processed_total"))
	assert.True(t, strings.Contains(body, "bulkjobs_queue_pending_messages 7"))
}
