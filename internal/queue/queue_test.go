package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/bulkjobs/internal/jobs"
	"github.com/jonesrussell/bulkjobs/internal/platform/logger"
	"github.com/jonesrussell/bulkjobs/internal/queue"
)

func newTestQueue(t *testing.T, consumer string) (*queue.Queue, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := queue.New(context.Background(), client, consumer, logger.NewNop())
	require.NoError(t, err)
	return q, client
}

func TestEnqueueAndReadRoundTrips(t *testing.T) {
	q, _ := newTestQueue(t, "worker-1")
	ctx := context.Background()

	jobID := uuid.New()
	require.NoError(t, q.Enqueue(ctx, jobs.JobData{
		JobID:        jobID,
		ResourceType: jobs.ResourceUsers,
		Kind:         jobs.JobKindImport,
		FileFormat:   jobs.FormatCSV,
	}))

	deliveries, err := q.Read(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, jobID, deliveries[0].Data.JobID)
	require.Equal(t, jobs.JobKindImport, deliveries[0].Data.Kind)

	require.NoError(t, q.Ack(ctx, deliveries[0].ID))
}

func TestReadReturnsEmptyWhenNothingPending(t *testing.T) {
	q, _ := newTestQueue(t, "worker-2")
	deliveries, err := q.Read(context.Background(), 10, 5*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, deliveries)
}
