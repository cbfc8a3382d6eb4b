// Package queue delivers JobData envelopes over a Redis Stream via XAdd,
// generalized from a fire-and-forget publish into a consumer-group
// read/ack cycle. Entries left un-acked stay pending and are not
// re-delivered: there is no retry or backoff.
package queue

import (
	"context"
	"fmt"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/bulkjobs/internal/jobs"
	"github.com/jonesrussell/bulkjobs/internal/platform/logger"
)

// StreamName is the Redis stream carrying bulk job envelopes.
const StreamName = "bulkjobs:jobs"

// ConsumerGroup is the consumer group worker processes join.
const ConsumerGroup = "bulkjobs-workers"

// Delivery is one queue message: the decoded payload plus the fields
// needed to acknowledge it.
type Delivery struct {
	ID   string
	Data jobs.JobData
}

// Queue wraps a Redis Stream as a JobData delivery mechanism.
type Queue struct {
	client   *redis.Client
	consumer string
	logger   logger.Logger
}

// New constructs a Queue and ensures the consumer group exists. consumer is
// this process's unique reader name within the group.
func New(ctx context.Context, client *redis.Client, consumer string, log logger.Logger) (*Queue, error) {
	if consumer == "" {
		consumer = uuid.NewString()
	}
	q := &Queue{client: client, consumer: consumer, logger: log}

	err := client.XGroupCreateMkStream(ctx, StreamName, ConsumerGroup, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return q, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// Enqueue publishes a job envelope to the stream.
func (q *Queue) Enqueue(ctx context.Context, data jobs.JobData) error {
	payload, err := gojson.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal job envelope: %w", err)
	}

	result := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName,
		Values: map[string]any{"job": string(payload)},
	})
	if err := result.Err(); err != nil {
		return fmt.Errorf("enqueue to stream: %w", err)
	}

	if q.logger != nil {
		q.logger.Info("enqueued job",
			logger.String("job_id", data.JobID.String()),
			logger.String("kind", string(data.Kind)),
			logger.String("stream_id", result.Val()),
		)
	}
	return nil
}

// Read blocks up to block for up to count new entries not yet delivered to
// any consumer of this group; entries already pending are not read again.
// An empty slice with a nil error means the block window elapsed with
// nothing delivered.
func (q *Queue) Read(ctx context.Context, count int64, block time.Duration) ([]Delivery, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: q.consumer,
		Streams:  []string{StreamName, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read from stream: %w", err)
	}

	var out []Delivery
	for _, stream := range res {
		for _, msg := range stream.Messages {
			raw, ok := msg.Values["job"].(string)
			if !ok {
				if q.logger != nil {
					q.logger.Warn("dropping malformed queue message", logger.String("message_id", msg.ID))
				}
				continue
			}
			var data jobs.JobData
			if err := gojson.Unmarshal([]byte(raw), &data); err != nil {
				if q.logger != nil {
					q.logger.Warn("dropping unparseable queue message", logger.String("message_id", msg.ID), logger.Error(err))
				}
				continue
			}
			out = append(out, Delivery{ID: msg.ID, Data: data})
		}
	}
	return out, nil
}

// Ack acknowledges successful processing of a delivery, removing it from
// the pending-entries list for this consumer group.
func (q *Queue) Ack(ctx context.Context, messageID string) error {
	if err := q.client.XAck(ctx, StreamName, ConsumerGroup, messageID).Err(); err != nil {
		return fmt.Errorf("ack message %s: %w", messageID, err)
	}
	return nil
}
