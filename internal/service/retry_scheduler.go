package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eventrelay/eventrelay/internal/domain"
	"github.com/eventrelay/eventrelay/pkg/logger"
)

// RetryScheduler implements C9: a time-ordered queue of due-time
// references, backed by a Redis sorted set per schema, swept
// periodically to re-publish due attempts onto the stream log (§4.9).
type RetryScheduler struct {
	redis     *redis.Client
	streamLog domain.StreamLog
	logger    logger.Logger
}

// NewRetryScheduler wires the scheduler to its Redis client and the
// stream log it republishes into.
func NewRetryScheduler(client *redis.Client, streamLog domain.StreamLog, log logger.Logger) *RetryScheduler {
	return &RetryScheduler{redis: client, streamLog: streamLog, logger: log}
}

func retryQueueKey(schema string) string {
	return fmt.Sprintf("eventrelay:retry:%s", schema)
}

// scheduledRetry is the member payload stored in the sorted set; the
// member string itself (not just the score) is what ZADD NX dedupes
// against, so identical (event, endpoint, attempt) tuples collapse to
// one entry regardless of how many times Schedule is called for them.
type scheduledRetry struct {
	EventID       string `json:"event_id"`
	EndpointID    string `json:"endpoint_id"`
	AttemptNumber uint16 `json:"attempt_number"`
	Category      string `json:"category"`
}

func (s scheduledRetry) member() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Schedule enqueues a due-time reference for (eventID, endpointID,
// attemptNumber). nextRetryAt is clamped so it never lands beyond
// maxBackoff from now; jitter was already applied by the Delivery
// Planner and is not recomputed here.
func (s *RetryScheduler) Schedule(ctx context.Context, schema, eventID, endpointID, category string, attemptNumber uint16, nextRetryAt time.Time, maxBackoff time.Duration) error {
	ceiling := time.Now().Add(maxBackoff)
	if nextRetryAt.After(ceiling) {
		nextRetryAt = ceiling
	}

	retry := scheduledRetry{EventID: eventID, EndpointID: endpointID, AttemptNumber: attemptNumber, Category: category}
	member, err := retry.member()
	if err != nil {
		return fmt.Errorf("failed to encode scheduled retry: %w", err)
	}

	_, err = s.redis.ZAddNX(ctx, retryQueueKey(schema), redis.Z{
		Score:  float64(nextRetryAt.Unix()),
		Member: member,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to schedule retry for event %s endpoint %s: %w", eventID, endpointID, err)
	}
	return nil
}

// Sweep pops up to limit due entries (score <= now) and republishes
// each onto the stream log's events.{schema}.{category} topic,
// partitioned by event id. A ZRem that removes zero members means a
// concurrent sweeper already claimed that entry first, so this
// instance skips it rather than double-publishing.
func (s *RetryScheduler) Sweep(ctx context.Context, schema string, now time.Time, limit int64) (int, error) {
	key := retryQueueKey(schema)
	members, err := s.redis.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan due retries for schema %s: %w", schema, err)
	}

	republished := 0
	for _, raw := range members {
		removed, err := s.redis.ZRem(ctx, key, raw).Result()
		if err != nil {
			return republished, fmt.Errorf("failed to claim due retry: %w", err)
		}
		if removed == 0 {
			continue
		}

		var retry scheduledRetry
		if err := json.Unmarshal([]byte(raw), &retry); err != nil {
			s.logger.WithField("raw", raw).Warn("dropping unreadable scheduled retry entry")
			continue
		}

		topic := streamTopicName(schema, retry.Category)
		entry := map[string]string{
			"event_id":       retry.EventID,
			"endpoint_id":    retry.EndpointID,
			"attempt_number": fmt.Sprintf("%d", retry.AttemptNumber),
		}
		if _, err := s.streamLog.Publish(ctx, topic, retry.EventID, entry); err != nil {
			return republished, fmt.Errorf("failed to republish retry for event %s endpoint %s: %w", retry.EventID, retry.EndpointID, err)
		}
		republished++
	}
	return republished, nil
}

// streamTopicName builds the §6.5 topic name for a schema/category pair.
func streamTopicName(schema, category string) string {
	return fmt.Sprintf("events.%s.%s", schema, category)
}
