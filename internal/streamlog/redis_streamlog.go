// Package streamlog implements the append-only, partitioned log with
// consumer groups (C2, §4.2) on top of Redis Streams.
package streamlog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eventrelay/eventrelay/internal/domain"
)

// RedisStreamLog implements domain.StreamLog using XADD/XGROUP/XREADGROUP/
// XACK/XCLAIM/XPENDING against a redis/go-redis/v9 client.
type RedisStreamLog struct {
	client          *redis.Client
	claimMinIdle    time.Duration
	partitionCount  int
}

// Config bundles the knobs RedisStreamLog needs beyond the *redis.Client.
type Config struct {
	ClaimMinIdleTime time.Duration
	Partitions       int
}

// NewRedisStreamLog wraps an already-connected client.
func NewRedisStreamLog(client *redis.Client, cfg Config) domain.StreamLog {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	return &RedisStreamLog{client: client, claimMinIdle: cfg.ClaimMinIdleTime, partitionCount: cfg.Partitions}
}

// streamKey derives the concrete Redis key for a topic+partition. Publish
// derives the partition from the caller's partition key via PartitionFor
// (§4.2) so events for the same aggregate always land on the same
// physical stream and so preserve per-aggregate ordering.
func streamKey(topic string, partition int) string {
	return fmt.Sprintf("eventrelay:stream:%s:%d", topic, partition)
}

// PartitionFor deterministically maps a partition key onto one of the
// configured partitions using FNV-1a, so the same partition key always
// routes to the same physical stream.
func (s *RedisStreamLog) PartitionFor(partitionKey string) int {
	var h uint32 = 2166136261
	for i := 0; i < len(partitionKey); i++ {
		h ^= uint32(partitionKey[i])
		h *= 16777619
	}
	return int(h % uint32(s.partitionCount))
}

// Publish appends entry to the stream partition derived from
// partitionKey and returns the Redis-assigned entry id.
func (s *RedisStreamLog) Publish(ctx context.Context, topic, partitionKey string, entry map[string]string) (string, error) {
	key := streamKey(topic, s.PartitionFor(partitionKey))
	values := make(map[string]interface{}, len(entry))
	for k, v := range entry {
		values[k] = v
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: values,
	}).Result()
	if err != nil {
		return "", &domain.ErrStreamUnavailable{Op: "Publish", Err: err}
	}
	return id, nil
}

// CreateConsumerGroup idempotently creates group on every partition of
// topic, starting from the beginning of each stream.
func (s *RedisStreamLog) CreateConsumerGroup(ctx context.Context, topic, group string) error {
	for p := 0; p < s.partitionCount; p++ {
		key := streamKey(topic, p)
		err := s.client.XGroupCreateMkStream(ctx, key, group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return &domain.ErrStreamUnavailable{Op: "CreateConsumerGroup", Err: err}
		}
	}
	return nil
}

// Read polls every partition of topic for new entries delivered to
// consumerID under group, returning up to maxEntries from each
// partition (XREADGROUP applies COUNT per stream). When
// block is true and nothing is immediately available it waits briefly
// rather than busy-polling.
func (s *RedisStreamLog) Read(ctx context.Context, topic, group, consumerID string, maxEntries int, block bool) ([]domain.StreamEntry, error) {
	blockDuration := time.Duration(0)
	if block {
		blockDuration = 2 * time.Second
	}

	streams := make([]string, 0, s.partitionCount*2)
	for p := 0; p < s.partitionCount; p++ {
		streams = append(streams, streamKey(topic, p))
	}
	ids := make([]string, len(streams))
	for i := range ids {
		ids[i] = ">"
	}
	streams = append(streams, ids...)

	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumerID,
		Streams:  streams,
		Count:    int64(maxEntries),
		Block:    blockDuration,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.ErrStreamUnavailable{Op: "Read", Err: err}
	}

	var out []domain.StreamEntry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			out = append(out, toStreamEntry(msg))
		}
	}
	return out, nil
}

// Ack acknowledges successfully processed entries. Entry ids are taken
// as given and XACKed on every partition of topic, so the caller need
// not know which partition each entry came from; an id that is not
// pending on a partition is ignored there.
func (s *RedisStreamLog) Ack(ctx context.Context, topic, group string, entryIDs []string) error {
	for p := 0; p < s.partitionCount; p++ {
		key := streamKey(topic, p)
		if err := s.client.XAck(ctx, key, group, entryIDs...).Err(); err != nil {
			return &domain.ErrStreamUnavailable{Op: "Ack", Err: err}
		}
	}
	return nil
}

// Nack either leaves entries pending for a future XCLAIM (requeue=false)
// or immediately XCLAIMs them, on every partition of topic, to a consumer
// named "requeue" (requeue=true) without waiting out the pending entry's
// idle timer; the claimed entries are not returned to the caller.
func (s *RedisStreamLog) Nack(ctx context.Context, topic, group string, entryIDs []string, requeue bool) error {
	if !requeue {
		return nil
	}
	for p := 0; p < s.partitionCount; p++ {
		key := streamKey(topic, p)
		_, err := s.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   key,
			Group:    group,
			Consumer: "requeue",
			MinIdle:  0,
			Messages: entryIDs,
		}).Result()
		if err != nil && err != redis.Nil {
			return &domain.ErrStreamUnavailable{Op: "Nack", Err: err}
		}
	}
	return nil
}

// Pending returns entries claimed by a consumer but idle longer than
// ClaimMinIdleTime, across every partition of topic. The Dispatcher's
// reconciliation sweep does not call it; it reclaims expired leases
// through the event repository.
func (s *RedisStreamLog) Pending(ctx context.Context, topic, group string) ([]domain.StreamEntry, error) {
	var out []domain.StreamEntry
	for p := 0; p < s.partitionCount; p++ {
		key := streamKey(topic, p)

		summary, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: key,
			Group:  group,
			Idle:   s.claimMinIdle,
			Start:  "-",
			End:    "+",
			Count:  1000,
		}).Result()
		if err != nil {
			if isNoGroup(err) {
				continue
			}
			return nil, &domain.ErrStreamUnavailable{Op: "Pending", Err: err}
		}
		if len(summary) == 0 {
			continue
		}

		ids := make([]string, len(summary))
		for i, p := range summary {
			ids[i] = p.ID
		}

		claimed, err := s.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   key,
			Group:    group,
			Consumer: "reconciler",
			MinIdle:  s.claimMinIdle,
			Messages: ids,
		}).Result()
		if err != nil && err != redis.Nil {
			return nil, &domain.ErrStreamUnavailable{Op: "Pending", Err: err}
		}
		for _, msg := range claimed {
			out = append(out, toStreamEntry(msg))
		}
	}
	return out, nil
}

// Close releases the underlying Redis client.
func (s *RedisStreamLog) Close() error {
	return s.client.Close()
}

func toStreamEntry(msg redis.XMessage) domain.StreamEntry {
	values := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		values[k] = fmt.Sprintf("%v", v)
	}
	return domain.StreamEntry{
		ID:           msg.ID,
		PartitionKey: values["partition_key"],
		Values:       values,
	}
}

func isBusyGroup(err error) bool {
	return strings.Contains(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return strings.Contains(err.Error(), "NOGROUP")
}

// ParseEntrySeq extracts the millisecond-timestamp portion of a Redis
// stream entry id ("<ms>-<seq>"), useful for lag/age metrics.
func ParseEntrySeq(id string) (int64, error) {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed stream entry id %q", id)
	}
	return strconv.ParseInt(parts[0], 10, 64)
}
