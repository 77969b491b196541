package domain

import "context"

// EventStore is the durable, schema-scoped persistence contract for
// DomainEvent (C1, §4.1).
type EventStore interface {
	Append(ctx context.Context, schema string, event *DomainEvent) error
	Load(ctx context.Context, schema, eventID string) (*DomainEvent, error)

	// ClaimPending returns up to limit pending events and atomically
	// marks them dispatched with a lease, using row-level
	// skip-locked semantics so concurrent workers never race on the
	// same row.
	ClaimPending(ctx context.Context, schema string, limit int, workerID string, leaseDuration int64) ([]*DomainEvent, error)

	MarkProcessed(ctx context.Context, schema, eventID string) error
	MarkDead(ctx context.Context, schema, eventID string, errRecord *ErrorRecord) error

	CountByState(ctx context.Context, schema string, state ProcessingState) (int64, error)

	// ReclaimExpiredLeases returns dispatched events whose lease has
	// expired, for Loop B's reconciliation sweep (§4.10).
	ReclaimExpiredLeases(ctx context.Context, schema string, limit int) ([]*DomainEvent, error)

	// StalePending returns pending events older than the given
	// threshold in seconds, covering Publisher step-3 failures (§4.3).
	StalePending(ctx context.Context, schema string, olderThanSeconds int64, limit int) ([]*DomainEvent, error)
}

// StreamEntry is one entry read back from the Stream Log.
type StreamEntry struct {
	ID           string
	PartitionKey string
	Values       map[string]string
}

// StreamLog is the append-only, partitioned log with consumer groups
// (C2, §4.2). The concrete implementation is Redis Streams; this
// interface is storage-agnostic.
type StreamLog interface {
	Publish(ctx context.Context, topic, partitionKey string, entry map[string]string) (string, error)
	CreateConsumerGroup(ctx context.Context, topic, group string) error
	Read(ctx context.Context, topic, group, consumerID string, maxEntries int, block bool) ([]StreamEntry, error)
	Ack(ctx context.Context, topic, group string, entryIDs []string) error
	Nack(ctx context.Context, topic, group string, entryIDs []string, requeue bool) error
	Pending(ctx context.Context, topic, group string) ([]StreamEntry, error)
	Close() error
}

// EndpointRepository is the Endpoint Registry's persistence contract
// (C4, §4.4).
type EndpointRepository interface {
	Create(ctx context.Context, schema string, endpoint *WebhookEndpoint) error
	Get(ctx context.Context, schema, endpointID string) (*WebhookEndpoint, error)
	Update(ctx context.Context, schema string, endpoint *WebhookEndpoint) error
	SoftDelete(ctx context.Context, schema, endpointID string) error
	List(ctx context.Context, schema string, cursor string, limit int) ([]*WebhookEndpoint, string, error)

	RecordHealthOutcome(ctx context.Context, schema, endpointID string, success bool) (*WebhookEndpoint, error)
}

// SubscriptionRepository persists the denormalized matcher rules (C5
// persistence half; matching logic itself lives in the service layer).
type SubscriptionRepository interface {
	Create(ctx context.Context, schema string, sub *Subscription) error
	ListActiveByCategory(ctx context.Context, schema, category string) ([]*Subscription, error)
	ListByEndpoint(ctx context.Context, schema, endpointID string) ([]*Subscription, error)
	Delete(ctx context.Context, schema, subscriptionID string) error
}

// AttemptRepository is the Attempt Recorder's persistence contract (C8,
// §4.8).
type AttemptRepository interface {
	// Upsert inserts or, on conflict with the unique
	// (event_id, endpoint_id, attempt_number) key, returns the existing
	// row unchanged — this is what makes recording idempotent under
	// retry (§4.8's IntegrityViolation recovery path).
	Upsert(ctx context.Context, schema string, attempt *DeliveryAttempt) error

	ListByEventEndpoint(ctx context.Context, schema, eventID, endpointID string) ([]*DeliveryAttempt, error)
	ListByEndpoint(ctx context.Context, schema, endpointID string, status AttemptStatus, sinceUnix int64, limit int) ([]*DeliveryAttempt, error)

	// DueForRetry returns attempts scheduled to retry at or before now,
	// for the Retry Scheduler's sweeper (C9, §4.9).
	DueForRetry(ctx context.Context, schema string, nowUnix int64, limit int) ([]*DeliveryAttempt, error)
}
