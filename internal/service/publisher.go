package service

import (
	"context"

	"github.com/eventrelay/eventrelay/internal/domain"
	"github.com/eventrelay/eventrelay/pkg/logger"
)

// Publisher implements C3: the producer-facing entry point that writes
// an event to the Event Store and best-effort appends a pointer to the
// Stream Log (§4.3, §6.1).
type Publisher struct {
	events    domain.EventStore
	streamLog domain.StreamLog
	logger    logger.Logger
}

// NewPublisher wires the publisher to its store and stream log.
func NewPublisher(events domain.EventStore, streamLog domain.StreamLog, log logger.Logger) *Publisher {
	return &Publisher{events: events, streamLog: streamLog, logger: log}
}

// Publish runs the three-step algorithm: validate, durably append, then
// best-effort publish a pointer to the stream. A stream failure is
// logged and swallowed — the event stays `pending` and the
// reconciliation sweep (Dispatcher Loop B, StalePending) picks it up
// later, since the store is the only source of truth and the stream
// carries pointers only.
func (p *Publisher) Publish(ctx context.Context, event *domain.DomainEvent, schema string) (string, error) {
	event.Metadata.SchemaName = schema
	if err := event.Validate(); err != nil {
		return "", err
	}

	// Append is itself idempotent on event_id (ON CONFLICT DO NOTHING),
	// so a duplicate publish call never fails here.
	if err := p.events.Append(ctx, schema, event); err != nil {
		return "", &domain.ErrStorageUnavailable{Op: "append", Err: err}
	}

	topic := streamTopicName(schema, domain.EventCategory(event.EventType))
	entry := map[string]string{"event_id": event.EventID, "schema": schema}
	if _, err := p.streamLog.Publish(ctx, topic, event.PartitionKey, entry); err != nil {
		p.logger.WithField("event_id", event.EventID).WithField("error", err.Error()).
			Warn("stream publish failed, event remains pending for reconciliation sweep")
	}

	return event.EventID, nil
}

// PublishResult is one item's outcome from PublishBatch.
type PublishResult struct {
	EventID string
	Error   error
}

// PublishBatch publishes each event independently; a failure on one
// item never aborts the rest (§6.1's "best-effort, partial success
// returns per-item outcomes").
func (p *Publisher) PublishBatch(ctx context.Context, events []*domain.DomainEvent, schema string) []PublishResult {
	results := make([]PublishResult, len(events))
	for i, event := range events {
		eventID, err := p.Publish(ctx, event, schema)
		results[i] = PublishResult{EventID: eventID, Error: err}
	}
	return results
}
