package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/eventrelay/eventrelay/internal/domain"
	"github.com/lib/pq"
)

// EventRepository implements domain.EventStore against a schema-per-tenant
// PostgreSQL layout: every query is scoped to a validated schema_name that
// is interpolated into the table reference, never bound as a parameter.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository creates a new EventRepository instance.
func NewEventRepository(db *sql.DB) domain.EventStore {
	return &EventRepository{db: db}
}

func (r *EventRepository) table(schema string) (string, error) {
	return qualify(schema, "events")
}

// Append inserts a new event in the pending state.
func (r *EventRepository) Append(ctx context.Context, schema string, event *domain.DomainEvent) error {
	table, err := r.table(schema)
	if err != nil {
		return err
	}

	if event.RecordedAt.IsZero() {
		event.RecordedAt = time.Now().UTC()
	}
	if event.ProcessingState == "" {
		event.ProcessingState = domain.ProcessingStatePending
	}

	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (
			event_id, event_type, aggregate_type, aggregate_id, payload, metadata,
			occurred_at, recorded_at, priority, partition_key, processing_state,
			attempts_count, last_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (event_id) DO NOTHING
	`, table)

	_, err = r.db.ExecContext(ctx, query,
		event.EventID,
		event.EventType,
		event.AggregateType,
		event.AggregateID,
		payloadJSON,
		metadataJSON,
		event.OccurredAt,
		event.RecordedAt,
		event.Priority,
		event.PartitionKey,
		event.ProcessingState,
		event.AttemptsCount,
		errorRecordJSON(event.LastError),
	)
	if err != nil {
		return &domain.ErrStorageUnavailable{Op: "Append", Err: err}
	}
	return nil
}

// Load retrieves a single event by id.
func (r *EventRepository) Load(ctx context.Context, schema, eventID string) (*domain.DomainEvent, error) {
	table, err := r.table(schema)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT event_id, event_type, aggregate_type, aggregate_id, payload, metadata,
			occurred_at, recorded_at, priority, partition_key, processing_state,
			attempts_count, last_error
		FROM %s WHERE event_id = $1
	`, table)

	row := r.db.QueryRowContext(ctx, query, eventID)
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, &domain.ErrNotFound{Entity: "event", ID: eventID}
	}
	if err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "Load", Err: err}
	}
	return event, nil
}

// ClaimPending selects up to limit pending events and atomically marks
// them dispatched with a worker lease, using FOR UPDATE SKIP LOCKED so
// concurrent dispatchers never contend on the same row.
func (r *EventRepository) ClaimPending(ctx context.Context, schema string, limit int, workerID string, leaseDuration int64) ([]*domain.DomainEvent, error) {
	table, err := r.table(schema)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "ClaimPending", Err: err}
	}
	defer tx.Rollback()

	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	selectQuery, args, err := psql.Select("event_id").
		From(table).
		Where(sq.Eq{"processing_state": string(domain.ProcessingStatePending)}).
		OrderBy(`CASE priority
			WHEN 'critical' THEN 0
			WHEN 'high' THEN 1
			WHEN 'normal' THEN 2
			WHEN 'low' THEN 3
			ELSE 4 END, occurred_at`).
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build claim query: %w", err)
	}

	rows, err := tx.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "ClaimPending", Err: err}
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, &domain.ErrStorageUnavailable{Op: "ClaimPending", Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, &domain.ErrStorageUnavailable{Op: "ClaimPending", Err: err}
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UTC()
	leaseDeadline := now.Add(time.Duration(leaseDuration) * time.Second)

	updateQuery, updateArgs, err := psql.Update(table).
		Set("processing_state", string(domain.ProcessingStateDispatched)).
		Set("worker_id", workerID).
		Set("lease_deadline", leaseDeadline).
		Where(sq.Eq{"event_id": ids}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build claim update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, updateQuery, updateArgs...); err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "ClaimPending", Err: err}
	}

	selectClaimed := fmt.Sprintf(`
		SELECT event_id, event_type, aggregate_type, aggregate_id, payload, metadata,
			occurred_at, recorded_at, priority, partition_key, processing_state,
			attempts_count, last_error
		FROM %s WHERE event_id = ANY($1)
	`, table)
	claimedRows, err := tx.QueryContext(ctx, selectClaimed, pq.Array(ids))
	if err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "ClaimPending", Err: err}
	}
	defer claimedRows.Close()

	var events []*domain.DomainEvent
	for claimedRows.Next() {
		event, err := scanEvent(claimedRows)
		if err != nil {
			return nil, &domain.ErrStorageUnavailable{Op: "ClaimPending", Err: err}
		}
		event.ProcessingState = domain.ProcessingStateDispatched
		events = append(events, event)
	}
	if err := claimedRows.Err(); err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "ClaimPending", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "ClaimPending", Err: err}
	}
	return events, nil
}

// MarkProcessed transitions an event to its terminal success state.
func (r *EventRepository) MarkProcessed(ctx context.Context, schema, eventID string) error {
	table, err := r.table(schema)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET processing_state = $1 WHERE event_id = $2`, table)
	res, err := r.db.ExecContext(ctx, query, string(domain.ProcessingStateProcessed), eventID)
	if err != nil {
		return &domain.ErrStorageUnavailable{Op: "MarkProcessed", Err: err}
	}
	return checkAffected(res, "event", eventID)
}

// MarkDead transitions an event to its terminal dead-letter state.
func (r *EventRepository) MarkDead(ctx context.Context, schema, eventID string, errRecord *domain.ErrorRecord) error {
	table, err := r.table(schema)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET processing_state = $1, last_error = $2 WHERE event_id = $3`, table)
	res, err := r.db.ExecContext(ctx, query, string(domain.ProcessingStateDead), errorRecordJSON(errRecord), eventID)
	if err != nil {
		return &domain.ErrStorageUnavailable{Op: "MarkDead", Err: err}
	}
	return checkAffected(res, "event", eventID)
}

// CountByState reports how many events currently sit in a given state,
// feeding the C11 queue-depth gauges.
func (r *EventRepository) CountByState(ctx context.Context, schema string, state domain.ProcessingState) (int64, error) {
	table, err := r.table(schema)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE processing_state = $1`, table)
	var count int64
	if err := r.db.QueryRowContext(ctx, query, string(state)).Scan(&count); err != nil {
		return 0, &domain.ErrStorageUnavailable{Op: "CountByState", Err: err}
	}
	return count, nil
}

// ReclaimExpiredLeases returns dispatched events whose worker lease has
// expired, for the reconciliation sweep to requeue.
func (r *EventRepository) ReclaimExpiredLeases(ctx context.Context, schema string, limit int) ([]*domain.DomainEvent, error) {
	table, err := r.table(schema)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT event_id, event_type, aggregate_type, aggregate_id, payload, metadata,
			occurred_at, recorded_at, priority, partition_key, processing_state,
			attempts_count, last_error
		FROM %s
		WHERE processing_state = $1 AND lease_deadline IS NOT NULL AND lease_deadline <= $2
		ORDER BY lease_deadline
		LIMIT $3
	`, table)
	rows, err := r.db.QueryContext(ctx, query, string(domain.ProcessingStateDispatched), time.Now().UTC(), limit)
	if err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "ReclaimExpiredLeases", Err: err}
	}
	defer rows.Close()
	return scanEvents(rows)
}

// StalePending returns pending events older than the given threshold,
// covering events that were appended but never successfully published
// onto the stream log.
func (r *EventRepository) StalePending(ctx context.Context, schema string, olderThanSeconds int64, limit int) ([]*domain.DomainEvent, error) {
	table, err := r.table(schema)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanSeconds) * time.Second)
	query := fmt.Sprintf(`
		SELECT event_id, event_type, aggregate_type, aggregate_id, payload, metadata,
			occurred_at, recorded_at, priority, partition_key, processing_state,
			attempts_count, last_error
		FROM %s
		WHERE processing_state = $1 AND recorded_at <= $2
		ORDER BY recorded_at
		LIMIT $3
	`, table)
	rows, err := r.db.QueryContext(ctx, query, string(domain.ProcessingStatePending), cutoff, limit)
	if err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "StalePending", Err: err}
	}
	defer rows.Close()
	return scanEvents(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*domain.DomainEvent, error) {
	var event domain.DomainEvent
	var payloadJSON, metadataJSON, lastErrorJSON []byte
	var aggregateType, aggregateID sql.NullString

	err := row.Scan(
		&event.EventID,
		&event.EventType,
		&aggregateType,
		&aggregateID,
		&payloadJSON,
		&metadataJSON,
		&event.OccurredAt,
		&event.RecordedAt,
		&event.Priority,
		&event.PartitionKey,
		&event.ProcessingState,
		&event.AttemptsCount,
		&lastErrorJSON,
	)
	if err != nil {
		return nil, err
	}

	event.AggregateType = aggregateType.String
	event.AggregateID = aggregateID.String

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &event.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if len(lastErrorJSON) > 0 {
		var rec domain.ErrorRecord
		if err := json.Unmarshal(lastErrorJSON, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal last_error: %w", err)
		}
		event.LastError = &rec
	}

	return &event, nil
}

func scanEvents(rows *sql.Rows) ([]*domain.DomainEvent, error) {
	var events []*domain.DomainEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, &domain.ErrStorageUnavailable{Op: "scan", Err: err}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "scan", Err: err}
	}
	return events, nil
}

func errorRecordJSON(rec *domain.ErrorRecord) []byte {
	if rec == nil {
		return nil
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil
	}
	return b
}

func checkAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return &domain.ErrStorageUnavailable{Op: "RowsAffected", Err: err}
	}
	if n == 0 {
		return &domain.ErrNotFound{Entity: entity, ID: id}
	}
	return nil
}
