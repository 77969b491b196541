package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eventrelay/eventrelay/internal/domain"
)

// AttemptRepository implements domain.AttemptRepository for PostgreSQL.
type AttemptRepository struct {
	db *sql.DB
}

// NewAttemptRepository creates a new AttemptRepository instance.
func NewAttemptRepository(db *sql.DB) domain.AttemptRepository {
	return &AttemptRepository{db: db}
}

func (r *AttemptRepository) table(schema string) (string, error) {
	return qualify(schema, "delivery_attempts")
}

// Upsert inserts a delivery attempt. On a conflict with the unique
// (event_id, endpoint_id, attempt_number) key it leaves the existing row
// untouched, making re-recording the same attempt after a crash-and-retry
// safe (§4.8's IntegrityViolation recovery path).
func (r *AttemptRepository) Upsert(ctx context.Context, schema string, a *domain.DeliveryAttempt) error {
	table, err := r.table(schema)
	if err != nil {
		return err
	}

	requestJSON, err := json.Marshal(a.Request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	responseJSON, err := marshalNullable(a.Response)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	errorJSON := errorRecordJSON(a.Error)

	query := fmt.Sprintf(`
		INSERT INTO %s (
			attempt_id, endpoint_id, event_id, attempt_number, status, request, response,
			error, scheduled_at, started_at, completed_at, next_retry_at, max_attempts_reached
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (event_id, endpoint_id, attempt_number) DO NOTHING
	`, table)

	_, err = r.db.ExecContext(ctx, query,
		a.AttemptID,
		a.EndpointID,
		a.EventID,
		a.AttemptNumber,
		string(a.Status),
		requestJSON,
		responseJSON,
		errorJSON,
		a.ScheduledAt,
		a.StartedAt,
		a.CompletedAt,
		a.NextRetryAt,
		a.MaxAttemptsReached,
	)
	if err != nil {
		return &domain.ErrStorageUnavailable{Op: "Upsert", Err: err}
	}
	return nil
}

// ListByEventEndpoint returns every attempt recorded for one (event,
// endpoint) pair, ordered by attempt_number.
func (r *AttemptRepository) ListByEventEndpoint(ctx context.Context, schema, eventID, endpointID string) ([]*domain.DeliveryAttempt, error) {
	table, err := r.table(schema)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s WHERE event_id = $1 AND endpoint_id = $2 ORDER BY attempt_number
	`, attemptColumnList(), table)
	rows, err := r.db.QueryContext(ctx, query, eventID, endpointID)
	if err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "ListByEventEndpoint", Err: err}
	}
	defer rows.Close()
	return scanAttempts(rows)
}

// ListByEndpoint returns attempts for an endpoint, optionally filtered by
// status and a minimum scheduled_at timestamp, for the observability API
// (§6.3).
func (r *AttemptRepository) ListByEndpoint(ctx context.Context, schema, endpointID string, status domain.AttemptStatus, sinceUnix int64, limit int) ([]*domain.DeliveryAttempt, error) {
	table, err := r.table(schema)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE endpoint_id = $1`, attemptColumnList(), table)
	args := []interface{}{endpointID}

	if status != "" {
		args = append(args, string(status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if sinceUnix > 0 {
		args = append(args, time.Unix(sinceUnix, 0).UTC())
		query += fmt.Sprintf(" AND scheduled_at >= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY scheduled_at DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "ListByEndpoint", Err: err}
	}
	defer rows.Close()
	return scanAttempts(rows)
}

// DueForRetry returns attempts scheduled to retry at or before now, for
// the retry sweeper (§4.9).
func (r *AttemptRepository) DueForRetry(ctx context.Context, schema string, nowUnix int64, limit int) ([]*domain.DeliveryAttempt, error) {
	table, err := r.table(schema)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		ORDER BY next_retry_at
		LIMIT $3
	`, attemptColumnList(), table)
	rows, err := r.db.QueryContext(ctx, query, string(domain.AttemptStatusRetrying), time.Unix(nowUnix, 0).UTC(), limit)
	if err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "DueForRetry", Err: err}
	}
	defer rows.Close()
	return scanAttempts(rows)
}

func attemptColumnList() string {
	return `attempt_id, endpoint_id, event_id, attempt_number, status, request, response,
		error, scheduled_at, started_at, completed_at, next_retry_at, max_attempts_reached`
}

func scanAttempts(rows *sql.Rows) ([]*domain.DeliveryAttempt, error) {
	var attempts []*domain.DeliveryAttempt
	for rows.Next() {
		var a domain.DeliveryAttempt
		var requestJSON, responseJSON, errorJSON []byte
		var startedAt, completedAt, nextRetryAt sql.NullTime

		err := rows.Scan(
			&a.AttemptID,
			&a.EndpointID,
			&a.EventID,
			&a.AttemptNumber,
			&a.Status,
			&requestJSON,
			&responseJSON,
			&errorJSON,
			&a.ScheduledAt,
			&startedAt,
			&completedAt,
			&nextRetryAt,
			&a.MaxAttemptsReached,
		)
		if err != nil {
			return nil, &domain.ErrStorageUnavailable{Op: "scan", Err: err}
		}

		if startedAt.Valid {
			a.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			a.CompletedAt = &completedAt.Time
		}
		if nextRetryAt.Valid {
			a.NextRetryAt = &nextRetryAt.Time
		}
		if len(requestJSON) > 0 {
			if err := json.Unmarshal(requestJSON, &a.Request); err != nil {
				return nil, fmt.Errorf("failed to unmarshal request: %w", err)
			}
		}
		if len(responseJSON) > 0 {
			var resp domain.AttemptResponse
			if err := json.Unmarshal(responseJSON, &resp); err != nil {
				return nil, fmt.Errorf("failed to unmarshal response: %w", err)
			}
			a.Response = &resp
		}
		if len(errorJSON) > 0 {
			var rec domain.ErrorRecord
			if err := json.Unmarshal(errorJSON, &rec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal error: %w", err)
			}
			a.Error = &rec
		}

		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "scan", Err: err}
	}
	return attempts, nil
}

func marshalNullable(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case *domain.AttemptResponse:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
