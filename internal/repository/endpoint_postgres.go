package repository

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/eventrelay/eventrelay/internal/domain"
)

// EndpointRepository implements domain.EndpointRepository for PostgreSQL.
type EndpointRepository struct {
	db *sql.DB
}

// NewEndpointRepository creates a new EndpointRepository instance.
func NewEndpointRepository(db *sql.DB) domain.EndpointRepository {
	return &EndpointRepository{db: db}
}

func (r *EndpointRepository) table(schema string) (string, error) {
	return qualify(schema, "webhook_endpoints")
}

// Create inserts a new endpoint.
func (r *EndpointRepository) Create(ctx context.Context, schema string, e *domain.WebhookEndpoint) error {
	table, err := r.table(schema)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	headersJSON, err := json.Marshal(e.CustomHeaders)
	if err != nil {
		return fmt.Errorf("failed to marshal custom_headers: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (
			endpoint_id, owner_scope, name, url, method, secret, signature_header_name,
			custom_headers, timeout_seconds, max_attempts, base_backoff_seconds,
			multiplier, jitter_fraction, max_backoff_seconds, health,
			consecutive_failures, is_active, created_by, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, table)

	_, err = r.db.ExecContext(ctx, query,
		e.EndpointID,
		e.OwnerScope,
		e.Name,
		e.URL,
		e.Method,
		encodeSecret(e.Secret),
		e.SignatureHeaderName,
		headersJSON,
		int64(e.Timeout.Seconds()),
		e.RetryPolicy.MaxAttempts,
		int64(e.RetryPolicy.BaseBackoff.Seconds()),
		e.RetryPolicy.Multiplier,
		e.RetryPolicy.JitterFraction,
		int64(e.RetryPolicy.MaxBackoff.Seconds()),
		string(e.Health),
		e.ConsecutiveFailures,
		e.IsActive,
		e.CreatedBy,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		return &domain.ErrStorageUnavailable{Op: "Create", Err: err}
	}
	return nil
}

// Get retrieves a single non-deleted endpoint by id.
func (r *EndpointRepository) Get(ctx context.Context, schema, endpointID string) (*domain.WebhookEndpoint, error) {
	table, err := r.table(schema)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`%s WHERE endpoint_id = $1 AND deleted_at IS NULL`, selectEndpointColumns(table))
	row := r.db.QueryRowContext(ctx, query, endpointID)
	endpoint, err := scanEndpoint(row)
	if err == sql.ErrNoRows {
		return nil, &domain.ErrNotFound{Entity: "endpoint", ID: endpointID}
	}
	if err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "Get", Err: err}
	}
	return endpoint, nil
}

// Update persists changes to mutable endpoint fields.
func (r *EndpointRepository) Update(ctx context.Context, schema string, e *domain.WebhookEndpoint) error {
	table, err := r.table(schema)
	if err != nil {
		return err
	}
	e.UpdatedAt = time.Now().UTC()

	headersJSON, err := json.Marshal(e.CustomHeaders)
	if err != nil {
		return fmt.Errorf("failed to marshal custom_headers: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			name = $1, url = $2, method = $3, secret = $4, signature_header_name = $5,
			custom_headers = $6, timeout_seconds = $7, max_attempts = $8,
			base_backoff_seconds = $9, multiplier = $10, jitter_fraction = $11,
			max_backoff_seconds = $12, is_active = $13, updated_at = $14
		WHERE endpoint_id = $15 AND deleted_at IS NULL
	`, table)

	res, err := r.db.ExecContext(ctx, query,
		e.Name,
		e.URL,
		e.Method,
		encodeSecret(e.Secret),
		e.SignatureHeaderName,
		headersJSON,
		int64(e.Timeout.Seconds()),
		e.RetryPolicy.MaxAttempts,
		int64(e.RetryPolicy.BaseBackoff.Seconds()),
		e.RetryPolicy.Multiplier,
		e.RetryPolicy.JitterFraction,
		int64(e.RetryPolicy.MaxBackoff.Seconds()),
		e.IsActive,
		e.UpdatedAt,
		e.EndpointID,
	)
	if err != nil {
		return &domain.ErrStorageUnavailable{Op: "Update", Err: err}
	}
	return checkAffected(res, "endpoint", e.EndpointID)
}

// SoftDelete marks an endpoint deleted without losing its attempt history.
func (r *EndpointRepository) SoftDelete(ctx context.Context, schema, endpointID string) error {
	table, err := r.table(schema)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET deleted_at = $1, is_active = false WHERE endpoint_id = $2 AND deleted_at IS NULL`, table)
	res, err := r.db.ExecContext(ctx, query, time.Now().UTC(), endpointID)
	if err != nil {
		return &domain.ErrStorageUnavailable{Op: "SoftDelete", Err: err}
	}
	return checkAffected(res, "endpoint", endpointID)
}

// List returns a cursor-paginated page of non-deleted endpoints, ordered
// by endpoint_id so the cursor is stable under concurrent inserts.
func (r *EndpointRepository) List(ctx context.Context, schema string, cursor string, limit int) ([]*domain.WebhookEndpoint, string, error) {
	table, err := r.table(schema)
	if err != nil {
		return nil, "", err
	}

	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	builder := psql.Select(endpointColumnNames()...).
		From(table).
		Where(sq.Eq{"deleted_at": nil}).
		OrderBy("endpoint_id").
		Limit(uint64(limit) + 1)
	if cursor != "" {
		builder = builder.Where(sq.Gt{"endpoint_id": cursor})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, "", fmt.Errorf("failed to build list query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", &domain.ErrStorageUnavailable{Op: "List", Err: err}
	}
	defer rows.Close()

	var endpoints []*domain.WebhookEndpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, "", &domain.ErrStorageUnavailable{Op: "List", Err: err}
		}
		endpoints = append(endpoints, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", &domain.ErrStorageUnavailable{Op: "List", Err: err}
	}

	nextCursor := ""
	if len(endpoints) > limit {
		nextCursor = endpoints[limit-1].EndpointID
		endpoints = endpoints[:limit]
	}
	return endpoints, nextCursor, nil
}

// RecordHealthOutcome atomically updates consecutive_failures and the
// derived health classification for one delivery outcome, returning the
// row as it now stands so the caller can react to a health transition.
func (r *EndpointRepository) RecordHealthOutcome(ctx context.Context, schema, endpointID string, success bool) (*domain.WebhookEndpoint, error) {
	table, err := r.table(schema)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "RecordHealthOutcome", Err: err}
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`%s WHERE endpoint_id = $1 AND deleted_at IS NULL FOR UPDATE`, selectEndpointColumns(table))
	row := tx.QueryRowContext(ctx, query, endpointID)
	e, err := scanEndpoint(row)
	if err == sql.ErrNoRows {
		return nil, &domain.ErrNotFound{Entity: "endpoint", ID: endpointID}
	}
	if err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "RecordHealthOutcome", Err: err}
	}

	if success {
		e.ConsecutiveFailures = 0
		e.Health = domain.EndpointHealthHealthy
	} else {
		e.ConsecutiveFailures++
		switch {
		case e.ConsecutiveFailures >= domain.DisabledAfterFailures:
			e.Health = domain.EndpointHealthDisabled
		case e.ConsecutiveFailures >= domain.DegradedAfterFailures:
			e.Health = domain.EndpointHealthDegraded
		default:
			e.Health = domain.EndpointHealthHealthy
		}
	}
	e.UpdatedAt = time.Now().UTC()

	updateQuery := fmt.Sprintf(`UPDATE %s SET consecutive_failures = $1, health = $2, updated_at = $3 WHERE endpoint_id = $4`, table)
	if _, err := tx.ExecContext(ctx, updateQuery, e.ConsecutiveFailures, string(e.Health), e.UpdatedAt, endpointID); err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "RecordHealthOutcome", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "RecordHealthOutcome", Err: err}
	}
	return e, nil
}

func endpointColumnNames() []string {
	return []string{
		"endpoint_id", "owner_scope", "name", "url", "method", "secret", "signature_header_name",
		"custom_headers", "timeout_seconds", "max_attempts", "base_backoff_seconds",
		"multiplier", "jitter_fraction", "max_backoff_seconds", "health",
		"consecutive_failures", "is_active", "created_by", "created_at", "updated_at", "deleted_at",
	}
}

func selectEndpointColumns(table string) string {
	cols := endpointColumnNames()
	list := ""
	for i, c := range cols {
		if i > 0 {
			list += ", "
		}
		list += c
	}
	return fmt.Sprintf("SELECT %s FROM %s", list, table)
}

func scanEndpoint(row rowScanner) (*domain.WebhookEndpoint, error) {
	var e domain.WebhookEndpoint
	var secretEncoded string
	var headersJSON []byte
	var timeoutSeconds, baseBackoffSeconds, maxBackoffSeconds int64
	var deletedAt sql.NullTime

	err := row.Scan(
		&e.EndpointID,
		&e.OwnerScope,
		&e.Name,
		&e.URL,
		&e.Method,
		&secretEncoded,
		&e.SignatureHeaderName,
		&headersJSON,
		&timeoutSeconds,
		&e.RetryPolicy.MaxAttempts,
		&baseBackoffSeconds,
		&e.RetryPolicy.Multiplier,
		&e.RetryPolicy.JitterFraction,
		&maxBackoffSeconds,
		&e.Health,
		&e.ConsecutiveFailures,
		&e.IsActive,
		&e.CreatedBy,
		&e.CreatedAt,
		&e.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Secret = decodeSecret(secretEncoded)
	e.Timeout = time.Duration(timeoutSeconds) * time.Second
	e.RetryPolicy.BaseBackoff = time.Duration(baseBackoffSeconds) * time.Second
	e.RetryPolicy.MaxBackoff = time.Duration(maxBackoffSeconds) * time.Second
	if deletedAt.Valid {
		e.DeletedAt = &deletedAt.Time
	}
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &e.CustomHeaders); err != nil {
			return nil, fmt.Errorf("failed to unmarshal custom_headers: %w", err)
		}
	}
	return &e, nil
}

// encodeSecret/decodeSecret store the webhook signing secret base64-encoded
// at rest; full field-level encryption is applied by the caller via
// pkg/crypto before the secret ever reaches this layer (§4.4 "secret is
// never returned by read endpoints").
func encodeSecret(secret string) string {
	return base64.StdEncoding.EncodeToString([]byte(secret))
}

func decodeSecret(encoded string) string {
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ""
	}
	return string(b)
}
