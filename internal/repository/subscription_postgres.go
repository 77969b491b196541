package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/eventrelay/eventrelay/internal/domain"
)

// SubscriptionRepository implements domain.SubscriptionRepository for
// PostgreSQL. Matching logic itself lives in the service layer; this type
// only persists the denormalized rule rows.
type SubscriptionRepository struct {
	db *sql.DB
}

// NewSubscriptionRepository creates a new SubscriptionRepository instance.
func NewSubscriptionRepository(db *sql.DB) domain.SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func (r *SubscriptionRepository) table(schema string) (string, error) {
	return qualify(schema, "subscriptions")
}

// Create inserts a new subscription rule.
func (r *SubscriptionRepository) Create(ctx context.Context, schema string, sub *domain.Subscription) error {
	table, err := r.table(schema)
	if err != nil {
		return err
	}

	filterJSON, err := json.Marshal(sub.FilterExpression)
	if err != nil {
		return fmt.Errorf("failed to marshal filter_expression: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (subscription_id, endpoint_id, event_pattern, filter_expression, priority, is_active, category)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, table)

	_, err = r.db.ExecContext(ctx, query,
		sub.SubscriptionID,
		sub.EndpointID,
		sub.EventPattern,
		filterJSON,
		sub.Priority,
		sub.IsActive,
		categoryPrefix(sub.EventPattern),
	)
	if err != nil {
		return &domain.ErrStorageUnavailable{Op: "Create", Err: err}
	}
	return nil
}

// ListActiveByCategory returns active subscriptions whose event_pattern's
// leading dotted segment matches category, or is a wildcard ("*"/"**")
// that could match any category. The matcher still runs MatchesEventType
// against the full event type; this pre-filter only narrows the index
// scan to keep matching O(subscriptions for this category) rather than
// O(all subscriptions), per §4.5's performance requirement.
func (r *SubscriptionRepository) ListActiveByCategory(ctx context.Context, schema, category string) ([]*domain.Subscription, error) {
	table, err := r.table(schema)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT subscription_id, endpoint_id, event_pattern, filter_expression, priority, is_active
		FROM %s
		WHERE is_active = true AND (category = $1 OR category = '*' OR category = '**')
	`, table)
	rows, err := r.db.QueryContext(ctx, query, category)
	if err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "ListActiveByCategory", Err: err}
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ListByEndpoint returns every subscription rule targeting an endpoint.
// EndpointRepository.SoftDelete does not call it; an endpoint's
// subscription rows are left in place when the endpoint is deleted.
func (r *SubscriptionRepository) ListByEndpoint(ctx context.Context, schema, endpointID string) ([]*domain.Subscription, error) {
	table, err := r.table(schema)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT subscription_id, endpoint_id, event_pattern, filter_expression, priority, is_active
		FROM %s WHERE endpoint_id = $1
	`, table)
	rows, err := r.db.QueryContext(ctx, query, endpointID)
	if err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "ListByEndpoint", Err: err}
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// Delete removes a subscription rule.
func (r *SubscriptionRepository) Delete(ctx context.Context, schema, subscriptionID string) error {
	table, err := r.table(schema)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE subscription_id = $1`, table)
	res, err := r.db.ExecContext(ctx, query, subscriptionID)
	if err != nil {
		return &domain.ErrStorageUnavailable{Op: "Delete", Err: err}
	}
	return checkAffected(res, "subscription", subscriptionID)
}

func scanSubscriptions(rows *sql.Rows) ([]*domain.Subscription, error) {
	var subs []*domain.Subscription
	for rows.Next() {
		var sub domain.Subscription
		var filterJSON []byte
		if err := rows.Scan(&sub.SubscriptionID, &sub.EndpointID, &sub.EventPattern, &filterJSON, &sub.Priority, &sub.IsActive); err != nil {
			return nil, &domain.ErrStorageUnavailable{Op: "scan", Err: err}
		}
		if len(filterJSON) > 0 {
			var node domain.FilterNode
			if err := json.Unmarshal(filterJSON, &node); err != nil {
				return nil, fmt.Errorf("failed to unmarshal filter_expression: %w", err)
			}
			sub.FilterExpression = &node
		}
		subs = append(subs, &sub)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.ErrStorageUnavailable{Op: "scan", Err: err}
	}
	return subs, nil
}

// categoryPrefix extracts the leading segment of an event pattern for
// the category index column, tolerating the "*"/"**" wildcard forms.
func categoryPrefix(pattern string) string {
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '.' {
			return pattern[:i]
		}
	}
	return pattern
}
