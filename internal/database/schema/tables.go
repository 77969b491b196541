// Package schema holds the DDL for a tenant's event and delivery tables.
//
// DEVELOPMENT USE ONLY
// This file contains the current table definitions and is used for development
// and testing. Before deploying to production these should be converted to
// proper migrations.
package schema

import "fmt"

// TableNames lists the per-tenant tables in the order CleanSchema should
// drop them (reverse of creation order, to respect dependencies a future
// foreign key might add).
var TableNames = []string{
	"subscriptions",
	"delivery_attempts",
	"webhook_endpoints",
	"events",
}

// TableDefinitions returns the CREATE TABLE/INDEX statements that bootstrap
// a tenant schema. schemaName must already be validated by the caller (see
// internal/repository.validateSchema) since it is interpolated directly
// into the DDL rather than bound as a query parameter.
//
// Don't put REFERENCES or CHECK constraints here.
func TableDefinitions(schemaName string) []string {
	table := func(name string) string { return fmt.Sprintf(`"%s"."%s"`, schemaName, name) }

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			metadata JSONB NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			priority TEXT NOT NULL DEFAULT 'normal',
			partition_key TEXT NOT NULL,
			processing_state TEXT NOT NULL,
			attempts_count INTEGER NOT NULL DEFAULT 0,
			last_error JSONB,
			worker_id TEXT,
			lease_deadline TIMESTAMPTZ
		)`, table("events")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_events_state_occurred ON %s (processing_state, occurred_at)`, table("events")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			endpoint_id TEXT PRIMARY KEY,
			owner_scope TEXT NOT NULL,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			method TEXT NOT NULL,
			secret TEXT NOT NULL,
			signature_header_name TEXT NOT NULL,
			custom_headers JSONB,
			timeout_seconds INTEGER NOT NULL,
			max_attempts INTEGER NOT NULL,
			base_backoff_seconds INTEGER NOT NULL,
			multiplier DOUBLE PRECISION NOT NULL,
			jitter_fraction DOUBLE PRECISION NOT NULL,
			max_backoff_seconds INTEGER NOT NULL,
			health TEXT NOT NULL,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_by TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ
		)`, table("webhook_endpoints")),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_endpoints_name ON %s (name) WHERE deleted_at IS NULL`, table("webhook_endpoints")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			attempt_id TEXT PRIMARY KEY,
			endpoint_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			attempt_number INTEGER NOT NULL,
			status TEXT NOT NULL,
			request JSONB,
			response JSONB,
			error JSONB,
			scheduled_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			next_retry_at TIMESTAMPTZ,
			max_attempts_reached BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE (event_id, endpoint_id, attempt_number)
		)`, table("delivery_attempts")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_attempts_status_retry ON %s (status, next_retry_at)`, table("delivery_attempts")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_attempts_endpoint_completed ON %s (endpoint_id, completed_at)`, table("delivery_attempts")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			subscription_id TEXT PRIMARY KEY,
			endpoint_id TEXT NOT NULL,
			event_pattern TEXT NOT NULL,
			filter_expression JSONB,
			priority INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			category TEXT NOT NULL
		)`, table("subscriptions")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_subs_active_category ON %s (is_active, category)`, table("subscriptions")),
	}
}
