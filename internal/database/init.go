package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/eventrelay/eventrelay/internal/database/schema"
)

// EnsureSchema creates schemaName and its event/delivery tables if they
// don't already exist. It is called lazily the first time a request
// references a tenant schema, so there is no separate provisioning step
// for onboarding a new tenant.
//
// schemaName must already be validated by the caller (see
// internal/repository.validateSchema) since it is interpolated directly
// into the DDL.
func EnsureSchema(ctx context.Context, db *sql.DB, schemaName string) error {
	createSchema := fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS "%s"`, schemaName)
	if _, err := db.ExecContext(ctx, createSchema); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", schemaName, err)
	}

	for _, stmt := range schema.TableDefinitions(schemaName) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table in schema %s: %w", schemaName, err)
		}
	}

	return nil
}

// CleanSchema drops every table EnsureSchema would have created, in
// reverse dependency order, then the schema itself. Used by integration
// test teardown and by tenant offboarding.
func CleanSchema(ctx context.Context, db *sql.DB, schemaName string) error {
	for _, name := range schema.TableNames {
		query := fmt.Sprintf(`DROP TABLE IF EXISTS "%s"."%s" CASCADE`, schemaName, name)
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", name, err)
		}
	}

	dropSchema := fmt.Sprintf(`DROP SCHEMA IF EXISTS "%s" CASCADE`, schemaName)
	if _, err := db.ExecContext(ctx, dropSchema); err != nil {
		return fmt.Errorf("failed to drop schema %s: %w", schemaName, err)
	}

	return nil
}
