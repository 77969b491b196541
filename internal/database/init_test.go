package database

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventrelay/eventrelay/internal/database/schema"
)

func TestEnsureSchema(t *testing.T) {
	t.Run("creates schema and tables", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS "tenant_acme"`).WillReturnResult(sqlmock.NewResult(0, 0))
		for range schema.TableDefinitions("tenant_acme") {
			mock.ExpectExec(".+").WillReturnResult(sqlmock.NewResult(0, 0))
		}
		mock.MatchExpectationsInOrder(false)

		err = EnsureSchema(context.Background(), db, "tenant_acme")
		require.NoError(t, err)
	})

	t.Run("schema creation failure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS`).WillReturnError(sql.ErrConnDone)

		err = EnsureSchema(context.Background(), db, "tenant_acme")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create schema")
	})

	t.Run("table creation failure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(".+").WillReturnError(sql.ErrConnDone)

		err = EnsureSchema(context.Background(), db, "tenant_acme")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create table")
	})
}

func TestCleanSchema(t *testing.T) {
	t.Run("drops tables and schema", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.MatchExpectationsInOrder(false)
		for i := 0; i < len(schemaTableNamesForTest()); i++ {
			mock.ExpectExec(`DROP TABLE IF EXISTS .+ CASCADE`).WillReturnResult(sqlmock.NewResult(0, 0))
		}
		mock.ExpectExec(`DROP SCHEMA IF EXISTS "tenant_acme" CASCADE`).WillReturnResult(sqlmock.NewResult(0, 0))

		err = CleanSchema(context.Background(), db, "tenant_acme")
		require.NoError(t, err)
	})

	t.Run("table drop failure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec(`DROP TABLE IF EXISTS .+ CASCADE`).WillReturnError(sql.ErrConnDone)

		err = CleanSchema(context.Background(), db, "tenant_acme")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to drop table")
	})
}

// schemaTableNamesForTest mirrors schema.TableNames without importing the
// package twice in the table-driven test above.
func schemaTableNamesForTest() []string {
	return []string{"subscriptions", "delivery_attempts", "webhook_endpoints", "events"}
}
