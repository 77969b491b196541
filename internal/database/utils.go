package database

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/eventrelay/eventrelay/config"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// sqlOpen is indirected so tests can substitute a mocked driver.
var sqlOpen = sql.Open

// GetConnectionPoolSettings returns connection pool settings based on environment.
func GetConnectionPoolSettings() (maxOpen, maxIdle int, maxLifetime time.Duration) {
	environment := os.Getenv("ENVIRONMENT")

	// Use smaller pools for test environment to conserve connections
	if environment == "test" || os.Getenv("INTEGRATION_TESTS") == "true" {
		return 10, 5, 2 * time.Minute
	}

	// Production settings
	return 25, 25, 20 * time.Minute
}

// GetDSN returns the connection string for the single Postgres database
// that holds every tenant's schema.
func GetDSN(cfg *config.DatabaseConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.DBName,
		cfg.SSLMode,
	)
}

// GetPostgresDSN returns the DSN for connecting to the PostgreSQL server
// without specifying a database, used to check or create the target
// database before a normal connection can be opened.
func GetPostgresDSN(cfg *config.DatabaseConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/postgres?sslmode=%s",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.SSLMode,
	)
}

// Connect opens the Postgres pool and applies environment-sized pool
// settings. Tenant schemas are bootstrapped lazily by EnsureSchema, not
// here, so this never blocks on a specific tenant being provisioned.
func Connect(cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sqlOpen("postgres", GetDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	maxOpen, maxIdle, maxLifetime := GetConnectionPoolSettings()
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
	db.SetConnMaxIdleTime(maxLifetime / 2)

	return db, nil
}

// EnsureDatabaseExists creates the target database on the Postgres server
// if it doesn't already exist, connecting via GetPostgresDSN first.
func EnsureDatabaseExists(cfg *config.DatabaseConfig) error {
	db, err := sqlOpen("postgres", GetPostgresDSN(cfg))
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL server: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping PostgreSQL server: %w", err)
	}

	var exists bool
	query := "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)"
	if err := db.QueryRow(query, cfg.DBName).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}

	if !exists {
		createDBQuery := fmt.Sprintf("CREATE DATABASE %s", quoteIdentifier(cfg.DBName))
		if _, err := db.Exec(createDBQuery); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	return nil
}

// quoteIdentifier escapes an unquoted Postgres identifier for use in a
// statement that can't bind it as a parameter (CREATE DATABASE has no
// placeholder syntax).
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
