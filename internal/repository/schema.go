package repository

import (
	"fmt"
	"regexp"

	"github.com/eventrelay/eventrelay/internal/domain"
)

// identifierPattern is the conservative schema/table identifier whitelist
// referenced by config.DatabaseConfig.SchemaPrefix: lowercase letters,
// digits and underscores, starting with a letter, capped well below
// Postgres's 63-byte identifier limit.
var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// validateSchema rejects anything that isn't a safe Postgres identifier
// before it is interpolated into a schema-qualified table reference.
// Every other value that reaches a query is bound as a parameter; this
// is the one exception, since Postgres has no placeholder syntax for
// schema/table names.
func validateSchema(schema string) error {
	if !identifierPattern.MatchString(schema) {
		return &domain.ErrInvalidInput{Field: "schema", Reason: fmt.Sprintf("invalid schema identifier %q", schema)}
	}
	return nil
}

// qualify returns a validated "schema"."table" reference for interpolation
// into a query string.
func qualify(schema, table string) (string, error) {
	if err := validateSchema(schema); err != nil {
		return "", err
	}
	return fmt.Sprintf(`"%s"."%s"`, schema, table), nil
}
