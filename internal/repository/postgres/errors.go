package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error codes relevant to entry mutation conflicts.
const (
	// Class 23 - Integrity Constraint Violation
	errCodeUniqueViolation     = "23505"
	errCodeForeignKeyViolation = "23503"
)

// isUniqueViolation checks if the error is a PostgreSQL unique constraint
// violation, e.g. creating a Source whose name or access token is already
// taken (RecordMutation avoids path conflicts with ON CONFLICT).
func isUniqueViolation(err error) bool {
	return isPgError(err, errCodeUniqueViolation)
}

// isForeignKeyViolation checks if the error is a PostgreSQL foreign key
// violation, e.g. a parent_dir referencing a missing Entry.
func isForeignKeyViolation(err error) bool {
	return isPgError(err, errCodeForeignKeyViolation)
}

// isPgError checks if the error is a PostgreSQL error with the given code.
func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
